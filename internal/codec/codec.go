// Package codec implements the canonical, deterministic binary encoding
// used for every record, MST node, and commit object: a restricted
// DAG-CBOR subset with sorted map keys, CID links, and no floats or
// indefinite-length items. It wraps indigo's atproto/data (the CBOR
// codec) and atproto/atdata (the JSON-surface bridge) rather than
// reimplementing canonical CBOR from scratch.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/bluesky-social/indigo/atproto/data"
)

// ErrMalformedEncoding is returned when bytes fail to decode as valid
// canonical DAG-CBOR for the atproto data model — duplicate keys,
// indefinite-length items, floats, or any other construct the
// restricted subset disallows.
var ErrMalformedEncoding = errors.New("codec: malformed encoding")

// Encode serializes a record already in atproto data-model form
// (produced by DecodeJSON) to its canonical CBOR bytes. Two calls on
// semantically equal input always produce byte-identical output: map
// keys are sorted by encoded length then lexicographically, matching
// DAG-CBOR's canonical ordering.
func Encode(record map[string]any) ([]byte, error) {
	b, err := data.MarshalCBOR(record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return b, nil
}

// Decode parses canonical CBOR bytes back into a JSON-safe data-model
// map (CID links already rendered in their JSON surface form). Returns
// ErrMalformedEncoding if the bytes are not valid canonical DAG-CBOR
// for the atproto data model.
func Decode(cborBytes []byte) (map[string]any, error) {
	rec, err := data.UnmarshalCBOR(cborBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return rec, nil
}

// DecodeJSON parses an incoming JSON record body into atproto
// data-model form, resolving $bytes/$link surface wrappers into their
// binary/CID-link representations. The result is suitable for Encode.
func DecodeJSON(raw json.RawMessage) (map[string]any, error) {
	rec, err := atdata.UnmarshalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return rec, nil
}

// FromValue re-marshals a plain map[string]any (e.g. parsed from an
// XRPC request body by encoding/json) through the JSON surface form,
// producing an atproto data-model map ready for Encode.
func FromValue(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal record value: %w", err)
	}
	return DecodeJSON(raw)
}
