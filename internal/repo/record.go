// Package repo provides the single-actor AT Protocol repository: Merkle
// Search Tree (MST) management, content-addressed block storage,
// commit signing, and record CRUD over a single did:web repository.
package repo

import (
	gocid "github.com/ipfs/go-cid"

	atcid "github.com/harborlight/pds/internal/cid"
	"github.com/harborlight/pds/internal/codec"
)

// EncodeRecord converts a parsed atproto data map to canonical DAG-CBOR
// bytes. The input should already be in the atproto data model (i.e.
// parsed through codec.DecodeJSON or codec.FromValue).
func EncodeRecord(record map[string]any) ([]byte, error) {
	return codec.Encode(record)
}

// DecodeRecord converts canonical DAG-CBOR bytes back to a JSON-safe
// atproto data map.
func DecodeRecord(cborBytes []byte) (map[string]any, error) {
	return codec.Decode(cborBytes)
}

// ComputeCID returns the CIDv1 (SHA-256, dag-cbor codec) of raw bytes.
func ComputeCID(raw []byte) (gocid.Cid, error) {
	return atcid.OfDagCBOR(raw)
}
