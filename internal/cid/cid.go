// Package cid computes and parses content identifiers: CIDv1 values
// built from a multicodec tag and a SHA-256 digest, rendered in their
// base32-lowercase string form. Record and MST-node blocks use the
// dag-cbor codec (0x71); raw blob bytes use the raw codec (0x55).
package cid

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// OfDagCBOR computes the CIDv1 (dag-cbor codec, SHA-256) of canonical
// CBOR bytes, as used for records, MST nodes, and commit objects.
func OfDagCBOR(raw []byte) (gocid.Cid, error) {
	builder := gocid.NewPrefixV1(gocid.DagCBOR, multihash.SHA2_256)
	c, err := builder.Sum(raw)
	if err != nil {
		return gocid.Undef, fmt.Errorf("cid: sum dag-cbor: %w", err)
	}
	return c, nil
}

// OfRaw computes the CIDv1 (raw codec, SHA-256) of opaque bytes, as
// used for blob storage.
func OfRaw(raw []byte) (gocid.Cid, error) {
	hash, err := multihash.Sum(raw, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("cid: sum raw: %w", err)
	}
	c := gocid.NewCidV1(gocid.Raw, hash)
	return c, nil
}

// Parse decodes a base32-lowercase CID string.
func Parse(s string) (gocid.Cid, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return gocid.Undef, fmt.Errorf("cid: parse %q: %w", s, err)
	}
	return c, nil
}
