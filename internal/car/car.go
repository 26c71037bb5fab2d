// Package car reads and writes CAR v1 archives: a header (the archive
// version and root CIDs) followed by length-prefixed (cid, data)
// blocks. The teacher's blockstore.go writes CAR archives inline with
// its MemBlockstore; this package factors that framing out into a
// standalone, blockstore-agnostic component so the sync.getRepo
// exporter, the commit-diff exporter, and the relay poller's CAR
// verification can all share it.
package car

import (
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	goCar "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
)

// Block is a minimal (cid, bytes) pair, satisfied by blocks.Block.
type Block interface {
	Cid() cid.Cid
	RawData() []byte
}

// Write streams a CAR v1 archive to w: a header naming roots, followed
// by each block in blks in order.
func Write(w io.Writer, roots []cid.Cid, blks []Block) error {
	h := &goCar.CarHeader{Roots: roots, Version: 1}
	if err := goCar.WriteHeader(h, w); err != nil {
		return fmt.Errorf("car: write header: %w", err)
	}
	for _, blk := range blks {
		if err := carutil.LdWrite(w, blk.Cid().Bytes(), blk.RawData()); err != nil {
			return fmt.Errorf("car: write block %s: %w", blk.Cid(), err)
		}
	}
	return nil
}

// Read parses a CAR v1 archive from r, returning its declared roots
// and every block in archive order. Used to verify CAR soundness
// (every block's bytes hash to its claimed CID) in tests and by the
// relay poller when it ingests a remote repo export.
func Read(r io.Reader) (roots []cid.Cid, blks []blocks.Block, err error) {
	cr, err := goCar.NewCarReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("car: read header: %w", err)
	}

	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("car: read block: %w", err)
		}
		blks = append(blks, blk)
	}
	return cr.Header.Roots, blks, nil
}
