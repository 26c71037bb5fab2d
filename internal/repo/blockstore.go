package repo

import (
	"context"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	gocid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborlight/pds/internal/car"
)

// MemBlockstore is an in-memory blockstore implementing the
// blockstore.Blockstore interface indigo's MST requires. It wraps a
// map and provides helpers to load from and persist to the node's
// single `blocks` table.
type MemBlockstore struct {
	blocks map[string]blocks.Block
}

// NewMemBlockstore creates an empty in-memory blockstore.
func NewMemBlockstore() *MemBlockstore {
	return &MemBlockstore{blocks: make(map[string]blocks.Block, 64)}
}

// Get retrieves a block by CID.
func (m *MemBlockstore) Get(_ context.Context, c gocid.Cid) (blocks.Block, error) {
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	return blk, nil
}

// Put stores a block.
func (m *MemBlockstore) Put(_ context.Context, blk blocks.Block) error {
	m.blocks[blk.Cid().KeyString()] = blk
	return nil
}

// Has reports whether a block exists.
func (m *MemBlockstore) Has(_ context.Context, c gocid.Cid) (bool, error) {
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

// GetSize returns the size of a block.
func (m *MemBlockstore) GetSize(_ context.Context, c gocid.Cid) (int, error) {
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return 0, &ipld.ErrNotFound{Cid: c}
	}
	return len(blk.RawData()), nil
}

// PutMany stores multiple blocks.
func (m *MemBlockstore) PutMany(_ context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		m.blocks[blk.Cid().KeyString()] = blk
	}
	return nil
}

// AllKeysChan returns a channel of all CIDs in the blockstore.
func (m *MemBlockstore) AllKeysChan(_ context.Context) (<-chan gocid.Cid, error) {
	ch := make(chan gocid.Cid, len(m.blocks))
	for _, blk := range m.blocks {
		ch <- blk.Cid()
	}
	close(ch)
	return ch, nil
}

// HashOnRead is a no-op (not needed for an in-memory store).
func (m *MemBlockstore) HashOnRead(_ bool) {}

// DeleteBlock removes a block by CID.
func (m *MemBlockstore) DeleteBlock(_ context.Context, c gocid.Cid) error {
	delete(m.blocks, c.KeyString())
	return nil
}

// LoadBlocks loads every persisted block into a new MemBlockstore.
// There is exactly one repository per process, so unlike the
// teacher's per-DID query this reads the whole `blocks` table.
func LoadBlocks(ctx context.Context, pool *pgxpool.Pool) (*MemBlockstore, error) {
	rows, err := pool.Query(ctx, `SELECT cid, data FROM blocks`)
	if err != nil {
		return nil, fmt.Errorf("blockstore: load blocks: %w", err)
	}
	defer rows.Close()

	bs := NewMemBlockstore()
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return nil, fmt.Errorf("blockstore: scan block: %w", err)
		}

		c, err := gocid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("blockstore: decode cid %q: %w", cidStr, err)
		}

		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return nil, fmt.Errorf("blockstore: create block: %w", err)
		}
		bs.blocks[c.KeyString()] = blk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blockstore: iterate rows: %w", err)
	}
	return bs, nil
}

// PersistAll writes all in-memory blocks to Postgres. Uses ON CONFLICT
// DO NOTHING since blocks are content-addressed (immutable).
func (m *MemBlockstore) PersistAll(ctx context.Context, pool *pgxpool.Pool) error {
	for _, blk := range m.blocks {
		cidStr := blk.Cid().String()
		_, err := pool.Exec(ctx,
			`INSERT INTO blocks (cid, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			cidStr, blk.RawData())
		if err != nil {
			return fmt.Errorf("blockstore: persist block %s: %w", cidStr, err)
		}
	}
	return nil
}

// ExportCAR writes every block as a CAR v1 archive, commit block
// first, via the standalone car package.
func (m *MemBlockstore) ExportCAR(w io.Writer, commitCID gocid.Cid) error {
	return m.exportOrdered(w, commitCID, func(string) bool { return false })
}

// TrackingBlockstore wraps a MemBlockstore and records which CIDs were
// present at creation time vs. added during mutations. After a commit,
// ExportDiffCAR writes only the blocks added since tracking began —
// the payload a firehose #commit event carries.
type TrackingBlockstore struct {
	*MemBlockstore
	preloaded map[string]bool
}

// NewTrackingBlockstore wraps an existing MemBlockstore, snapshotting
// its current keys as "preloaded". Blocks added after this point are
// considered new.
func NewTrackingBlockstore(bs *MemBlockstore) *TrackingBlockstore {
	pre := make(map[string]bool, len(bs.blocks))
	for k := range bs.blocks {
		pre[k] = true
	}
	return &TrackingBlockstore{MemBlockstore: bs, preloaded: pre}
}

// NewBlocks returns blocks added after the tracking snapshot.
func (t *TrackingBlockstore) NewBlocks() []blocks.Block {
	var out []blocks.Block
	for k, blk := range t.MemBlockstore.blocks {
		if !t.preloaded[k] {
			out = append(out, blk)
		}
	}
	return out
}

// ExportDiffCAR writes only the new (non-preloaded) blocks as a CAR v1
// archive, commit block first.
func (t *TrackingBlockstore) ExportDiffCAR(w io.Writer, commitCID gocid.Cid) error {
	return t.MemBlockstore.exportOrdered(w, commitCID, func(k string) bool {
		return t.preloaded[k]
	})
}

// exportOrdered writes the commit block first, then every remaining
// block for which skip returns false.
func (m *MemBlockstore) exportOrdered(w io.Writer, commitCID gocid.Cid, skip func(key string) bool) error {
	commitBlk, ok := m.blocks[commitCID.KeyString()]
	if !ok {
		return fmt.Errorf("blockstore: commit block not found: %s", commitCID)
	}

	ordered := []car.Block{commitBlk}
	for k, blk := range m.blocks {
		if k == commitCID.KeyString() || skip(k) {
			continue
		}
		ordered = append(ordered, blk)
	}
	return car.Write(w, []gocid.Cid{commitCID}, ordered)
}
