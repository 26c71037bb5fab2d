package repo

import (
	"bytes"
	"context"
	"fmt"

	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	gocid "github.com/ipfs/go-cid"

	"github.com/harborlight/pds/internal/car"
)

// DiffEntry names one key that changed between two MST snapshots.
type DiffEntry struct {
	Path   string
	Before *gocid.Cid // nil if the key did not exist before
	After  *gocid.Cid // nil if the key no longer exists
}

// Diff walks both MST snapshots and reports every key whose value
// differs, including keys that only exist on one side (creates and
// deletes). It is implemented as two full walks and a map comparison
// rather than a tree-aware structural diff: the MST blockstore and
// node layout come entirely from indigo's atproto/repo/mst package,
// which has no exposed diff primitive this module's usage of it
// reaches, so a correct-but-O(n) comparison stands in for it. Every
// individual mutation already produces its own RepoOp during commit;
// this entry point exists for bulk comparisons (e.g. verifying a
// fetched remote snapshot) where recomputing the full key set is
// the simplest correct option.
func Diff(before, after mst.Tree) ([]DiffEntry, error) {
	beforeKeys, err := snapshot(before)
	if err != nil {
		return nil, fmt.Errorf("repo: diff snapshot before: %w", err)
	}
	afterKeys, err := snapshot(after)
	if err != nil {
		return nil, fmt.Errorf("repo: diff snapshot after: %w", err)
	}

	var out []DiffEntry
	for path, beforeCID := range beforeKeys {
		afterCID, ok := afterKeys[path]
		if !ok {
			b := beforeCID
			out = append(out, DiffEntry{Path: path, Before: &b, After: nil})
			continue
		}
		if afterCID != beforeCID {
			b, a := beforeCID, afterCID
			out = append(out, DiffEntry{Path: path, Before: &b, After: &a})
		}
	}
	for path, afterCID := range afterKeys {
		if _, ok := beforeKeys[path]; !ok {
			a := afterCID
			out = append(out, DiffEntry{Path: path, Before: nil, After: &a})
		}
	}
	return out, nil
}

// LoadSnapshot decodes a CAR v1 archive — as returned by a remote
// repository's com.atproto.sync.getRepo — into an MST tree, so a
// caller can compare it against a previously cached snapshot with
// Diff instead of re-dispatching every record on every poll.
func LoadSnapshot(ctx context.Context, carBytes []byte) (mst.Tree, error) {
	roots, blks, err := car.Read(bytes.NewReader(carBytes))
	if err != nil {
		return mst.Tree{}, fmt.Errorf("repo: load snapshot: read car: %w", err)
	}
	if len(roots) != 1 {
		return mst.Tree{}, fmt.Errorf("repo: load snapshot: expected 1 root, got %d", len(roots))
	}

	bs := NewMemBlockstore()
	if err := bs.PutMany(ctx, blks); err != nil {
		return mst.Tree{}, fmt.Errorf("repo: load snapshot: put blocks: %w", err)
	}

	commitBlk, err := bs.Get(ctx, roots[0])
	if err != nil {
		return mst.Tree{}, fmt.Errorf("repo: load snapshot: get commit block: %w", err)
	}
	var commit indigorepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBlk.RawData())); err != nil {
		return mst.Tree{}, fmt.Errorf("repo: load snapshot: unmarshal commit: %w", err)
	}

	tree, err := mst.LoadTreeFromStore(ctx, bs, commit.Data)
	if err != nil {
		return mst.Tree{}, fmt.Errorf("repo: load snapshot: load mst: %w", err)
	}
	return *tree, nil
}

func snapshot(tree mst.Tree) (map[string]gocid.Cid, error) {
	keys := make(map[string]gocid.Cid)
	err := tree.Walk(func(key []byte, val gocid.Cid) error {
		keys[string(key)] = val
		return nil
	})
	return keys, err
}
