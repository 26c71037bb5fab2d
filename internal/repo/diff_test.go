package repo

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/repo/mst"
	gocid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func mustCID(t *testing.T, data string) gocid.Cid {
	t.Helper()
	c, err := ComputeCID([]byte(data))
	require.NoError(t, err)
	return c
}

func TestDiffDetectsCreatesAndUpdates(t *testing.T) {
	before := mst.NewEmptyTree()
	_, err := before.Insert([]byte("app.bsky.feed.post/a"), mustCID(t, "a1"))
	require.NoError(t, err)
	_, err = before.Insert([]byte("app.bsky.feed.post/b"), mustCID(t, "b1"))
	require.NoError(t, err)

	after := mst.NewEmptyTree()
	_, err = after.Insert([]byte("app.bsky.feed.post/a"), mustCID(t, "a1"))
	require.NoError(t, err)
	_, err = after.Insert([]byte("app.bsky.feed.post/b"), mustCID(t, "b2"))
	require.NoError(t, err)
	_, err = after.Insert([]byte("app.bsky.feed.post/c"), mustCID(t, "c1"))
	require.NoError(t, err)

	diff, err := Diff(before, after)
	require.NoError(t, err)
	require.Len(t, diff, 2)

	byPath := make(map[string]DiffEntry, len(diff))
	for _, e := range diff {
		byPath[e.Path] = e
	}

	updated, ok := byPath["app.bsky.feed.post/b"]
	require.True(t, ok)
	require.NotNil(t, updated.Before)
	require.NotNil(t, updated.After)
	require.NotEqual(t, *updated.Before, *updated.After)

	created, ok := byPath["app.bsky.feed.post/c"]
	require.True(t, ok)
	require.Nil(t, created.Before)
	require.NotNil(t, created.After)
}

func TestDiffEmptyWhenSnapshotsMatch(t *testing.T) {
	before := mst.NewEmptyTree()
	_, err := before.Insert([]byte("app.bsky.feed.post/a"), mustCID(t, "a1"))
	require.NoError(t, err)

	after := mst.NewEmptyTree()
	_, err = after.Insert([]byte("app.bsky.feed.post/a"), mustCID(t, "a1"))
	require.NoError(t, err)

	diff, err := Diff(before, after)
	require.NoError(t, err)
	require.Empty(t, diff)
}
