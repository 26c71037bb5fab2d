package car

import (
	"bytes"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func mustBlock(t *testing.T, data []byte) blocks.Block {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	c := gocid.NewCidV1(gocid.Raw, mh)
	blk, err := blocks.NewBlockWithCid(data, c)
	require.NoError(t, err)
	return blk
}

func TestWriteReadRoundTrip(t *testing.T) {
	b1 := mustBlock(t, []byte("hello"))
	b2 := mustBlock(t, []byte("world"))

	var buf bytes.Buffer
	err := Write(&buf, []gocid.Cid{b1.Cid()}, []Block{b1, b2})
	require.NoError(t, err)

	roots, blks, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, []gocid.Cid{b1.Cid()}, roots)
	require.Len(t, blks, 2)
	require.Equal(t, b1.Cid(), blks[0].Cid())
	require.Equal(t, []byte("hello"), blks[0].RawData())
	require.Equal(t, []byte("world"), blks[1].RawData())
}
