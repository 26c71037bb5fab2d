package cid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfRawAndOfDagCBORProduceDifferentCodecs(t *testing.T) {
	data := []byte("some bytes")
	raw, err := OfRaw(data)
	require.NoError(t, err)
	dag, err := OfDagCBOR(data)
	require.NoError(t, err)
	require.NotEqual(t, raw, dag)
	require.Equal(t, uint64(0x55), raw.Type())
	require.Equal(t, uint64(0x71), dag.Type())
}

func TestParseRoundTrip(t *testing.T) {
	c, err := OfRaw([]byte("round trip me"))
	require.NoError(t, err)

	parsed, err := Parse(c.String())
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-cid-at-all")
	require.Error(t, err)
}
