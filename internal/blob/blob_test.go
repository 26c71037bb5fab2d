package blob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCidOfIsDeterministic(t *testing.T) {
	data := []byte("hello world")
	a, err := CidOf(data)
	require.NoError(t, err)
	b, err := CidOf(data)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCidOfDiffersForDifferentContent(t *testing.T) {
	a, err := CidOf([]byte("hello"))
	require.NoError(t, err)
	b, err := CidOf([]byte("world"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
