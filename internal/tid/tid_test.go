package tid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextIsMonotonic(t *testing.T) {
	c := NewClockWithID(7)
	prev := c.Next()
	for i := 0; i < 1000; i++ {
		next := c.Next()
		require.Equal(t, -1, Compare(prev, next), "TID %q did not sort before %q", prev, next)
		prev = next
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewClockWithID(42)
	s := c.Next()
	require.True(t, IsValid(s))

	_, clockID, err := Parse(s)
	require.NoError(t, err)
	require.EqualValues(t, 42, clockID)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, _, err := Parse("too-short")
	require.Error(t, err)

	_, _, err = Parse("!!!!!!!!!!!!!")
	require.Error(t, err)
}

func TestStringOrderMatchesPackedOrder(t *testing.T) {
	c := NewClockWithID(1)
	a := c.Next()
	b := c.Next()
	require.Less(t, a, b)

	va, err := decode(a)
	require.NoError(t, err)
	vb, err := decode(b)
	require.NoError(t, err)
	require.Less(t, va, vb)
}
