package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	require.NoError(t, CheckPassword(hash, "correct horse battery staple"))
	require.ErrorIs(t, CheckPassword(hash, "wrong password"), ErrBadPassword)
}

func TestGeneratePasswordIsUnique(t *testing.T) {
	a, err := GeneratePassword()
	require.NoError(t, err)
	b, err := GeneratePassword()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 24)
}
