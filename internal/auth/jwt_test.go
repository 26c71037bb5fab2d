package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestCreateAndValidateTokenPair(t *testing.T) {
	m := NewJWTManager("super-secret", "https://pds.example.com")
	pair, err := m.CreateTokenPair("did:web:pds.example.com")
	require.NoError(t, err)

	subject, err := m.ValidateAccessToken(pair.AccessJwt)
	require.NoError(t, err)
	require.Equal(t, "did:web:pds.example.com", subject)

	subject, err = m.ValidateRefreshToken(pair.RefreshJwt)
	require.NoError(t, err)
	require.Equal(t, "did:web:pds.example.com", subject)
}

func TestValidateRejectsWrongScope(t *testing.T) {
	m := NewJWTManager("super-secret", "https://pds.example.com")
	pair, err := m.CreateTokenPair("did:web:pds.example.com")
	require.NoError(t, err)

	_, err = m.ValidateRefreshToken(pair.AccessJwt)
	require.Error(t, err)

	_, err = m.ValidateAccessToken(pair.RefreshJwt)
	require.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m1 := NewJWTManager("secret-one", "https://pds.example.com")
	m2 := NewJWTManager("secret-two", "https://pds.example.com")

	pair, err := m1.CreateTokenPair("did:web:pds.example.com")
	require.NoError(t, err)

	_, err = m2.ValidateAccessToken(pair.AccessJwt)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager("super-secret", "https://pds.example.com")

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "did:web:pds.example.com",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * AccessTTL)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Scope: ScopeAccess,
	}
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := expired.SignedString(m.secret)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(signed)
	require.Error(t, err)
}

func TestGenerateSecretIsUnique(t *testing.T) {
	a := GenerateSecret()
	b := GenerateSecret()
	require.NotEqual(t, a, b)
	require.Len(t, a, 64)
}
