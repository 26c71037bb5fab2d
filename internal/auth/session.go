package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Verifier authenticates XRPC write calls against the single repository's
// owner. The server only ever asks "does this bearer credential authorize
// acting as the one local DID?" — host embedders may swap in their own
// Verifier (service tokens, session cookies, an upstream gateway) without
// touching the XRPC router.
type Verifier interface {
	// Login exchanges a password for a token pair, or an error if the
	// password does not match the local actor.
	Login(ctx context.Context, password string) (*TokenPair, error)
	// Refresh exchanges a valid refresh token for a new token pair.
	Refresh(ctx context.Context, refreshJwt string) (*TokenPair, error)
	// Authorize validates a bearer access token and returns the subject DID.
	Authorize(ctx context.Context, accessJwt string) (did string, err error)
}

// Session is the default Verifier: bcrypt password check against the
// actor table, JWT-backed access/refresh tokens scoped to a single DID.
type Session struct {
	pool *pgxpool.Pool
	jwt  *JWTManager
	did  string
}

// NewSession builds the default Verifier for the node's single DID.
func NewSession(pool *pgxpool.Pool, jwt *JWTManager, did string) *Session {
	return &Session{pool: pool, jwt: jwt, did: did}
}

func (s *Session) Login(ctx context.Context, password string) (*TokenPair, error) {
	if err := VerifyActorPassword(ctx, s.pool, password); err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	return s.jwt.CreateTokenPair(s.did)
}

func (s *Session) Refresh(ctx context.Context, refreshJwt string) (*TokenPair, error) {
	subject, err := s.jwt.ValidateRefreshToken(refreshJwt)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}
	if subject != s.did {
		return nil, fmt.Errorf("auth: refresh: unknown subject %q", subject)
	}
	return s.jwt.CreateTokenPair(s.did)
}

func (s *Session) Authorize(ctx context.Context, accessJwt string) (string, error) {
	subject, err := s.jwt.ValidateAccessToken(accessJwt)
	if err != nil {
		return "", fmt.Errorf("auth: authorize: %w", err)
	}
	if subject != s.did {
		return "", fmt.Errorf("auth: authorize: unknown subject %q", subject)
	}
	return subject, nil
}
