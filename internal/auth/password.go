package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrNoActor is returned when the single actor's credentials have not
// been provisioned yet.
var ErrNoActor = errors.New("auth: actor not provisioned")

// ErrBadPassword is returned when a password check fails.
var ErrBadPassword = errors.New("auth: invalid password")

// HashPassword hashes a plaintext password using bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadPassword
	}
	return nil
}

// GeneratePassword creates a random 24-character hex string suitable as
// an initial actor password. cmd/pds does not call it: the actor is
// provisioned only from PDS_INITIAL_PASSWORD.
func GeneratePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ProvisionActor sets the single actor's password hash on first boot.
// Idempotent: a password already on file is left untouched.
func ProvisionActor(ctx context.Context, pool *pgxpool.Pool, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO actor (id, password_hash) VALUES (TRUE, $1) ON CONFLICT (id) DO NOTHING`,
		hash,
	)
	if err != nil {
		return fmt.Errorf("auth: provision actor: %w", err)
	}
	return nil
}

// VerifyActorPassword checks password against the single actor's stored hash.
func VerifyActorPassword(ctx context.Context, pool *pgxpool.Pool, password string) error {
	var hash string
	err := pool.QueryRow(ctx, `SELECT password_hash FROM actor WHERE id = TRUE`).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoActor
	}
	if err != nil {
		return fmt.Errorf("auth: load actor: %w", err)
	}
	return CheckPassword(hash, password)
}
