// Package keystore manages the node's single P-256 signing keypair:
// generation, multibase-encoded persistence, and signature operations
// over the canonical commit bytes.
package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoKey is returned when no keypair has been persisted yet.
var ErrNoKey = errors.New("keystore: no keypair found")

// KeyStore holds the node's signing key in memory once loaded.
type KeyStore struct {
	priv atcrypto.PrivateKeyExportable
}

// Generate creates a new P-256 private key. The node uses P-256 (not
// the secp256k1 key most of the atproto ecosystem defaults to) so the
// did:web verification method can be expressed with a plain Multikey
// entry without a secp256k1-specific JSON-LD context.
func Generate() (atcrypto.PrivateKeyExportable, error) {
	priv, err := atcrypto.GeneratePrivateKeyP256()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	return priv, nil
}

// ParseMultibase loads a private key from its multibase-encoded form.
func ParseMultibase(s string) (atcrypto.PrivateKeyExportable, error) {
	priv, err := atcrypto.ParsePrivateMultibase(s)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse key: %w", err)
	}
	return priv, nil
}

// Load reads the persisted keypair from storage, generating and
// persisting a new one if none exists yet. This makes first-boot
// provisioning idempotent: the key is created exactly once.
func Load(ctx context.Context, pool *pgxpool.Pool) (*KeyStore, error) {
	var pm string
	err := pool.QueryRow(ctx,
		`SELECT private_multibase FROM keypair WHERE id = TRUE`,
	).Scan(&pm)

	if errors.Is(err, pgx.ErrNoRows) {
		priv, genErr := Generate()
		if genErr != nil {
			return nil, genErr
		}
		pub, pubErr := priv.PublicKey()
		if pubErr != nil {
			return nil, fmt.Errorf("keystore: derive public key: %w", pubErr)
		}
		_, err = pool.Exec(ctx,
			`INSERT INTO keypair (id, private_multibase, public_multibase)
			 VALUES (TRUE, $1, $2)
			 ON CONFLICT (id) DO NOTHING`,
			priv.Multibase(), pub.Multibase(),
		)
		if err != nil {
			return nil, fmt.Errorf("keystore: persist generated key: %w", err)
		}
		return &KeyStore{priv: priv}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: load: %w", err)
	}

	priv, err := ParseMultibase(pm)
	if err != nil {
		return nil, err
	}
	return &KeyStore{priv: priv}, nil
}

// PrivateKey returns the node's signing key.
func (k *KeyStore) PrivateKey() atcrypto.PrivateKeyExportable {
	return k.priv
}

// PublicMultibase returns the multibase-encoded public key, used in the
// did:web document's verification method.
func (k *KeyStore) PublicMultibase() (string, error) {
	pub, err := k.priv.PublicKey()
	if err != nil {
		return "", fmt.Errorf("keystore: derive public key: %w", err)
	}
	return pub.Multibase(), nil
}

// Sign signs msg with the node's private key, returning a raw r||s
// signature (not DER), per atproto convention.
func (k *KeyStore) Sign(msg []byte) ([]byte, error) {
	sig, err := k.priv.HashAndSign(msg)
	if err != nil {
		return nil, fmt.Errorf("keystore: sign: %w", err)
	}
	return sig, nil
}

// Verify checks a raw r||s signature over msg against the node's own
// public key. Indigo's atcrypto does not expose a standalone verify
// entry point in the surface this module depends on, so verification
// goes through the public key returned by PrivateKey.PublicKey(),
// mirroring the Sign/HashAndSign pairing.
func (k *KeyStore) Verify(msg, sig []byte) error {
	pub, err := k.priv.PublicKey()
	if err != nil {
		return fmt.Errorf("keystore: derive public key: %w", err)
	}
	if err := pub.HashAndVerify(msg, sig); err != nil {
		return fmt.Errorf("keystore: verify: %w", err)
	}
	return nil
}
