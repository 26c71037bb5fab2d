// Package storage manages the PostgreSQL connection pool for the single
// repository hosted by this process and bootstraps its schema on startup.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema contains the SQL statements for the node's single database.
// Unlike a multi-tenant deployment, there is exactly one of everything
// here: one keypair, one repo_state row, one firehose sequence counter.
const Schema = `
-- keypair: the node's single P-256 signing key, persisted once at first
-- boot. id is always true so the table can only ever hold one row.
CREATE TABLE IF NOT EXISTS keypair (
    id               BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    private_multibase VARCHAR(255) NOT NULL,
    public_multibase  VARCHAR(255) NOT NULL
);

-- actor: the single local account's credentials. Like keypair, id is
-- always true so this table can only ever hold one row.
CREATE TABLE IF NOT EXISTS actor (
    id            BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    password_hash VARCHAR(255) NOT NULL
);

-- jwt_secret: the HMAC secret signing session tokens, generated once at
-- first boot so tokens stay valid across restarts.
CREATE TABLE IF NOT EXISTS jwt_secret (
    id     BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    secret VARCHAR(255) NOT NULL
);

-- repo_state: current commit head of the single repository.
CREATE TABLE IF NOT EXISTS repo_state (
    id         BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    rev        VARCHAR(50) NOT NULL,
    root_cid   VARCHAR(255) NOT NULL,
    commit_cid VARCHAR(255) NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- blocks: content-addressed blocks for the repository — MST nodes,
-- records, and commit objects, all keyed by their own CID.
CREATE TABLE IF NOT EXISTS blocks (
    cid  VARCHAR(255) PRIMARY KEY,
    data BYTEA NOT NULL
);

-- blob_index: content-addressed media (images, etc.) uploaded via
-- uploadBlob, keyed by their raw-codec CID.
CREATE TABLE IF NOT EXISTS blob_index (
    cid        VARCHAR(255) PRIMARY KEY,
    mime_type  VARCHAR(255) NOT NULL,
    size       BIGINT NOT NULL,
    data       BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- firehose_seq: the single monotonic sequence counter for the firehose.
CREATE TABLE IF NOT EXISTS firehose_seq (
    id  BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    seq BIGINT NOT NULL DEFAULT 0
);

-- firehose_events: the persisted event log backing replay on
-- subscribeRepos, ring-bounded at the application layer.
CREATE TABLE IF NOT EXISTS firehose_events (
    seq        BIGINT PRIMARY KEY,
    kind       VARCHAR(20) NOT NULL,
    payload    BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- subscriptions: remote DIDs the relay poller follows on behalf of the
-- local repository (e.g. accounts this actor replies to/reposts).
CREATE TABLE IF NOT EXISTS subscriptions (
    did           VARCHAR(255) PRIMARY KEY,
    subscribed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_sync     TIMESTAMPTZ
);

-- followers: known followers of the local DID, used to answer
-- identity/relay bookkeeping without round-tripping to the host app.
CREATE TABLE IF NOT EXISTS followers (
    did        VARCHAR(255) PRIMARY KEY,
    handle     VARCHAR(253) NOT NULL,
    uri        VARCHAR(512) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// DB wraps the node's single pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to Postgres, verifies the connection, and bootstraps
// the schema. Safe to call against an already-bootstrapped database.
func Open(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("storage: parse config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: bootstrap schema: %w", err)
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO firehose_seq (id, seq) VALUES (TRUE, 0) ON CONFLICT DO NOTHING`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: seed firehose seq: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
