// Package config handles loading and validating the application
// configuration from a JSON file.
//
// The configuration file describes the single repository this node
// hosts: its identity (origin, handle), database connection, and the
// tunable limits for blobs, the firehose ring, and the relay poller.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds all application configuration loaded from the config file.
// The file is read once at startup; changes require a restart.
type Config struct {
	// Origin is the node's public base URL (e.g. "https://pds.example.com"),
	// used to derive the did:web identity and as the PDS service endpoint.
	Origin string `json:"origin"`

	// Handle is the single account's atproto handle (e.g. "alice.example.com").
	Handle string `json:"handle"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// DBConn is the PostgreSQL host:port (e.g., "localhost:5432").
	DBConn string `json:"dbConn"`
	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName"`
	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`
	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// BlobMaxSize caps uploaded blob size in bytes (default 1,000,000).
	BlobMaxSize int64 `json:"blobMaxSize,omitempty"`

	// FirehoseRingSize caps the persisted firehose event backlog kept for
	// replay (default 1000).
	FirehoseRingSize int `json:"firehoseRingSize,omitempty"`

	// RelayPollIntervalSeconds sets how often the relay poller sweeps
	// subscribed DIDs for new records (default 3600, one hour).
	RelayPollIntervalSeconds int `json:"relayPollIntervalSeconds,omitempty"`

	// RelayWorkerPoolSize bounds concurrent per-DID poll workers (default 4).
	RelayWorkerPoolSize int `json:"relayWorkerPoolSize,omitempty"`

	// BearerToken authenticates XRPC write calls against the single
	// account (the server also issues short-lived JWTs via auth.Session).
	BearerToken string `json:"bearerToken"`
}

const (
	defaultBlobMaxSize         = 1_000_000
	defaultFirehoseRingSize    = 1000
	defaultRelayPollInterval   = 3600
	defaultRelayWorkerPoolSize = 4
)

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.BlobMaxSize <= 0 {
		cfg.BlobMaxSize = defaultBlobMaxSize
	}
	if cfg.FirehoseRingSize <= 0 {
		cfg.FirehoseRingSize = defaultFirehoseRingSize
	}
	if cfg.RelayPollIntervalSeconds <= 0 {
		cfg.RelayPollIntervalSeconds = defaultRelayPollInterval
	}
	if cfg.RelayWorkerPoolSize <= 0 {
		cfg.RelayWorkerPoolSize = defaultRelayWorkerPoolSize
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.Origin == "":
		return fmt.Errorf("config: origin is required")
	case c.Handle == "":
		return fmt.Errorf("config: handle is required")
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.BearerToken == "":
		return fmt.Errorf("config: bearerToken is required")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

// RelayPollInterval returns the poll interval as a time.Duration.
func (c *Config) RelayPollInterval() time.Duration {
	return time.Duration(c.RelayPollIntervalSeconds) * time.Second
}
