package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"origin": "https://pds.example.com",
		"handle": "alice.example.com",
		"dbConn": "localhost:5432",
		"dbName": "pds",
		"dbUser": "pds",
		"dbPass": "secret",
		"bearerToken": "tok"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.ListenAddr)
	require.EqualValues(t, defaultBlobMaxSize, cfg.BlobMaxSize)
	require.Equal(t, defaultFirehoseRingSize, cfg.FirehoseRingSize)
	require.Equal(t, defaultRelayPollInterval, cfg.RelayPollIntervalSeconds)
	require.Equal(t, defaultRelayWorkerPoolSize, cfg.RelayWorkerPoolSize)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `{"origin": "https://pds.example.com"}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestConnStringEscapesSpecialCharacters(t *testing.T) {
	cfg := &Config{DBUser: "p@ds", DBPass: "p@ss w/ord", DBConn: "localhost:5432", DBName: "pds"}
	require.Contains(t, cfg.ConnString(), "p%40ds")
	require.Contains(t, cfg.ConnString(), "p%40ss")
}

func TestRelayPollIntervalConvertsSeconds(t *testing.T) {
	cfg := &Config{RelayPollIntervalSeconds: 90}
	require.Equal(t, 90e9, float64(cfg.RelayPollInterval()))
}
