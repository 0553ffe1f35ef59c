package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relves/groupchain/pkg/chain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg, err := New(nil)
	require.NoError(t, err)
	require.Equal(t, Default, cfg)
	require.Equal(t, chain.DefaultRules(), cfg.ChainRules())
	require.Equal(t, 30*time.Second, cfg.SecureConfig().HandshakeTimeout)
}

func TestNewConfigWithWrongConfigPath(t *testing.T) {
	_, err := New([]string{"wrong_path"})
	require.Error(t, err)
}

func TestNewConfigWithOverride(t *testing.T) {
	path := writeConfig(t, `
node:
    dataDir: /var/lib/groupchain
    listenAddr: 0.0.0.0:9000
chain:
    maxTxsPerBlock: 10
sync:
    interval: 1m
    concurrency: 2
`)
	cfg, err := New([]string{path})
	require.NoError(t, err)
	require.Equal(t, "/var/lib/groupchain", cfg.Node.DataDir)
	require.Equal(t, "0.0.0.0:9000", cfg.Node.ListenAddr)
	require.Equal(t, 10, cfg.Chain.MaxTxsPerBlock)
	require.Equal(t, time.Minute, cfg.Sync.Interval)
	require.Equal(t, 2, cfg.Sync.Concurrency)

	// untouched keys keep their defaults
	require.Equal(t, Default.Sync.BaseDelay, cfg.Sync.BaseDelay)
	require.Equal(t, Default.Node.HTTPAddr, cfg.Node.HTTPAddr)
	require.Equal(t, "/var/lib/groupchain/node_key.json", cfg.KeyPath())
}

func TestNewConfigLayering(t *testing.T) {
	base := writeConfig(t, `
log:
    level: debug
limits:
    maxConnsPerIP: 4
`)
	overlay := writeConfig(t, `
limits:
    maxConnsPerIP: 2
`)
	cfg, err := New([]string{base, overlay})
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 2, cfg.Limits.MaxConnsPerIP)
}

func TestNewConfigExpandsEnv(t *testing.T) {
	t.Setenv("GROUPCHAIN_TEST_DATA", "/srv/gc")
	path := writeConfig(t, `
node:
    dataDir: ${GROUPCHAIN_TEST_DATA}
`)
	cfg, err := New([]string{path})
	require.NoError(t, err)
	require.Equal(t, "/srv/gc", cfg.Node.DataDir)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero txs per block", "chain:\n    maxTxsPerBlock: 0\n"},
		{"bad log level", "log:\n    level: loud\n"},
		{"zero conns per ip", "limits:\n    maxConnsPerIP: 0\n"},
		{"zero concurrency", "sync:\n    concurrency: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]string{writeConfig(t, tt.body)})
			require.ErrorIs(t, err, ErrInvalidCfg)

			_, err = New([]string{writeConfig(t, tt.body)}, DoNotValidate)
			require.NoError(t, err)
		})
	}
}
