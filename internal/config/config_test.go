package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "treb-relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "chains: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 100, cfg.Legacy.BatchSize)
	assert.Equal(t, 8, cfg.Workers.SendConcurrency)
	assert.Equal(t, 200, cfg.Workers.MineMaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Workers.MinePollInterval)
	assert.Equal(t, uint64(3), cfg.Workers.MinBlocksBeforeResend)
	assert.Equal(t, uint64(12), cfg.Workers.Confirmations)
	assert.Equal(t, 30*time.Second, cfg.Workers.DeferDelay)
}

func TestLoadChains(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
chains:
  "8453":
    rpc_url: https://mainnet.base.org
    bundler_url: https://bundler.example.com
    entry_point: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
  "11155111":
    rpc_url: https://rpc.sepolia.org
workers:
  send_concurrency: 2
`))
	require.NoError(t, err)

	ids, err := cfg.ChainIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{8453, 11155111}, ids)

	ep, ok := cfg.Endpoint(8453)
	require.True(t, ok)
	assert.Equal(t, "https://mainnet.base.org", ep.RPCURL)
	assert.Equal(t, "https://bundler.example.com", ep.BundlerURL)

	_, ok = cfg.Endpoint(1)
	assert.False(t, ok)

	assert.Equal(t, 2, cfg.Workers.SendConcurrency, "file values override defaults")
}

func TestValidateRejectsBadChainKey(t *testing.T) {
	_, err := Load(writeConfig(t, `
chains:
  base:
    rpc_url: https://mainnet.base.org
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a chain id")
}

func TestValidateRequiresRPCURL(t *testing.T) {
	_, err := Load(writeConfig(t, `
chains:
  "8453":
    bundler_url: https://bundler.example.com
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rpc_url")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
