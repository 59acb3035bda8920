package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNetworksYAML = `networks:
  - name: anvil
    chain_id: 31337
    rpc_url: http://localhost:8545
  - name: local
    chain_id: 1337
    rpc_url: http://localhost:9545
`

func writeConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "networks.yaml"), []byte(testNetworksYAML), 0o644))
	return dir
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(configDirPathEnv, writeConfigDir(t))
	t.Setenv("IRON_NETWORK", "local")
	t.Setenv("IRON_ALLOWED_ORIGINS", "chrome-extension://a,https://b.example")
	t.Setenv("IRON_FILTER_IDLE_TIMEOUT", "90s")
	t.Setenv("LOCAL_RPC_URL", "http://node:8545")

	config, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "local", config.Network)
	assert.Equal(t, []string{"chrome-extension://a", "https://b.example"}, config.AllowedOrigins)
	assert.Equal(t, 90*time.Second, config.FilterIdleTimeout)
	assert.Equal(t, 30*time.Second, config.RequestTimeout)
	assert.Equal(t, ":8546", config.ListenAddr)
	assert.Equal(t, "sqlite", config.Database.Driver)

	require.Len(t, config.Networks, 2)
	assert.Equal(t, "http://node:8545", config.Networks[1].RPCURL)
}

func TestLoadConfig_UnknownNetwork(t *testing.T) {
	t.Setenv(configDirPathEnv, writeConfigDir(t))
	t.Setenv("IRON_NETWORK", "mainnet")

	_, err := LoadConfig(nil)
	assert.ErrorContains(t, err, "network 'mainnet' is not configured")
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv(configDirPathEnv, writeConfigDir(t))
	t.Setenv("IRON_NETWORK", "anvil")
	t.Setenv("IRON_DATABASE_DRIVER", "postgres")

	_, err := LoadConfig(nil)
	assert.ErrorContains(t, err, "invalid configuration")
}
