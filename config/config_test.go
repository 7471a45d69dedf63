package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gossipd.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7201", cfg.ListenAddress)
	assert.Equal(t, "gossipnet-local", cfg.NetworkName)
	assert.Equal(t, uint(40), cfg.StartIntervalSeconds)
	assert.Equal(t, uint(20), cfg.KeepaliveSeconds)
	assert.Empty(t, cfg.Subscriptions)

	_, err = os.Stat(path)
	require.NoError(t, err, "default file must be written for the next run")

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again, "written defaults must load back unchanged")
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gossipd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ListenAddress = ":9301"
NetworkID = 42
NetworkName = "testnet"
NodeType = "relay"
Subscriptions = ["0xabc@10.0.0.1:7201", "0xdef@10.0.0.2:7201"]
StartIntervalSeconds = 30
KeepaliveSeconds = 10
ReadTimeoutSeconds = 45
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9301", cfg.ListenAddress)
	assert.Equal(t, uint64(42), cfg.NetworkID)
	assert.Equal(t, "relay", cfg.NodeType)
	assert.Len(t, cfg.Subscriptions, 2)
	assert.Equal(t, 30*time.Second, cfg.StartInterval())
	assert.Equal(t, 10*time.Second, cfg.Keepalive())
	assert.Equal(t, 45*time.Second, cfg.ReadTimeout())
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout(), "unset fields fall back to defaults")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	require.NoError(t, Validate(valid()))

	cfg := valid()
	cfg.ListenAddress = ""
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.IdentityPath = ""
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.MaxMessageBytes = 0
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.KeepaliveSeconds = 0
	assert.Error(t, Validate(cfg))

	// A read timeout at or below the probe cadence would cut idle but
	// healthy subscriptions.
	cfg = valid()
	cfg.ReadTimeoutSeconds = cfg.KeepaliveSeconds
	assert.Error(t, Validate(cfg))

	cfg = valid()
	cfg.ReadTimeoutSeconds = cfg.KeepaliveSeconds + 1
	assert.NoError(t, Validate(cfg))
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gossipd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
KeepaliveSeconds = 90
ReadTimeoutSeconds = 30
`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "ReadTimeoutSeconds")
}
