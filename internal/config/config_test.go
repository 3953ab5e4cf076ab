package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadOrInitStratumGeneratesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "stratum.json")

	cfg, err := LoadOrInitStratum(path)
	require.NoError(t, err)
	require.Equal(t, 3333, cfg.Server.Port)
	require.Equal(t, 1.0, cfg.Mining.InitialDifficulty)

	require.FileExists(t, path)

	reloaded, err := LoadOrInitStratum(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Server.Port, reloaded.Server.Port)
}

func TestLoadOrInitP2PGeneratesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "p2p.json")

	cfg, err := LoadOrInitP2P(path)
	require.NoError(t, err)
	require.Equal(t, 18332, cfg.Port)
	require.Equal(t, 64, cfg.MaxPeerConnections)
	require.Equal(t, "Bitcoin", cfg.Coin.Name)
	require.FileExists(t, path)
}

func TestLoadOrInitP2PFillsZeroFieldsOnReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "p2p.json")

	// Write a minimal file missing the fields LoadOrInitP2P backfills.
	require.NoError(t, writeYAML(path, &P2PConfig{Host: "127.0.0.1"}))

	cfg, err := LoadOrInitP2P(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 18332, cfg.Port)
	require.Equal(t, 64, cfg.MaxPeerConnections)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, filepath.Dir(filepath.Dir(path)), cfg.Peers.DataDir)
}

func TestSavePoolConfigRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	pc := &PoolConfig{
		Name:             "mypool",
		ConsensusHash:    "abc123",
		GenesisShareHash: "def456",
		Diff1Hex:         "00000000ffff0000000000000000000000000000000000000000000000000000",
		BlockTimeSeconds: 30,
		DiffAdjustBlocks: 100,
	}

	require.NoError(t, SavePoolConfig(dataDir, pc))

	path := filepath.Join(dataDir, "pools", "mypool", "p2p.json")
	require.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded PoolConfig
	require.NoError(t, yaml.Unmarshal(data, &loaded))
	require.Equal(t, pc.Name, loaded.Name)
	require.Equal(t, pc.ConsensusHash, loaded.ConsensusHash)
	require.Equal(t, pc.DiffAdjustBlocks, loaded.DiffAdjustBlocks)
}

func TestValidateRejectsInvalidPort(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Server.Port = 70000
	require.Error(t, validate(cfg))
}

func TestValidateRejectsMinGreaterThanMax(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Mining.MinDifficulty = 100
	cfg.Mining.MaxDifficulty = 1
	require.Error(t, validate(cfg))
}

func TestValidateRejectsTLSMissingCert(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Server.TLS.Enabled = true
	require.Error(t, validate(cfg))
}
