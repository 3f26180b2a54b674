package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enygma/internal/ledger"
	"enygma/internal/settlement"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlementd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chain: 3
in_memory: true
block_interval: 1s
peers:
  "1": "127.0.0.1:9101"
  "2": "127.0.0.1:9102"
tokens:
  - name: Confidential Euro
    symbol: CEUR
frozen:
  - token: CEUR
    chain: 2
`), 0o600))
	t.Setenv("SETTLEMENTD_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, ledger.ChainID(3), cfg.ChainID())
	assert.True(t, cfg.InMemory)
	assert.Equal(t, time.Second, cfg.BlockInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Tokens, 1)
	assert.Equal(t, "CEUR", cfg.Tokens[0].Symbol)

	peers, err := cfg.PeerDirectory()
	require.NoError(t, err)
	assert.Equal(t, map[ledger.ChainID]string{1: "127.0.0.1:9101", 2: "127.0.0.1:9102"}, peers)

	frozen, err := cfg.FrozenPairs()
	require.NoError(t, err)
	assert.Equal(t, map[ledger.ResourceID][]ledger.ChainID{
		settlement.ResourceIDFor("Confidential Euro", "CEUR"): {2},
	}, frozen)

	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().RelayInterval, cfg.RelayInterval)
	assert.False(t, cfg.DevSetup)
}

func TestFrozenPairsAcceptResourceIDs(t *testing.T) {
	c := DefaultConfig()
	foreign := settlement.ResourceIDFor("Other", "OTH")
	c.Frozen = []FreezeConfig{{Token: "CUSD", Chain: 3}, {Token: foreign.String(), Chain: 4}, {Token: "CUSD", Chain: 5}}
	require.NoError(t, c.Validate())

	frozen, err := c.FrozenPairs()
	require.NoError(t, err)
	assert.Equal(t, []ledger.ChainID{3, 5}, frozen[settlement.ResourceIDFor("Confidential Dollar", "CUSD")])
	assert.Equal(t, []ledger.ChainID{4}, frozen[foreign])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"broadcast chain": func(c *Config) { c.Chain = 0 },
		"self peer":       func(c *Config) { c.Peers = map[string]string{"1": "x:1"} },
		"bad peer key":    func(c *Config) { c.Peers = map[string]string{"abc": "x:1"} },
		"no tokens":       func(c *Config) { c.Tokens = nil },
		"bad token":       func(c *Config) { c.Tokens = []TokenConfig{{Name: "", Symbol: "X"}} },
		"batch too large": func(c *Config) { c.MaxBatchSize = 7 },
		"no block clock":  func(c *Config) { c.BlockInterval = 0 },
		"no rate":         func(c *Config) { c.RateLimit = 0 },
		"log format":      func(c *Config) { c.LogFormat = "xml" },
		"no data dir":     func(c *Config) { c.DataDir = "" },
		"unknown frozen":  func(c *Config) { c.Frozen = []FreezeConfig{{Token: "NOPE", Chain: 2}} },
		"frozen chain 0":  func(c *Config) { c.Frozen = []FreezeConfig{{Token: "CUSD"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger("verbose", "json", os.Stdout)
	assert.Error(t, err)

	log, err := NewLogger("warn", "console", os.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "warn", log.GetLevel().String())
}
