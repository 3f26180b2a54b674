// config.go - Configuration management for the settlement daemon
package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"enygma/internal/ledger"
	"enygma/internal/settlement"
)

// TokenConfig is a token deployed natively on this chain at startup.
type TokenConfig struct {
	Name   string `mapstructure:"name"`
	Symbol string `mapstructure:"symbol"`
}

// FreezeConfig freezes one token for transfers touching one chain. Token is
// the symbol of a configured token or a hex resource id.
type FreezeConfig struct {
	Token string `mapstructure:"token"`
	Chain uint64 `mapstructure:"chain"`
}

// Config represents the daemon configuration
type Config struct {
	// Network
	Chain     uint64            `mapstructure:"chain"`
	APIListen string            `mapstructure:"api_listen"`
	P2PListen string            `mapstructure:"p2p_listen"`
	Peers     map[string]string `mapstructure:"peers"`

	// Storage
	DataDir  string `mapstructure:"data_dir"`
	InMemory bool   `mapstructure:"in_memory"`
	KeyDir   string `mapstructure:"key_dir"`
	DevSetup bool   `mapstructure:"dev_setup"` // insecure local setup when keys are missing

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Settlement
	Tokens        []TokenConfig  `mapstructure:"tokens"`
	Issuers       []string       `mapstructure:"issuers"`
	Frozen        []FreezeConfig `mapstructure:"frozen"`
	MaxBatchSize  int            `mapstructure:"max_batch_size"`
	BlockInterval time.Duration  `mapstructure:"block_interval"`
	RelayInterval time.Duration  `mapstructure:"relay_interval"`

	// Per-caller transfer submission limit
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Chain:         1,
		APIListen:     "127.0.0.1:8080",
		P2PListen:     "127.0.0.1:9090",
		Peers:         map[string]string{},
		DataDir:       "data",
		KeyDir:        "keys",
		LogLevel:      "info",
		LogFormat:     "json",
		Tokens:        []TokenConfig{{Name: "Confidential Dollar", Symbol: "CUSD"}},
		Issuers:       []string{"issuer"},
		MaxBatchSize:  settlement.MaxArity,
		BlockInterval: 2 * time.Second,
		RelayInterval: 500 * time.Millisecond,
		RateLimit:     5,
		RateBurst:     10,
	}
}

// LoadConfig merges defaults, the optional config file at path and
// SETTLEMENTD_* environment variables, in increasing precedence. Flags bound
// to v before the call win over all of them.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	def := DefaultConfig()
	v.SetDefault("chain", def.Chain)
	v.SetDefault("api_listen", def.APIListen)
	v.SetDefault("p2p_listen", def.P2PListen)
	v.SetDefault("peers", def.Peers)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("in_memory", def.InMemory)
	v.SetDefault("key_dir", def.KeyDir)
	v.SetDefault("dev_setup", def.DevSetup)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("tokens", def.Tokens)
	v.SetDefault("issuers", def.Issuers)
	v.SetDefault("frozen", def.Frozen)
	v.SetDefault("max_batch_size", def.MaxBatchSize)
	v.SetDefault("block_interval", def.BlockInterval)
	v.SetDefault("relay_interval", def.RelayInterval)
	v.SetDefault("rate_limit", def.RateLimit)
	v.SetDefault("rate_burst", def.RateBurst)

	v.SetEnvPrefix("SETTLEMENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ChainID returns the configured chain id.
func (c *Config) ChainID() ledger.ChainID {
	return ledger.ChainID(c.Chain)
}

// PeerDirectory parses the peers map into chain ids.
func (c *Config) PeerDirectory() (map[ledger.ChainID]string, error) {
	out := make(map[ledger.ChainID]string, len(c.Peers))
	for k, addr := range c.Peers {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("peer key %q is not a chain id", k)
		}
		if addr == "" {
			return nil, fmt.Errorf("peer %d has no address", id)
		}
		out[ledger.ChainID(id)] = addr
	}
	return out, nil
}

// FrozenPairs resolves the frozen list into resource ids.
func (c *Config) FrozenPairs() (map[ledger.ResourceID][]ledger.ChainID, error) {
	out := make(map[ledger.ResourceID][]ledger.ChainID, len(c.Frozen))
	for _, f := range c.Frozen {
		if f.Chain == 0 {
			return nil, fmt.Errorf("frozen token %q: chain must be non-zero", f.Token)
		}
		id, err := c.resolveToken(f.Token)
		if err != nil {
			return nil, err
		}
		out[id] = append(out[id], ledger.ChainID(f.Chain))
	}
	return out, nil
}

func (c *Config) resolveToken(token string) (ledger.ResourceID, error) {
	for _, t := range c.Tokens {
		if t.Symbol == token {
			return settlement.ResourceIDFor(t.Name, t.Symbol), nil
		}
	}
	id, err := ledger.ParseResourceID(token)
	if err != nil {
		return ledger.ResourceID{}, fmt.Errorf("frozen token %q is neither a configured symbol nor a resource id", token)
	}
	return id, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain == 0 {
		return errors.New("chain must be non-zero, 0 is the broadcast id")
	}
	if c.APIListen == "" || c.P2PListen == "" {
		return errors.New("api_listen and p2p_listen must be set")
	}
	peers, err := c.PeerDirectory()
	if err != nil {
		return err
	}
	if _, ok := peers[c.ChainID()]; ok {
		return errors.New("peers must not list the local chain")
	}
	if !c.InMemory && c.DataDir == "" {
		return errors.New("data_dir must be set unless in_memory is true")
	}
	if c.KeyDir == "" {
		return errors.New("key_dir must be set")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if len(c.Tokens) == 0 {
		return errors.New("at least one token must be configured")
	}
	for _, t := range c.Tokens {
		if err := (settlement.TokenParams{Name: t.Name, Symbol: t.Symbol}).Validate(); err != nil {
			return fmt.Errorf("token %q: %w", t.Symbol, err)
		}
	}
	if _, err := c.FrozenPairs(); err != nil {
		return err
	}
	if c.MaxBatchSize < 2 || c.MaxBatchSize > settlement.MaxArity {
		return fmt.Errorf("max_batch_size must be between 2 and %d", settlement.MaxArity)
	}
	if c.BlockInterval <= 0 || c.RelayInterval <= 0 {
		return errors.New("block_interval and relay_interval must be positive")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("rate_limit and rate_burst must be positive")
	}
	return nil
}
