package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config represents the daemon configuration.
type Config struct {
	// Service
	ListenAddr             string `toml:"listen_addr"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`

	// Storage
	DataDir string `toml:"data_dir"`
	KeyDir  string `toml:"key_dir"`

	// Ledger principal and custody account
	LedgerAddress string `toml:"ledger_address"`

	// Logging
	LogLevel     string `toml:"log_level"`
	LogFile      string `toml:"log_file"`
	EnableAudit  bool   `toml:"enable_audit"`
	AuditLogPath string `toml:"audit_log_path"`

	// Rate limiting, per client
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`

	// Balances credited once, on first start
	Genesis []GenesisAccount `toml:"genesis"`
}

type GenesisAccount struct {
	Address string `toml:"address"`
	Balance string `toml:"balance"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:             "127.0.0.1:8645",
		ShutdownTimeoutSeconds: 10,
		DataDir:                "data",
		KeyDir:                 "keys",
		LedgerAddress:          "0x00000000000000000000000000000000000c0ffe",
		LogLevel:               "info",
		LogFile:                "vaultd.log",
		EnableAudit:            true,
		AuditLogPath:           "audit.log",
		RateLimitPerSecond:     20,
		RateLimitBurst:         40,
	}
}

// LoadConfig loads configuration from path, writing the default there if the
// file does not exist.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		return cfg, nil
	}
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("shutdown_timeout_seconds must be positive")
	}
	addr, err := c.Ledger()
	if err != nil {
		return err
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate_limit_per_second must not be negative")
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit_burst must be positive when rate limiting is enabled")
	}
	if c.EnableAudit && c.AuditLogPath == "" {
		return fmt.Errorf("audit_log_path must be set when audit is enabled")
	}
	seen := make(map[common.Address]bool, len(c.Genesis))
	for i, g := range c.Genesis {
		a, bal, err := g.parse()
		if err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if a == addr {
			return fmt.Errorf("genesis[%d]: ledger address cannot hold a genesis balance", i)
		}
		if seen[a] {
			return fmt.Errorf("genesis[%d]: duplicate address %s", i, a.Hex())
		}
		if bal.IsZero() {
			return fmt.Errorf("genesis[%d]: balance must be positive", i)
		}
		seen[a] = true
	}
	return nil
}

// Ledger returns the parsed ledger address.
func (c *Config) Ledger() (common.Address, error) {
	if !common.IsHexAddress(c.LedgerAddress) {
		return common.Address{}, fmt.Errorf("ledger_address %q is not a hex address", c.LedgerAddress)
	}
	addr := common.HexToAddress(c.LedgerAddress)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("ledger_address must not be zero")
	}
	return addr, nil
}

func (g GenesisAccount) parse() (common.Address, *uint256.Int, error) {
	if !common.IsHexAddress(g.Address) {
		return common.Address{}, nil, fmt.Errorf("address %q is not a hex address", g.Address)
	}
	bal, err := uint256.FromDecimal(g.Balance)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("balance %q: %w", g.Balance, err)
	}
	return common.HexToAddress(g.Address), bal, nil
}
