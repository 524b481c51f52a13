package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config describes a saled deployment: the service surface, the storage
// location, the two price feed endpoints, and the four account identities the
// engine is constructed with.
type Config struct {
	ListenAddress      string `toml:"ListenAddress"`
	DataDir            string `toml:"DataDir"`
	Environment        string `toml:"Environment"`
	NativeFeedURL      string `toml:"NativeFeedURL"`
	StableFeedURL      string `toml:"StableFeedURL"`
	FeedAPIKey         string `toml:"FeedAPIKey"`
	MaxQuoteAgeSeconds int64  `toml:"MaxQuoteAgeSeconds"`
	SaleToken          string `toml:"SaleToken"`
	StableToken        string `toml:"StableToken"`
	Vault              string `toml:"Vault"`
	Beneficiary        string `toml:"Beneficiary"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8547"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./saled-data"
	}
	if c.MaxQuoteAgeSeconds <= 0 {
		c.MaxQuoteAgeSeconds = 120
	}
}

// MaxQuoteAge returns the configured freshness window as a duration.
func (c *Config) MaxQuoteAge() time.Duration {
	return time.Duration(c.MaxQuoteAgeSeconds) * time.Second
}

// Account parses a 20-byte hex account identity from the named field.
func (c *Config) Account(field string) ([20]byte, error) {
	var out [20]byte
	var raw string
	switch field {
	case "SaleToken":
		raw = c.SaleToken
	case "StableToken":
		raw = c.StableToken
	case "Vault":
		raw = c.Vault
	case "Beneficiary":
		raw = c.Beneficiary
	default:
		return out, fmt.Errorf("config: unknown account field %q", field)
	}
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(trimmed) != 40 {
		return out, fmt.Errorf("config: %s must be 20 bytes (got %d hex chars)", field, len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("config: decode %s: %w", field, err)
	}
	copy(out[:], decoded)
	if out == ([20]byte{}) {
		return out, fmt.Errorf("config: %s must be non-zero", field)
	}
	return out, nil
}
