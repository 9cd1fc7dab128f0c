// Package config loads and persists the network core's flat parameter
// set from a YAML file on disk, with environment-variable overrides for
// local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"walletnet/internal/serverkey"
	"walletnet/pkg/utils"
)

// FileName is the config file's name within a config directory.
const FileName = "config.yaml"

// Config holds the six persisted keys: server, proxy,
// auto_connect, oneserver, blockchain_index, server_blacklist. TargetCount
// and FeeTTLSeconds are operator-tunable supervisor parameters
// that are not persisted by the original's config keys but are exposed as
// env overrides.
type Config struct {
	Server          string   `yaml:"server"`
	Proxy           string   `yaml:"proxy"`
	AutoConnect     bool     `yaml:"auto_connect"`
	OneServer       bool     `yaml:"oneserver"`
	BlockchainIndex string   `yaml:"blockchain_index"`
	ServerBlacklist []string `yaml:"server_blacklist"`
	TargetCount     int      `yaml:"target_count"`
	FeeTTLSeconds   uint64   `yaml:"fee_ttl_seconds"`
}

// Default returns the built-in defaults used when no config file exists
// yet (first run).
func Default() Config {
	return Config{
		Proxy:           "none",
		AutoConnect:     true,
		OneServer:       false,
		BlockchainIndex: "blockchain_headers",
		TargetCount:     10,
		FeeTTLSeconds:   600,
	}
}

// Load reads dir/config.yaml, applying Default() for any file that does
// not yet exist, then overlays environment variables (loading a local
// .env file first, if present).
func Load(dir string) (Config, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	cfg := Default()
	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// first run: fall through with defaults
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.Server = utils.EnvOrDefault("WALLETNET_SERVER", cfg.Server)
	cfg.Proxy = utils.EnvOrDefault("WALLETNET_PROXY", cfg.Proxy)
	cfg.BlockchainIndex = utils.EnvOrDefault("WALLETNET_BLOCKCHAIN_INDEX", cfg.BlockchainIndex)
	if v, ok := os.LookupEnv("WALLETNET_AUTO_CONNECT"); ok {
		cfg.AutoConnect = v == "1" || v == "true"
	}
	if v, ok := os.LookupEnv("WALLETNET_ONESERVER"); ok {
		cfg.OneServer = v == "1" || v == "true"
	}
	cfg.TargetCount = utils.EnvOrDefaultInt("WALLETNET_TARGET_COUNT", cfg.TargetCount)
	cfg.FeeTTLSeconds = utils.EnvOrDefaultUint64("WALLETNET_FEE_TTL_SECONDS", cfg.FeeTTLSeconds)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save atomically writes cfg to dir/config.yaml (temp file + rename,
// matching the recent-servers/cert-store atomic-write convention).
func Save(dir string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

// Validate checks that Server and Proxy, if set, parse as the wire
// shapes internal/serverkey expects.
func (c Config) Validate() error {
	if c.Server != "" {
		if _, _, _, err := serverkey.Key(c.Server).Parse(); err != nil {
			return fmt.Errorf("config: invalid server %q: %w", c.Server, err)
		}
	}
	if c.Proxy != "" && c.Proxy != "none" {
		if _, err := serverkey.ParseProxy(c.Proxy); err != nil {
			return fmt.Errorf("config: invalid proxy %q: %w", c.Proxy, err)
		}
	}
	return nil
}

// ParsedServer returns the configured default server key, if any.
func (c Config) ParsedServer() (serverkey.Key, bool) {
	if c.Server == "" {
		return "", false
	}
	return serverkey.Key(c.Server), true
}

// ParsedProxy returns the configured proxy, or nil for "none"/unset.
func (c Config) ParsedProxy() (*serverkey.ProxyConfig, error) {
	if c.Proxy == "" || c.Proxy == "none" {
		return nil, nil
	}
	return serverkey.ParseProxy(c.Proxy)
}

// FeeTTL returns FeeTTLSeconds as a time.Duration for the supervisor.
func (c Config) FeeTTL() time.Duration {
	return time.Duration(c.FeeTTLSeconds) * time.Second
}

// IsBlacklisted reports whether key appears in the persisted blacklist.
func (c Config) IsBlacklisted(key serverkey.Key) bool {
	for _, entry := range c.ServerBlacklist {
		if serverkey.Key(entry) == key {
			return true
		}
	}
	return false
}
