package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReturnsDefaultsWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.AutoConnect || cfg.Proxy != "none" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Server:          "electrum.example.com:50002:s",
		Proxy:           "none",
		AutoConnect:     true,
		OneServer:       false,
		BlockchainIndex: "blockchain_headers",
		ServerBlacklist: []string{"bad.example.com:50002:s"},
	}
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Server != cfg.Server || len(got.ServerBlacklist) != 1 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
	if !got.IsBlacklisted("bad.example.com:50002:s") {
		t.Fatalf("expected blacklist entry to round trip")
	}
}

func TestValidateRejectsMalformedServer(t *testing.T) {
	cfg := Config{Server: "not-a-valid-key"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a malformed server key")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, Config{Server: "from-file.example.com:50002:s", Proxy: "none"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	t.Setenv("WALLETNET_SERVER", "from-env.example.com:50002:s")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server != "from-env.example.com:50002:s" {
		t.Fatalf("expected env override, got %q", cfg.Server)
	}
}

func TestEnvOverridesNumericFields(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WALLETNET_TARGET_COUNT", "25")
	t.Setenv("WALLETNET_FEE_TTL_SECONDS", "120")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TargetCount != 25 {
		t.Fatalf("expected TargetCount override, got %d", cfg.TargetCount)
	}
	if cfg.FeeTTL() != 2*time.Minute {
		t.Fatalf("expected FeeTTL override, got %s", cfg.FeeTTL())
	}
}

func TestSaveWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err=%v", err)
	}
}
