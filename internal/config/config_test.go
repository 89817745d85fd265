package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr == "" {
		t.Error("ListenAddr should have a default")
	}
	if cfg.NotifierWait != 10*time.Second {
		t.Errorf("NotifierWait = %v, want 10s", cfg.NotifierWait)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
}

func TestApplyOverrides_TOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spnsd.toml")
	contents := `
listen_addr = ":9999"
block_node_addr = "10.0.0.1:22023"
notifiers_expected = ["apns", "fcm"]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg := Default()
	cfg.ConfigFile = path

	if err := ApplyOverrides(&cfg); err != nil {
		t.Fatalf("ApplyOverrides failed: %v", err)
	}

	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %s, want :9999", cfg.ListenAddr)
	}
	if cfg.BlockNodeAddr != "10.0.0.1:22023" {
		t.Errorf("BlockNodeAddr = %s, want 10.0.0.1:22023", cfg.BlockNodeAddr)
	}
	if len(cfg.NotifiersExpected) != 2 || cfg.NotifiersExpected[0] != "apns" {
		t.Errorf("NotifiersExpected = %v, want [apns fcm]", cfg.NotifiersExpected)
	}
}

func TestApplyOverrides_EnvVar(t *testing.T) {
	cfg := Default()
	t.Setenv("SPNS_LISTEN_ADDR", ":7777")
	t.Setenv("SPNS_LOG_LEVEL", "debug")

	if err := ApplyOverrides(&cfg); err != nil {
		t.Fatalf("ApplyOverrides failed: %v", err)
	}

	if cfg.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %s, want :7777", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
}

func TestApplyOverrides_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spnsd.toml")
	if err := os.WriteFile(path, []byte(`listen_addr = ":9999"`+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg := Default()
	cfg.ConfigFile = path
	t.Setenv("SPNS_LISTEN_ADDR", ":5555")

	if err := ApplyOverrides(&cfg); err != nil {
		t.Fatalf("ApplyOverrides failed: %v", err)
	}

	if cfg.ListenAddr != ":5555" {
		t.Errorf("ListenAddr = %s, want :5555 (env should win over file)", cfg.ListenAddr)
	}
}
