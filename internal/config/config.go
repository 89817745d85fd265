// Package config assembles spnsd's runtime configuration from flag
// defaults, an optional TOML file, and environment variable overrides,
// following cmd/nexus/main.go's flag-then-env-override convention.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// Config holds every tunable spnsd needs to construct and run a
// HiveMind engine.
type Config struct {
	// ListenAddr is the QUIC address storage nodes, the block node, and
	// notifiers dial to reach this server's RPC surface.
	ListenAddr string `toml:"listen_addr"`

	// ListenIdentityLabel seeds the server's self-signed TLS identity
	// (internal/transport.NewQUICListener's identityLabel).
	ListenIdentityLabel string `toml:"listen_identity_label"`

	// BlockNodeAddr is the local oxend/block-node RPC endpoint
	// (hivemind.Config.BlockNodeAddr).
	BlockNodeAddr string `toml:"block_node_addr"`

	// NotifiersExpected names the notifier services startup waits for.
	NotifiersExpected []string `toml:"notifiers_expected"`

	// NotifierWait bounds how long startup waits for those
	// registrations before proceeding anyway.
	NotifierWait time.Duration `toml:"notifier_wait"`

	// PostgresDSN is the connection string internal/pgpool dials.
	PostgresDSN string `toml:"postgres_dsn"`

	// MetricsAddr is where the Prometheus /metrics handler listens.
	MetricsAddr string `toml:"metrics_addr"`

	// LogLevel sets the go-log/v2 logging level for every subsystem
	// logger ("debug", "info", "warn", "error").
	LogLevel string `toml:"log_level"`

	SlowCheckInterval time.Duration `toml:"slow_check_interval"`
	FastCheckInterval time.Duration `toml:"fast_check_interval"`
	DBCleanupInterval time.Duration `toml:"db_cleanup_interval"`
	StatsLogInterval  time.Duration `toml:"stats_log_interval"`
	FilterLifetime    time.Duration `toml:"filter_lifetime"`

	// InsecureSkipVerify disables TLS peer verification on outbound
	// connections. Only meant for local development against the
	// self-signed dev certificates internal/transport generates.
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`

	// AuditLogPath, if set, is the file audit events are appended to
	// instead of stdout.
	AuditLogPath string `toml:"audit_log_path"`

	// ConfigFile is the optional TOML file path supplementing these
	// flags; set via --config, never itself overridden from the file.
	ConfigFile string `toml:"-"`
}

// Default returns spnsd's out-of-the-box tunables, matching the
// cadences hivemind.DefaultConfig names.
func Default() Config {
	return Config{
		ListenAddr:           ":22021",
		ListenIdentityLabel:  "spnsd",
		BlockNodeAddr:        "127.0.0.1:22023",
		NotifierWait:         10 * time.Second,
		PostgresDSN:          "postgres:///spns",
		MetricsAddr:          ":9002",
		LogLevel:             "info",
		SlowCheckInterval:    30 * time.Minute,
		FastCheckInterval:    100 * time.Millisecond,
		DBCleanupInterval:    30 * time.Second,
		StatsLogInterval:     15 * time.Second,
		FilterLifetime:       10 * time.Minute,
	}
}

// BindFlags registers every Config field as a cobra flag on cmd,
// defaulting to whatever cfg currently holds (normally Default()).
func BindFlags(cmd *cobra.Command, cfg *Config) {
	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "QUIC listen address for SN/block-node/notifier RPC")
	cmd.Flags().StringVar(&cfg.ListenIdentityLabel, "identity-label", cfg.ListenIdentityLabel, "Label seeding the server's self-signed TLS identity")
	cmd.Flags().StringVar(&cfg.BlockNodeAddr, "block-node-addr", cfg.BlockNodeAddr, "Local oxend/block-node RPC address")
	cmd.Flags().StringSliceVar(&cfg.NotifiersExpected, "notifiers-expected", cfg.NotifiersExpected, "Notifier services startup waits for (comma-separated)")
	cmd.Flags().DurationVar(&cfg.NotifierWait, "notifier-wait", cfg.NotifierWait, "Max time to wait for notifier registrations at startup")
	cmd.Flags().StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Postgres connection string")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus /metrics listen address")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	cmd.Flags().DurationVar(&cfg.SlowCheckInterval, "slow-check-interval", cfg.SlowCheckInterval, "Slow check_subs cadence")
	cmd.Flags().DurationVar(&cfg.FastCheckInterval, "fast-check-interval", cfg.FastCheckInterval, "Fast check_subs cadence")
	cmd.Flags().DurationVar(&cfg.DBCleanupInterval, "db-cleanup-interval", cfg.DBCleanupInterval, "db_cleanup cadence")
	cmd.Flags().DurationVar(&cfg.StatsLogInterval, "stats-log-interval", cfg.StatsLogInterval, "Periodic stats snapshot log cadence")
	cmd.Flags().DurationVar(&cfg.FilterLifetime, "filter-lifetime", cfg.FilterLifetime, "Dedup fingerprint set lifetime before rotation")
	cmd.Flags().BoolVar(&cfg.InsecureSkipVerify, "insecure-skip-verify", cfg.InsecureSkipVerify, "Skip TLS verification on outbound connections (dev only)")
	cmd.Flags().StringVar(&cfg.AuditLogPath, "audit-log", cfg.AuditLogPath, "File to append audit events to (default stdout)")
	cmd.Flags().StringVar(&cfg.ConfigFile, "config", "", "Optional TOML file overlaying these flags")
}

// ApplyOverrides layers an optional --config TOML file, then SPNS_*
// environment variables, on top of the flag-parsed cfg -- the same
// env-overrides-flag-default convention cmd/nexus/main.go's serve
// command applies for NEXUS_* variables.
func ApplyOverrides(cfg *Config) error {
	if cfg.ConfigFile != "" {
		if _, err := toml.DecodeFile(cfg.ConfigFile, cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", cfg.ConfigFile, err)
		}
	}

	if v := os.Getenv("SPNS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SPNS_BLOCK_NODE_ADDR"); v != "" {
		cfg.BlockNodeAddr = v
	}
	if v := os.Getenv("SPNS_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("SPNS_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("SPNS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}
