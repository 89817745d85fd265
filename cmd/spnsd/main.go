package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/oxen-io/session-push-notification-server/internal/audit"
	"github.com/oxen-io/session-push-notification-server/internal/config"
	"github.com/oxen-io/session-push-notification-server/internal/hivemind"
	"github.com/oxen-io/session-push-notification-server/internal/logging"
	"github.com/oxen-io/session-push-notification-server/internal/metrics"
	"github.com/oxen-io/session-push-notification-server/internal/pgpool"
	"github.com/oxen-io/session-push-notification-server/internal/stats"
	"github.com/oxen-io/session-push-notification-server/internal/store"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Build info, set at compile time via -ldflags.
	BuildVersion = "dev"
	BuildCommit  = "unknown"
)

// wantedFDLimit mirrors the original daemon's raise_fd_limit default:
// enough headroom for a storage-node-sized connection fan-out.
const wantedFDLimit = 65536

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "spnsd",
		Short: "Session push notification server",
		Long: `spnsd relays stored-message notifications from Session storage nodes
to registered platform notifier services:
  - push.subscribe / push.unsubscribe RPC surface for client devices
  - admin.register_service for notifier processes
  - notify.block / notify.message ingestion from storage nodes
  - periodic SN-list reconciliation against the local block node`,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the spnsd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ApplyOverrides(&cfg); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	config.BindFlags(serve, &cfg)

	version := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("spnsd %s (%s)\n", BuildVersion, BuildCommit)
			return nil
		},
	}

	var keyOut string
	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a server Ed25519 identity and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(keyOut)
		},
	}
	keygen.Flags().StringVar(&keyOut, "out", "", "write the private key to this path (PEM-less raw hex), in addition to printing the public key")

	root.AddCommand(serve, version, keygen)
	return root
}

// runKeygen generates a fresh Ed25519 identity and prints it, optionally
// writing the private half to a file, mirroring the original daemon's
// loadOrGenerateKey: a key is produced once and persisted by the
// operator. The serve command does not read this key; the listener's TLS
// certificate is derived from ListenIdentityLabel alone.
func runKeygen(out string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Printf("public:  %s\n", hex.EncodeToString(pub))
	fmt.Printf("private: %s\n", hex.EncodeToString(priv))
	if out != "" {
		if err := os.WriteFile(out, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
			return fmt.Errorf("writing key to %s: %w", out, err)
		}
		fmt.Printf("wrote private key to %s\n", out)
	}
	return nil
}

// raiseFDLimit requests the process soft file-descriptor limit be
// raised to wantedFDLimit, capped at the hard limit, following the
// original daemon's raise_fd_limit(); a storage-node-heavy deployment
// can otherwise exhaust the platform's low default well before any
// application-level limit bites.
func raiseFDLimit() error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}
	want := uint64(wantedFDLimit)
	if rlimit.Max < want {
		want = rlimit.Max
	}
	if rlimit.Cur >= want {
		return nil
	}
	rlimit.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}
	return nil
}

func runServer(cfg config.Config) error {
	if err := logging.Setup(cfg.LogLevel); err != nil {
		return err
	}
	if err := raiseFDLimit(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not raise fd limit: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditCfg := audit.DefaultConfig()
	auditCfg.ServerID = cfg.ListenIdentityLabel
	if cfg.AuditLogPath != "" {
		f, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer f.Close()
		auditCfg.Writer = f
	}
	auditLogger := audit.NewLogger(auditCfg)
	if err := auditLogger.Start(); err != nil {
		return fmt.Errorf("starting audit logger: %w", err)
	}
	defer auditLogger.Stop()

	return runWithAudit(ctx, cfg, auditLogger)
}

func runWithAudit(ctx context.Context, cfg config.Config, auditLogger *audit.Logger) error {
	registerer := prometheus.DefaultRegisterer
	collectors := metrics.New(registerer)

	pool := pgpool.New(pgpool.Config{DSN: cfg.PostgresDSN, MaxIdle: 8}, collectors.Pool)
	defer pool.Close(ctx)

	st := store.New(pool)
	if err := st.ApplySchema(ctx); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	statsCounters := stats.New(store.NewStatsBackend(st))

	dialer := transport.NewQUICDialer(x509.NewCertPool(), cfg.InsecureSkipVerify)
	listener, err := transport.NewQUICListener(cfg.ListenAddr, cfg.ListenIdentityLabel)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	defer listener.Close()

	hmCfg := hivemind.DefaultConfig()
	hmCfg.BlockNodeAddr = cfg.BlockNodeAddr
	hmCfg.NotifiersExpected = cfg.NotifiersExpected
	if cfg.NotifierWait > 0 {
		hmCfg.NotifierWait = cfg.NotifierWait
	}
	if cfg.SlowCheckInterval > 0 {
		hmCfg.SlowCheckInterval = cfg.SlowCheckInterval
	}
	if cfg.FastCheckInterval > 0 {
		hmCfg.FastCheckInterval = cfg.FastCheckInterval
	}
	if cfg.DBCleanupInterval > 0 {
		hmCfg.DBCleanupInterval = cfg.DBCleanupInterval
	}
	if cfg.StatsLogInterval > 0 {
		hmCfg.StatsLogInterval = cfg.StatsLogInterval
	}
	if cfg.FilterLifetime > 0 {
		hmCfg.FilterLifetime = cfg.FilterLifetime
	}

	hm := hivemind.New(st, statsCounters,
		hivemind.WithConfig(hmCfg),
		hivemind.WithMetrics(collectors.HiveMind),
		hivemind.WithDialer(dialer),
		hivemind.WithAuditLogger(auditLogger),
		hivemind.WithSNodeMetrics(collectors.SNode),
	)

	dispatcher := transport.NewDispatcher()

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsHandler(),
	}
	errCh := make(chan error, 2)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	go func() {
		if err := hm.Start(ctx, listener, dispatcher); err != nil {
			errCh <- fmt.Errorf("hivemind start: %w", err)
		}
	}()

	fmt.Printf("spnsd ready: listening on %s, metrics on %s\n", cfg.ListenAddr, cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("received signal %v, shutting down\n", sig)
	case err := <-errCh:
		fmt.Printf("server error: %v\n", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	return nil
}

func metricsHandler() http.Handler {
	return metrics.Handler()
}
