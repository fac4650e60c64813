package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nexusvm/microvmctl/pkg/api"
	"github.com/nexusvm/microvmctl/pkg/events"
	"github.com/nexusvm/microvmctl/pkg/log"
	"github.com/nexusvm/microvmctl/pkg/metrics"
	"github.com/nexusvm/microvmctl/pkg/storage"
	"github.com/nexusvm/microvmctl/pkg/subnet"
	"github.com/nexusvm/microvmctl/pkg/tenant"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "microvmctl",
	Short:   "microvmctl - multi-tenant microVM control plane",
	Long:    `microvmctl provisions, runs and reconciles one Firecracker microVM per tenant, fronted by a tenant-routed reverse proxy and a JSON control API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"microvmctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("config", "", "Path to an optional YAML config file (env vars take precedence)")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// fileConfig is the optional config.yaml shape; every field mirrors an
// environment variable of the same purpose and is overridden by it.
type fileConfig struct {
	FCBin             string `yaml:"fc_bin"`
	VmlinuxPath       string `yaml:"vmlinux_path"`
	RootfsPath        string `yaml:"rootfs_path"`
	DataDir           string `yaml:"data_dir"`
	SnapshotDir       string `yaml:"snapshot_dir"`
	BindAddr          string `yaml:"bind_addr"`
	SubnetCIDR        string `yaml:"subnet_cidr"`
	ListenMetricsAddr string `yaml:"listen_metrics_addr"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane: tenant manager, control API, and tenant-routed proxy",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	var fc fileConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg := tenant.Config{
		FCBin:       firstNonEmpty(os.Getenv("FC_BIN"), fc.FCBin, "/usr/bin/firecracker"),
		VmlinuxPath: firstNonEmpty(os.Getenv("VMLINUX_PATH"), fc.VmlinuxPath),
		RootfsPath:  firstNonEmpty(os.Getenv("ROOTFS_PATH"), fc.RootfsPath),
		DataDir:     firstNonEmpty(os.Getenv("DATA_DIR"), fc.DataDir, "/var/lib/microvmctl"),
		SnapshotDir: firstNonEmpty(os.Getenv("SNAPSHOT_DIR"), fc.SnapshotDir, "/var/lib/microvmctl/golden-snapshot"),
	}
	bindAddr := firstNonEmpty(os.Getenv("BIND_ADDR"), fc.BindAddr, "0.0.0.0:8080")
	subnetCIDR := firstNonEmpty(os.Getenv("SUBNET_CIDR"), fc.SubnetCIDR, "172.16.0.0/16")
	metricsAddr := firstNonEmpty(os.Getenv("LISTEN_METRICS_ADDR"), fc.ListenMetricsAddr, "127.0.0.1:9090")

	if cfg.VmlinuxPath == "" || cfg.RootfsPath == "" {
		return fmt.Errorf("VMLINUX_PATH and ROOTFS_PATH are required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	log.Logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("bind_addr", bindAddr).
		Str("subnet_cidr", subnetCIDR).
		Msg("starting microvmctl control plane")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "open")

	allocator := subnet.New(subnetCIDR)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr := tenant.NewManager(cfg, store, allocator, broker)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mgr.Recover(ctx); err != nil {
		cancel()
		return fmt.Errorf("recover tenants: %w", err)
	}
	cancel()
	metrics.RegisterComponent("api", true, "ready")

	metrics.SetVersion(Version)

	go func() {
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(metricsAddr, metrics.Handler()); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	server := api.New(mgr)
	httpServer := &http.Server{
		Addr:         bindAddr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // tenant-proxied responses may stream arbitrarily long
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", bindAddr).Msg("control api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("control api server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("graceful shutdown failed")
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
