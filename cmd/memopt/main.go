// Package main provides the memopt CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/orneryd/memopt/pkg/config"
	"github.com/orneryd/memopt/pkg/optimizer"
	"github.com/orneryd/memopt/pkg/storage"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "memopt",
		Short: "memopt - memory-integration optimizer for agent plugins",
		Long: `memopt sits between agent plugins and a memory engine.

It caches per-goal plugin contexts, batches memory writes so concept
clustering runs once per batch instead of once per write, and groups
writes by their dependency closure before flushing.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: search standard locations)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "memopt v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  runConfig,
	})

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive synthetic plugin executions through the optimizer",
		RunE:  runBench,
	}
	benchCmd.Flags().Int("goals", 4, "Number of distinct goals")
	benchCmd.Flags().Int("plugins", 3, "Number of distinct plugins per goal")
	benchCmd.Flags().Int("writes", 1000, "Total plugin executions")
	benchCmd.Flags().Int("concurrency", 8, "Concurrent callers")
	benchCmd.Flags().Float64("fail-rate", 0, "Fraction of plugin calls that fail (0-1)")
	benchCmd.Flags().String("backend", "", "Storage backend override: memory, badger")
	benchCmd.Flags().String("data-dir", "", "Badger data directory override")
	benchCmd.Flags().String("metrics-addr", "", "Serve /metrics on this address after the run until Ctrl+C")
	rootCmd.AddCommand(benchCmd)

	deadCmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List batches whose flush failed (badger backend)",
		RunE:  runDeadLetters,
	}
	deadCmd.Flags().String("data-dir", "", "Badger data directory override")
	rootCmd.AddCommand(deadCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig applies defaults, the config file and env vars, then validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Lookup("backend") != nil {
		if v, _ := cmd.Flags().GetString("backend"); v != "" {
			cfg.Storage.Backend = v
		}
	}
	if cmd.Flags().Lookup("data-dir") != nil {
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.Storage.DataDir = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), cfg)
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr())

	opts := benchOptions{}
	opts.Goals, _ = cmd.Flags().GetInt("goals")
	opts.Plugins, _ = cmd.Flags().GetInt("plugins")
	opts.Writes, _ = cmd.Flags().GetInt("writes")
	opts.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	opts.FailRate, _ = cmd.Flags().GetFloat64("fail-rate")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	stores, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	reg := prometheus.NewRegistry()
	optCfg := cfg.OptimizerConfig(logger)
	optCfg.DeadLetters = stores.deadLetters
	optCfg.Registerer = reg

	opt, err := optimizer.New(stores.engine, stores.concepts, optCfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := opt.Close(closeCtx); err != nil {
			logger.Warn("close did not drain", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := runBenchmark(ctx, opt, opts)
	if err != nil {
		return err
	}
	report.Concepts = stores.concepts.Stats()

	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}

	if metricsAddr == "" {
		return nil
	}
	return serveMetrics(ctx, metricsAddr, reg, logger)
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != config.BackendBadger {
		return fmt.Errorf("dead letters are only persisted by the %s backend", config.BackendBadger)
	}
	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:  cfg.Storage.DataDir,
		InMemory: cfg.Storage.InMemory,
	})
	if err != nil {
		return fmt.Errorf("opening badger: %w", err)
	}
	defer engine.Close()

	letters, err := engine.DeadLetters()
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), letters)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
