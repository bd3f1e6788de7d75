// Package main provides the tgraph CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orneryd/tgraph/pkg/config"
	"github.com/orneryd/tgraph/pkg/logging"
	"github.com/orneryd/tgraph/pkg/mvcc"
	"github.com/orneryd/tgraph/pkg/storage"
	"github.com/orneryd/tgraph/pkg/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tgraph",
		Short: "tgraph - transactional in-memory attributed graph",
		Long: `tgraph is an in-memory attributed graph with optimistic
multi-version concurrency control.

Features:
  • Snapshot reads that never block writers
  • Commit-time validation against concurrent commits
  • Ordered vertex, edge and incidence sequences
  • Savepoints for partial rollback
  • Automatic reclamation of versions no reader can see`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (environment variables otherwise)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tgraph v%s (%s)\n", version, commit)
		},
	})

	// Config command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE:  runConfig,
	})

	// Demo command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Walk through snapshot isolation, conflicts and savepoints",
		RunE:  runDemo,
	})

	// Bench command
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent writers against one graph",
		RunE:  runBench,
	}
	benchCmd.Flags().Int("workers", 8, "Concurrent writer goroutines")
	benchCmd.Flags().Int("txs", 1000, "Committed transactions per worker")
	benchCmd.Flags().Int("hot", 4, "Shared vertices every transaction also writes (0 disables contention)")
	benchCmd.Flags().Bool("metrics", false, "Dump the prometheus metrics after the run")
	rootCmd.AddCommand(benchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.LoadFromEnv()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runtime is the graph and its ambient wiring for one command.
type runtime struct {
	graph    *storage.Graph
	registry *prometheus.Registry
	log      zerolog.Logger
	shutdown telemetry.ShutdownFunc
}

// close flushes pending spans.
func (r *runtime) close() {
	if err := r.shutdown(context.Background()); err != nil {
		r.log.Warn().Err(err).Msg("trace shutdown failed")
	}
}

// setup builds a graph wired to the configured logger, metrics and tracer.
func setup(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	opts := storage.Options{
		Logger:          &log,
		InitialCapacity: cfg.Versioning.InitialCapacity,
		ReclaimInterval: cfg.Versioning.ReclaimInterval,
	}
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		opts.Metrics = mvcc.NewMetrics(reg, cfg.Metrics.Namespace)
	}
	tracer, shutdown, err := telemetry.Setup(cfg.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	opts.Tracer = tracer

	log.Debug().Stringer("config", cfg).Msg("graph configured")
	return &runtime{
		graph:    storage.NewGraph(opts),
		registry: reg,
		log:      log,
		shutdown: shutdown,
	}, nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func printStats(s storage.Stats) {
	fmt.Printf("   Version:             %d\n", s.Version)
	fmt.Printf("   Commits:             %d\n", s.Commits)
	fmt.Printf("   Aborts:              %d\n", s.Aborts)
	fmt.Printf("   Conflicts:           %d\n", s.Conflicts)
	fmt.Printf("   Active:              %d\n", s.Active)
	fmt.Printf("   Reclaimed versions:  %d\n", s.ReclaimedVersions)
	fmt.Printf("   Multi-version cells: %d\n", s.MultiVersionCells)
	fmt.Printf("   Vertex slots:        %d (%d free)\n", s.VertexSlots, s.FreeVertexIDs)
	fmt.Printf("   Edge slots:          %d (%d free)\n", s.EdgeSlots, s.FreeEdgeIDs)
	fmt.Printf("   Ids pending reuse:   %d\n", s.PendingIDs)
}
