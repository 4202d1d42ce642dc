package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/levinproto/levin/internal/levin"
	"github.com/levinproto/levin/internal/logger"
	"github.com/levinproto/levin/pkg/config"
	"github.com/levinproto/levin/pkg/metrics"
	"github.com/levinproto/levin/pkg/transport/tcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	// Registers the prometheus EngineMetrics constructor via init().
	_ "github.com/levinproto/levin/pkg/metrics/prometheus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node's TCP listener",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	var engineMetrics metrics.EngineMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		engineMetrics = metrics.NewEngineMetrics()
		go serveMetricsHTTP(cfg.Metrics.ListenAddress)
	}

	table := levin.NewTable()
	table.SetMetrics(engineMetrics)
	table.SetHandler(levin.NopDispatcher{}, nil)

	server := tcp.NewServer(table, engineMetrics, 0, tcp.ServerOptions{
		InvokeTimeout:        cfg.Limits.InvokeTimeout,
		InitialMaxPacketSize: int(cfg.Limits.InitialMaxPacketSize.Int64()),
		FullMaxPacketSize:    int(cfg.Limits.FullMaxPacketSize.Int64()),
		MaxConnections:       cfg.Limits.MaxConnections,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx, cfg.Network.ListenAddress) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("levind: listening", "addr", cfg.Network.ListenAddress)

	select {
	case <-sigCh:
		logger.Info("levind: shutdown signal received")
		cancel()
		return <-serveDone
	case err := <-serveDone:
		return err
	}
}

func serveMetricsHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("levind: metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("levind: metrics server stopped", "error", err)
	}
}
