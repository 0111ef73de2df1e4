package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/config"
	"github.com/MPoppinga/partitioncache/logging"
	"github.com/MPoppinga/partitioncache/metrics"
	"github.com/MPoppinga/partitioncache/pipeline"
	"github.com/MPoppinga/partitioncache/query"
	"github.com/MPoppinga/partitioncache/query/fragment"
	"github.com/MPoppinga/partitioncache/sqlexecutor"
)

func init() {
	c := &cobra.Command{
		Use:   "monitor",
		Short: "Run the pre-processor and worker pool, serving Prometheus metrics",
		Long: `monitor runs the two population-pipeline loops (§4.6) in the
foreground: a pre-processor that expands Q_orig entries into fragments, and a
worker pool that executes fragments against the source database and writes
outcomes into the configured cache backend. It exits on SIGINT/SIGTERM,
waiting for in-flight work to drain.`,
		RunE: runMonitor,
	}
	var metricsAddr string
	c.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address the /metrics HTTP endpoint listens on")
	RootCommand.AddCommand(c)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	runID := uuid.New()
	logger := logging.New()
	lvl, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	logger.SetFormat(cfg.LogFormat)
	log := logger.WithFields(map[string]interface{}{"run_id": runID.String(), "command": "monitor"})

	q, err := openQueue(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("monitor: open queue: %w", err)
	}
	defer q.Close()

	executor, err := sqlexecutor.Open(cmd.Context(), cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("monitor: open executor: %w", err)
	}
	defer executor.Close()

	resolver := func(partitionKey, cacheBackend string) (cachehandler.Store, error) {
		resolved := cfg
		if cacheBackend != "" {
			resolved.CacheBackend = cacheBackend
		}
		return openStore(resolved)
	}

	pipelineCfg := pipeline.Config{
		Queue: q,
		Fragment: fragment.Options{
			Query: query.Options{BucketStep: cfg.BucketStep, BucketFunctionsOnly: cfg.BucketFunctionsOnly},
		},
		Store:            resolver,
		Workers:          cfg.Workers,
		StatementTimeout: cfg.StatementTimeout,
		RowLimit:         cfg.RowLimit,
		Logger:           log,
		Metrics:          metrics.New(),
	}

	pre := pipeline.NewPreProcessor(pipelineCfg)
	pool := pipeline.NewWorkerPool(pipelineCfg, executor)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pre.Start(ctx)
	pool.Start(ctx)
	log.Info("monitor: started with %d workers, metrics_addr=%s", cfg.Workers, metricsAddrFlag(cmd))

	server := startMetricsServer(metricsAddrFlag(cmd), log)

	<-ctx.Done()
	log.Info("monitor: shutting down")
	pre.Stop()
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func metricsAddrFlag(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	return addr
}

func startMetricsServer(addr string, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GlobalMetricsRegistry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("monitor: metrics server: %v", err)
		}
	}()
	return server
}
