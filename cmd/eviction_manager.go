package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/config"
	"github.com/MPoppinga/partitioncache/logging"
	"github.com/MPoppinga/partitioncache/maintenance"
)

func init() {
	var interval time.Duration
	var pruneDays, evictThreshold, maxCardinality int
	var strategy string
	c := &cobra.Command{
		Use:   "eviction-manager",
		Short: "Periodically prune, evict, and trim oversize entries across every partition",
		Long: `eviction-manager runs the cache handler's housekeeping operations (§4.8)
on a fixed interval: stale entries older than --prune-days, then entries over
--evict-threshold by --strategy, then entries over --max-cardinality, applied
to every registered partition key. It exits on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			logger := logging.New()
			lvl, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(lvl)
			logger.SetFormat(cfg.LogFormat)
			log := logger.WithFields(map[string]interface{}{"command": "eviction-manager"})

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			runSweep(ctx, store, log, pruneDays, maintenance.EvictionStrategy(strategy), evictThreshold, maxCardinality)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					runSweep(ctx, store, log, pruneDays, maintenance.EvictionStrategy(strategy), evictThreshold, maxCardinality)
				}
			}
		},
	}
	c.Flags().DurationVar(&interval, "interval", 5*time.Minute, "interval between sweeps")
	c.Flags().IntVar(&pruneDays, "prune-days", 30, "delete entries older than this many days")
	c.Flags().StringVar(&strategy, "strategy", "oldest", "eviction strategy: oldest or largest")
	c.Flags().IntVar(&evictThreshold, "evict-threshold", 10000, "target entry count per partition after eviction")
	c.Flags().IntVar(&maxCardinality, "max-cardinality", 1_000_000, "maximum allowed identifier-set size")
	RootCommand.AddCommand(c)
}

// runSweep applies prune, evict, and remove-large, in that order, to every
// registered partition key. Errors on one partition are logged and do not
// stop the sweep from reaching the rest.
func runSweep(ctx context.Context, store cachehandler.Store, log logging.Logger, pruneDays int, strategy maintenance.EvictionStrategy, evictThreshold, maxCardinality int) {
	entries, err := store.GetPartitionKeys(ctx)
	if err != nil {
		log.Error("eviction-manager: list partition keys: %v", err)
		return
	}

	for _, e := range entries {
		if n, err := maintenance.Prune(ctx, store, e.PartitionKey, pruneDays); err != nil {
			log.Error("eviction-manager: prune %q: %v", e.PartitionKey, err)
		} else if n > 0 {
			log.Info("eviction-manager: pruned %d entries from %q", n, e.PartitionKey)
		}

		if n, err := maintenance.Evict(ctx, store, e.PartitionKey, strategy, evictThreshold); err != nil {
			log.Error("eviction-manager: evict %q: %v", e.PartitionKey, err)
		} else if n > 0 {
			log.Info("eviction-manager: evicted %d entries from %q", n, e.PartitionKey)
		}

		if n, err := maintenance.RemoveLargeEntries(ctx, store, e.PartitionKey, maxCardinality); err != nil {
			log.Error("eviction-manager: remove-large %q: %v", e.PartitionKey, err)
		} else if n > 0 {
			log.Info("eviction-manager: removed %d oversize entries from %q", n, e.PartitionKey)
		}
	}
}
