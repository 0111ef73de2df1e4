package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/config"
	"github.com/MPoppinga/partitioncache/dbprocessor"
	"github.com/MPoppinga/partitioncache/sqlexecutor"
)

var pgQueueProcessorCommand = &cobra.Command{
	Use:   "pgqueue-processor",
	Short: "Drive the in-database processor control plane (setup, enable, status, run-once)",
}

func init() {
	pgQueueProcessorCommand.AddCommand(
		processorSetupCommand(),
		processorEnableCommand(false),
		processorEnableCommand(true),
		processorReconfigureCommand(),
		processorStatusCommand(),
		processorLogsCommand(),
		processorRunOnceCommand(),
	)
	RootCommand.AddCommand(pgQueueProcessorCommand)
}

func openProcessor(cmd *cobra.Command) (config.Config, *dbprocessor.Processor, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	p, err := dbprocessor.Open(cmd.Context(), cfg.PGQueueDSN, cfg.PGQueueTablePrefix)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, p, nil
}

func processorSetupCommand() *cobra.Command {
	var frequency time.Duration
	var partitions []string
	var maxParallel int
	c := &cobra.Command{
		Use:   "setup",
		Short: "Install or replace the processor control record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, p, err := openProcessor(cmd)
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Setup(cmd.Context(), dbprocessor.JobConfig{
				Enabled:         false,
				Frequency:       frequency,
				TablePrefix:     cfg.PGQueueTablePrefix,
				Partitions:      partitions,
				MaxParallelJobs: maxParallel,
			})
		},
	}
	c.Flags().DurationVar(&frequency, "frequency", 10*time.Second, "scheduling period between ticks")
	c.Flags().StringSliceVar(&partitions, "partitions", nil, "partition keys this processor handles (empty means all)")
	c.Flags().IntVar(&maxParallel, "max-parallel-jobs", 4, "maximum fragments processed concurrently per tick")
	return c
}

func processorEnableCommand(disable bool) *cobra.Command {
	use, short := "enable", "Enable scheduling"
	if disable {
		use, short = "disable", "Disable scheduling"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, p, err := openProcessor(cmd)
			if err != nil {
				return err
			}
			defer p.Close()
			if disable {
				return p.Disable(cmd.Context())
			}
			return p.Enable(cmd.Context())
		},
	}
}

func processorReconfigureCommand() *cobra.Command {
	var frequency time.Duration
	var partitions []string
	var maxParallel int
	c := &cobra.Command{
		Use:   "reconfigure",
		Short: "Update scheduling period, partitions, and parallelism",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, p, err := openProcessor(cmd)
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Reconfigure(cmd.Context(), dbprocessor.JobConfig{
				Frequency:       frequency,
				Partitions:      partitions,
				MaxParallelJobs: maxParallel,
			})
		},
	}
	c.Flags().DurationVar(&frequency, "frequency", 10*time.Second, "scheduling period between ticks")
	c.Flags().StringSliceVar(&partitions, "partitions", nil, "partition keys this processor handles (empty means all)")
	c.Flags().IntVar(&maxParallel, "max-parallel-jobs", 4, "maximum fragments processed concurrently per tick")
	return c
}

func processorStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the processor's current configuration and recent outcome counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, p, err := openProcessor(cmd)
			if err != nil {
				return err
			}
			defer p.Close()
			st, err := p.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled=%v frequency=%s max_parallel_jobs=%d partitions=%s successes=%d failures=%d\n",
				st.Enabled, st.Frequency, st.MaxParallelJobs, strings.Join(st.Partitions, ","), st.RecentSuccesses, st.RecentFailures)
			return nil
		},
	}
}

func processorLogsCommand() *cobra.Command {
	var limit int
	var status string
	c := &cobra.Command{
		Use:   "logs",
		Short: "Print the most recent processor outcome log entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, p, err := openProcessor(cmd)
			if err != nil {
				return err
			}
			defer p.Close()
			entries, err := p.Logs(cmd.Context(), limit, cachehandler.QueryStatus(status))
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"job", "partition key", "fingerprint", "status", "rows", "duration"})
			for _, e := range entries {
				table.Append([]string{
					fmt.Sprint(e.JobID), e.PartitionKey, e.Fingerprint, string(e.Status),
					fmt.Sprint(e.RowsAffected), e.ExecutionTime.String(),
				})
			}
			table.Render()
			return nil
		},
	}
	c.Flags().IntVar(&limit, "limit", 50, "maximum rows to print")
	c.Flags().StringVar(&status, "status", "", "filter by status (ok, timeout, failed)")
	return c
}

func processorRunOnceCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single bounded processor tick on demand, bypassing the schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, p, err := openProcessor(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			executor, err := sqlexecutor.Open(cmd.Context(), cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer executor.Close()

			runID := uuid.New()
			n, err := p.RunOnce(cmd.Context(), q, store, executor, cfg.StatementTimeout, cfg.RowLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s processed %d fragments\n", runID, n)
			return nil
		},
	}
	return c
}
