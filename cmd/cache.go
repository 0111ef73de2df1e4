package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/partitioncache/cachehandler"
	"github.com/MPoppinga/partitioncache/config"
	"github.com/MPoppinga/partitioncache/maintenance"
)

var cacheCommand = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the cache handler backend",
}

func init() {
	cacheCommand.AddCommand(
		cacheListCommand(),
		cacheGetCommand(),
		cacheCountCommand(),
		cachePruneCommand(),
		cacheEvictCommand(),
		cacheDeletePartitionCommand(),
		cacheRemoveTerminationsCommand(),
		cacheRemoveLargeCommand(),
	)
	RootCommand.AddCommand(cacheCommand)
}

func cacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered partition key and its datatype",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := resolveStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.GetPartitionKeys(cmd.Context())
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"partition key", "datatype", "bitsize"})
			for _, e := range entries {
				table.Append([]string{e.PartitionKey, e.Datatype.String(), fmt.Sprint(e.Bitsize)})
			}
			table.Render()
			return nil
		},
	}
}

func cacheGetCommand() *cobra.Command {
	var partitionKey string
	c := &cobra.Command{
		Use:   "get <fingerprint>",
		Short: "Print the cached identifier set for a fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := resolveStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, ok, err := store.Get(cmd.Context(), args[0], partitionKey)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "no entry for %q/%q\n", partitionKey, args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "datatype=%s count=%d\n", ids.Datatype, ids.Len())
			return nil
		},
	}
	c.Flags().StringVar(&partitionKey, "partition-key", "", "partition key the fingerprint was cached under")
	return c
}

func cacheCountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print entry counts per partition key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := resolveStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.GetPartitionKeys(cmd.Context())
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"partition key", "entries"})
			for _, e := range entries {
				keys, err := store.GetAllKeys(cmd.Context(), e.PartitionKey)
				if err != nil {
					return err
				}
				table.Append([]string{e.PartitionKey, fmt.Sprint(len(keys))})
			}
			table.Render()
			return nil
		},
	}
}

func cachePruneCommand() *cobra.Command {
	var partitionKey string
	var days int
	c := &cobra.Command{
		Use:   "prune",
		Short: "Delete entries whose last_seen is older than the given number of days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := resolveStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := maintenance.Prune(cmd.Context(), store, partitionKey, days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries\n", n)
			return nil
		},
	}
	c.Flags().StringVar(&partitionKey, "partition-key", "", "partition key to prune (empty means every registered key)")
	c.Flags().IntVar(&days, "days", 30, "delete entries older than this many days")
	return c
}

func cacheEvictCommand() *cobra.Command {
	var partitionKey, strategy string
	var threshold int
	c := &cobra.Command{
		Use:   "evict",
		Short: "Evict entries down to a threshold count, by strategy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if partitionKey == "" {
				return fmt.Errorf("cache evict: --partition-key is required")
			}
			_, store, err := resolveStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := maintenance.Evict(cmd.Context(), store, partitionKey, maintenance.EvictionStrategy(strategy), threshold)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %d entries\n", n)
			return nil
		},
	}
	c.Flags().StringVar(&partitionKey, "partition-key", "", "partition key to evict from")
	c.Flags().StringVar(&strategy, "strategy", "oldest", "eviction strategy: oldest or largest")
	c.Flags().IntVar(&threshold, "threshold", 10000, "target entry count after eviction")
	return c
}

func cacheDeletePartitionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-partition <partition-key>",
		Short: "Drop every entry, metadata row, and registry record for a partition key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := resolveStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			existed, err := maintenance.DeletePartition(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%v\n", existed)
			return nil
		},
	}
}

func cacheRemoveTerminationsCommand() *cobra.Command {
	var partitionKey string
	c := &cobra.Command{
		Use:   "clear-terminations",
		Short: "Remove _LIMIT_/_TIMEOUT_ sentinel entries for a partition key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if partitionKey == "" {
				return fmt.Errorf("cache clear-terminations: --partition-key is required")
			}
			_, store, err := resolveStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := maintenance.RemoveTerminationEntries(cmd.Context(), store, partitionKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}
	c.Flags().StringVar(&partitionKey, "partition-key", "", "partition key to clear sentinels from")
	return c
}

func cacheRemoveLargeCommand() *cobra.Command {
	var partitionKey string
	var maxCardinality int
	c := &cobra.Command{
		Use:   "remove-large",
		Short: "Remove entries whose identifier-set cardinality exceeds a limit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if partitionKey == "" {
				return fmt.Errorf("cache remove-large: --partition-key is required")
			}
			_, store, err := resolveStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := maintenance.RemoveLargeEntries(cmd.Context(), store, partitionKey, maxCardinality)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}
	c.Flags().StringVar(&partitionKey, "partition-key", "", "partition key to trim")
	c.Flags().IntVar(&maxCardinality, "max-cardinality", 1_000_000, "maximum allowed identifier-set size")
	return c
}

// resolveStore loads Config from cmd's flags and opens its configured cache
// backend.
func resolveStore(cmd *cobra.Command) (config.Config, cachehandler.Store, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, store, nil
}
