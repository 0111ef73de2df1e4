// Package cmd assembles the partitioncache CLI: one cobra command per
// long-running or one-shot operation (§4.6-§4.8), each resolving its own
// configuration through config.Load so flags, PARTITIONCACHE_* environment
// variables, and built-in defaults apply in that order regardless of which
// subcommand runs.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/MPoppinga/partitioncache/cmd/internal/env"
	"github.com/MPoppinga/partitioncache/config"
)

// RootCommand is the base command every subcommand attaches to via its own
// init().
var RootCommand = &cobra.Command{
	Use:   "partitioncache",
	Short: "Precompute and cache SQL partition-key identifier sets",
	Long: `partitioncache maintains a cache of partition-key identifier sets for
expensive, frequently-repeated SQL queries. A query seen before is answered
by restricting a later query's WHERE clause to the cached key set instead
of re-executing the original predicate.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return env.CmdFlags.CheckEnvironmentVariables(cmd)
	},
}

func init() {
	config.RegisterFlags(RootCommand.PersistentFlags())
}
