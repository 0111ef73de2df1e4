package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/MPoppinga/partitioncache/config"
	"github.com/MPoppinga/partitioncache/queue"
	"github.com/MPoppinga/partitioncache/registry"
)

var queueCommand = &cobra.Command{
	Use:   "queue",
	Short: "Push to and inspect the original-query and fragment queues",
}

func init() {
	queueCommand.AddCommand(
		queuePushCommand(),
		queueCountCommand(),
		queueClearCommand(),
	)
	RootCommand.AddCommand(queueCommand)
}

func queuePushCommand() *cobra.Command {
	var partitionKey, datatype string
	c := &cobra.Command{
		Use:   "push <query>",
		Short: "Push an original query onto Q_orig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			entry := queue.OrigEntry{Query: args[0], PartitionKey: partitionKey}
			if datatype != "" {
				dt, err := registry.ParseDatatype(datatype)
				if err != nil {
					return err
				}
				entry.PartitionDatatype = &dt
			}
			if err := q.PushOrig(cmd.Context(), entry); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pushed")
			return nil
		},
	}
	c.Flags().StringVar(&partitionKey, "partition-key", "", "partition key the query targets")
	c.Flags().StringVar(&datatype, "datatype", "", "partition key datatype (integer, float, text, timestamp, geometry)")
	return c
}

func queueCountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print Q_orig and Q_frag depths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			orig, err := q.CountOrig(cmd.Context())
			if err != nil {
				return err
			}
			frag, err := q.CountFrag(cmd.Context())
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"queue", "depth"})
			table.Append([]string{"orig", fmt.Sprint(orig)})
			table.Append([]string{"frag", fmt.Sprint(frag)})
			table.Render()
			return nil
		},
	}
}

func queueClearCommand() *cobra.Command {
	var origOnly, fragOnly bool
	c := &cobra.Command{
		Use:   "clear",
		Short: "Clear one or both queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			switch {
			case origOnly:
				return q.ClearOrig(cmd.Context())
			case fragOnly:
				return q.ClearFrag(cmd.Context())
			default:
				return q.ClearAll(cmd.Context())
			}
		},
	}
	c.Flags().BoolVar(&origOnly, "orig", false, "clear only Q_orig")
	c.Flags().BoolVar(&fragOnly, "frag", false, "clear only Q_frag")
	return c
}
