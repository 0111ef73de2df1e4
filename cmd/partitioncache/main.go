// Command partitioncache is the CLI entrypoint: cache inspection and
// maintenance, queue management, the population pipeline (monitor), the
// in-database processor control plane (pgqueue-processor), and the
// standalone eviction manager.
package main

import (
	"fmt"
	"os"

	"github.com/MPoppinga/partitioncache/cmd"
)

func main() {
	if err := cmd.RootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
