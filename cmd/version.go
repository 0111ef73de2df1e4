package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the partitioncache release version, overridable at link time
// via -ldflags "-X github.com/MPoppinga/partitioncache/cmd.Version=...".
var Version = "dev"

func init() {
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Print the version of partitioncache",
		Long:  "Show version and build information for partitioncache.",
		Run: func(_ *cobra.Command, _ []string) {
			generateVersionOutput(os.Stdout)
		},
	}
	RootCommand.AddCommand(versionCommand)
}

func generateVersionOutput(out io.Writer) {
	fmt.Fprintln(out, "Version: "+Version)
	fmt.Fprintln(out, "Go Version: "+runtime.Version())
	fmt.Fprintln(out, "Platform: "+runtime.GOOS+"/"+runtime.GOARCH)
	fmt.Fprintln(out, "Cache Backends: "+backendList())
}
