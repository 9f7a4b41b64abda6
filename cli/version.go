package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"copilot.mailarchive.org/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("copilot %s\n", version.String())
		fmt.Printf("  go:     %s\n", info.GoVersion)
		fmt.Printf("  module: %s\n", info.MainModule)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
