// Command duckhouse runs the columnar-storage backend: the HTTP API,
// the command service, the S3 staging surface, and the housekeeping
// sweeper, all over one embedded engine and catalog.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "duckhouse",
		Short:         "Multi-tenant columnar storage backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd(), newInitCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("duckhouse %s\n", Version)
		},
	}
}
