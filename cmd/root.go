// Package cmd wires the catalogcrawl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogcrawl",
		Short: "A paginated product-catalog crawl orchestration service.",
		Long: `catalogcrawl crawls paginated product catalogs in two phases:
list pages are fetched to discover product references, then each product's
detail page is fetched, parsed, and persisted. Sessions can be paused,
resumed, shut down gracefully, and restarted from a resume token.`,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
