// Package cmd defines the CLI commands for the catalog-crawler executable.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog-crawler",
		Short: "A resumable crawler for hierarchical quick-commerce catalogs.",
		Long: `catalog-crawler walks a paginated product catalog category by category,
discovering related categories and filters as it goes. Progress is persisted
per page, so an interrupted run resumes exactly where it stopped instead of
re-fetching completed work.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus CRAWLER_* env)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newExtractCmd())
	cmd.AddCommand(newAssetsCmd())

	return cmd
}

// Execute runs the root command with the given context.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
