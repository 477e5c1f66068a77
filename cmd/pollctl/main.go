package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/civicpoll/backend/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pollctl",
		Short: "pollctl - admin tool for the poll service",
		Long: `pollctl inspects polls, results and statistics in the configured store.
It reads the same environment (.env, STORAGE_DRIVER, DATABASE_URL, ...) as the server.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.MigrateCmd())
	rootCmd.AddCommand(cli.ListCmd())
	rootCmd.AddCommand(cli.ResultsCmd())
	rootCmd.AddCommand(cli.StatsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
