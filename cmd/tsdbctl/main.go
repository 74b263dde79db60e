// Command tsdbctl is the control-surface CLI for a tsdbcore database:
// create an empty store, inspect and change settings, compact pages,
// and print diagnostics. The compact and console subcommands open the
// engine, do one thing, and stop it again before exiting; the others
// work on the directory's files directly or print a constant.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tsdbcore/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelWarn)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "tsdbctl",
		Short: "Inspect and administer a tsdbcore database",
	}
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "database directory")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			filterHandler.SetLevel("engine", slog.LevelDebug)
		}
	}

	rootCmd.AddCommand(
		newCreateCmd(),
		newSettingsCmd(),
		newCompactCmd(logger),
		newConsoleCmd(logger),
		newManifestCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
