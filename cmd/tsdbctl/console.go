package main

import (
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

// newConsoleCmd adds a debug command printing per-tier sample counts,
// carried over from the original tooling's "console" strategy flag.
func newConsoleCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Print per-tier sample counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeEngine, err := openEngine(cmd, logger.With("component", "engine"))
			if err != nil {
				return err
			}
			defer closeEngine()

			wal, memory, page := e.TierCounts()
			p := newKVPrinter()
			p.kv([][2]string{
				{"wal", strconv.Itoa(wal)},
				{"memory", strconv.Itoa(memory)},
				{"page", strconv.Itoa(page)},
				{"total", strconv.Itoa(wal + memory + page)},
			})
			return nil
		},
	}
}
