package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newCompactCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Merge pages to reclaim fragmentation",
		Long:  "Without --from/--to, merges every page into a freshly packed set. With both, only pages overlapping the range are merged.",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetUint64("from")
			to, _ := cmd.Flags().GetUint64("to")
			ranged := cmd.Flags().Changed("from") || cmd.Flags().Changed("to")

			e, closeEngine, err := openEngine(cmd, logger.With("component", "engine"))
			if err != nil {
				return err
			}
			defer closeEngine()

			if ranged {
				if !cmd.Flags().Changed("from") || !cmd.Flags().Changed("to") {
					return fmt.Errorf("compact: --from and --to must both be set for a range compaction")
				}
				if err := e.CompactRange(from, to); err != nil {
					return err
				}
				fmt.Printf("compacted pages overlapping [%d, %d)\n", from, to)
				return nil
			}
			if err := e.CompactAll(); err != nil {
				return err
			}
			fmt.Println("compacted all pages")
			return nil
		},
	}
	cmd.Flags().Uint64("from", 0, "range start (inclusive)")
	cmd.Flags().Uint64("to", 0, "range end (exclusive)")
	return cmd
}
