package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tsdbcore/internal/engine"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tsdbctl and on-disk format version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tsdbctl %s (format %d)\n", version, engine.FormatVersion)
		},
	}
}
