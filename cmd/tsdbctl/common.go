package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"tsdbcore/internal/engine"
)

func dirFlag(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("dir")
	return dir
}

// openEngine opens the database at --dir and registers a deferred stop
// on the returned closer, which the caller must invoke before exit.
func openEngine(cmd *cobra.Command, logger *slog.Logger) (*engine.Engine, func(), error) {
	e, err := engine.Open(dirFlag(cmd), logger)
	if err != nil {
		return nil, nil, err
	}
	return e, func() { _ = e.Stop(context.Background()) }, nil
}
