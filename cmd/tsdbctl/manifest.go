package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tsdbcore/internal/manifest"
)

// newManifestCmd adds a debug command printing the manifest's raw
// lines verbatim, for diagnosing a database that won't open.
func newManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-manifest",
		Short: "Print the raw MANIFEST file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filepath.Join(dirFlag(cmd), manifest.FileName))
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
