package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tsdbcore/internal/engine"
	"tsdbcore/internal/settings"
)

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty database at --dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings.Default()
			if v, _ := cmd.Flags().GetString("strategy"); v != "" {
				updated, err := s.Set("strategy", v)
				if err != nil {
					return err
				}
				s = updated
			}
			if err := engine.Create(dirFlag(cmd), s); err != nil {
				return err
			}
			fmt.Printf("created database at %s\n", dirFlag(cmd))
			return nil
		},
	}
	cmd.Flags().String("strategy", "", "initial strategy (FAST_WRITE, COMPRESSED, MEMORY, CACHE)")
	return cmd
}
