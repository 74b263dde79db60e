package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tsdbcore/internal/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Print the database's current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(dirFlag(cmd))
			if err != nil {
				return err
			}
			for _, line := range s.Lines() {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.AddCommand(newSettingsSetCmd())
	return cmd
}

func newSettingsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>=<value>",
		Short: "Change a single setting and persist it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, ok := strings.Cut(args[0], "=")
			if !ok {
				return fmt.Errorf("expected <key>=<value>, got %q", args[0])
			}
			dir := dirFlag(cmd)
			s, err := settings.Load(dir)
			if err != nil {
				return err
			}
			updated, err := s.Set(key, value)
			if err != nil {
				return err
			}
			if err := settings.Save(dir, updated); err != nil {
				return err
			}
			fmt.Printf("%s=%s\n", key, value)
			return nil
		},
	}
}
