package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newPruneCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired cache entries and stale rate-limit events once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "citeline.yaml", "path to Citeline config file")
	return cmd
}

func runPrune(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, gormDB)
	if err != nil {
		return err
	}

	removed, err := a.janitor.RunOnce(cmd.Context())
	names := make([]string, 0, len(removed))
	for name := range removed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows removed\n", name, removed[name])
	}
	return err
}
