package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/citeline/internal/config"
	"github.com/zulandar/citeline/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the Citeline database and its tables",
		Long:  "Creates the MySQL database if needed, then migrates all tables. SQLite databases are created on open.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "citeline.yaml", "path to Citeline config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Database.Driver == "mysql" {
		d := cfg.Database
		adminDB, err := db.ConnectAdmin(d.Host, d.Port, d.User, d.Password)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", d.Host, d.Port, err)
		}
		if err := db.CreateDatabase(adminDB, d.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", d.Name)
	}

	return runDBMigrate(cmd, configPath)
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate all Citeline tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "citeline.yaml", "path to Citeline config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
