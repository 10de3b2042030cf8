package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/citeline/internal/api"
	"github.com/zulandar/citeline/internal/db"
	"github.com/zulandar/citeline/internal/observability"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		migrate    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		Long:  "Serves the session and message API, Prometheus metrics and the background janitor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, migrate)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "citeline.yaml", "path to Citeline config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "run database migrations before serving")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, migrate bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if migrate {
		if err := db.AutoMigrate(gormDB); err != nil {
			return err
		}
	}
	a, err := buildApp(cfg, gormDB)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	go a.janitor.Run(ctx)
	observability.Logger().Info("citeline starting", "version", Version, "port", port, "schedule", cfg.Janitor.Schedule)

	return api.Start(ctx, api.StartOpts{
		Chat:     a.chat,
		Gatherer: a.registry,
		Ping:     a.ping,
		Port:     port,
		Out:      cmd.OutOrStdout(),
	})
}
