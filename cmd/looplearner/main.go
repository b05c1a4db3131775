package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/kimjune01/looplearner/config"
	"github.com/kimjune01/looplearner/internal/optimizer"
	"github.com/kimjune01/looplearner/internal/server"
	"github.com/kimjune01/looplearner/internal/store"
	"github.com/kimjune01/looplearner/internal/telemetry"
	"github.com/kimjune01/looplearner/provider"
)

func main() {
	var root = &cobra.Command{Use: "looplearner"}
	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			if serveAddr == "" {
				serveAddr = os.Getenv("LOOPLEARNER_HTTP_ADDR")
			}
			return server.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to server.address)")

	var migDir string
	var direction string
	var steps int
	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			return server.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var reap = &cobra.Command{
		Use:   "reap",
		Short: "Mark runs stuck past the timeout as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			ctx := context.Background()
			st, err := store.New(ctx, cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			defer st.Close()
			prov, err := provider.New(cfg.LLM)
			if err != nil {
				return err
			}
			tele := telemetry.New(cfg.Telemetry)
			logger := log.New(log.Writer(), "[REAP] ", log.LstdFlags)
			orch, err := optimizer.NewOrchestrator(cfg, logger, tele, st, prov, nil)
			if err != nil {
				return err
			}
			timeout := time.Duration(cfg.Optimization.RunTimeoutMinutes) * time.Minute
			n, err := orch.ReapStuckRuns(ctx, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d stuck run(s)\n", n)
			return nil
		},
	}

	root.AddCommand(serve, migrateCmd, reap)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
