package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/app"
	"github.com/user/league-discovery/pkg/config"
	"github.com/user/league-discovery/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "api",
	Short:        "api serves the read-only crawl audit API and /metrics.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// --- Configuration ---
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		// --- Logger ---
		log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		defer log.Sync()

		// --- Stores, metrics ---
		a, err := app.New(cmd.Context(), cfg, log)
		if err != nil {
			log.Error("could not open stores", zap.Error(err))
			return err
		}
		defer a.Close()

		// --- HTTP Server ---
		return a.NewServer().Run(cmd.Context())
	},
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default leaguecrawl.yaml if present)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
