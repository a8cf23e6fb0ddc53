package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/app"
	"github.com/user/league-discovery/pkg/config"
	"github.com/user/league-discovery/pkg/logger"
)

var (
	configPath string

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "leaguecrawl",
	Short:        "leaguecrawl finds out which leagues exist on the basketball-bund.net portal and caches the answers.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		log, err = logger.New(cfg.Log.Level, cfg.Log.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default leaguecrawl.yaml if present)")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp opens the configured stores. Callers close the App.
func openApp(cmd *cobra.Command) (*app.App, error) {
	return app.New(cmd.Context(), cfg, log)
}
