package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/john/streambot/internal/config"
	"github.com/john/streambot/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	level, development := "info", verbose
	if cfg != nil {
		level = cfg.Logging.Level
		development = development || cfg.Logging.Development
	}
	if verbose {
		level = "debug"
	}
	return logging.New(level, development)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "streambot",
		Short:         "Chat, alert and song request bot for a live stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return run(cmd.Context(), cfg, logger)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("CONFIG_PATH"), "config file path (or set CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(checkConfigCmd())
	rootCmd.AddCommand(resolveKickCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
