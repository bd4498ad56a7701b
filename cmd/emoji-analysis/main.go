package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/emoji-analysis/internal/app"
	"github.com/ent0n29/emoji-analysis/internal/config"
	"github.com/ent0n29/emoji-analysis/internal/logging"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "emoji-analysis",
	Short: "Session-scoped emoji annotation service",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			return os.Setenv("APP_CONFIG_FILE", configFile)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket annotation server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := app.Build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := res.Cleanup(); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
		}()

		logger.Info("starting",
			zap.String("bind_addr", cfg.BindAddr),
			zap.String("history_store", res.History.Mode()),
			zap.Int("default_threshold", cfg.DefaultThreshold),
			zap.Int("increment", cfg.EscalationIncrement),
			zap.Duration("tick_interval", cfg.TickInterval))

		if err := res.Run(ctx, nil); err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (or set APP_CONFIG_FILE)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides APP_LOG_LEVEL)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
