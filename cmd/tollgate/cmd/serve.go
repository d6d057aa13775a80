package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the TollGate gateway.

The gateway listens for agent tool calls on POST /v1/invoke and runs each
one through the full pipeline: authentication, validation, policy,
economic reservation, forwarding, and settlement with a signed receipt.

Examples:
  # Start with config file settings
  tollgate serve

  # Start with a specific config file
  tollgate --config /path/to/tollgate.yaml serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	gw, err := service.NewGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	if err := gw.Run(ctx); err != nil {
		return err
	}
	logger.Info("tollgate stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
