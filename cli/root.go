package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/crystal-sds/metrics-relay/engine/introspection"
	"github.com/crystal-sds/metrics-relay/pkg/config"
	"github.com/crystal-sds/metrics-relay/pkg/logger"
)

// Execute runs the relay CLI with a signal-aware context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd().ExecuteContext(ctx)
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics-relay",
		Short: "Background metrics relay between a host process, Redis, and RabbitMQ",
		Long: "metrics-relay accumulates locally-reported counters and periodically " +
			"flushes them to an AMQP topic exchange, while keeping a cached copy of " +
			"the metric-definition table stored in Redis.",
		RunE:         runRelay,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	cmd.PersistentFlags().Bool("log-source", false, "Include caller information in logs")
	cmd.PersistentFlags().String("env-file", "", "Load environment variables from this file before reading configuration")
	return cmd
}

func runRelay(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if envFile, err := cmd.Flags().GetString("env-file"); err == nil && envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.SetupLogger(logLevel, logJSON, logSource)
	ctx = logger.ContextWithLogger(ctx, log)

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	ctx = config.ContextWithConfig(ctx, cfg)

	if _, err := introspection.Instance(ctx); err != nil {
		return err
	}
	log.Info("metrics relay started",
		"sender", cfg.Relay.SenderIdentity(),
		"exchange", cfg.Relay.Exchange,
		"publish_interval", cfg.Relay.PublishInterval,
		"control_interval", cfg.Relay.ControlInterval,
	)

	<-ctx.Done()
	log.Info("metrics relay stopping", "reason", ctx.Err())
	return nil
}
