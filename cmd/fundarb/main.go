package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fundarb/fundarb/internal/bus"
	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/engine"
	"github.com/fundarb/fundarb/internal/metrics"
)

const (
	appName = "fundarb"
	version = "v1.2.0"

	shutdownGrace = 30 * time.Second
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cross-exchange funding-rate arbitrage engine",
		Version: version,
		Long: `fundarb holds delta-neutral perpetual pairs across venues and
collects the funding-rate spread. The engine scans funding rates,
scores opportunities, allocates capital, executes paired legs, and
manages position health until exit.`,
	}
	// Accept --log_level as --log-level and so on.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the arbitrage engine",
		Long:  "Starts every component loop and runs until interrupted.",
		RunE:  runEngine,
	}

	breakerCmd := &cobra.Command{
		Use:   "breaker-reset",
		Short: "Clear a latched circuit breaker",
		Long: `Publishes a breaker reset to a running engine over the redis bus.
The breaker never clears on its own; this is the explicit operator action.`,
		RunE: runBreakerReset,
	}
	breakerCmd.Flags().String("reason", "operator reset", "Reason recorded with the reset")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(breakerCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zerolog.SetGlobalLevel(parsed)
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		log.Info().Msg("no config file given, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	select {
	case err := <-done:
		eng.Close()
		return err
	case <-ctx.Done():
	}

	log.Info().Dur("grace", shutdownGrace).Msg("shutting down")
	select {
	case err := <-done:
		eng.Close()
		return err
	case <-time.After(shutdownGrace):
		eng.Close()
		return fmt.Errorf("shutdown grace period expired")
	}
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return fmt.Errorf("breaker-reset needs the redis bus; enable redis in the config")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	reason, _ := cmd.Flags().GetString("reason")
	hostname, _ := os.Hostname()

	b := bus.NewRedis(rdb, "fundarb")
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.Publish(ctx, domain.TopicBreakerReset, domain.BreakerReset{
		Reason:      reason,
		RequestedBy: hostname,
	}); err != nil {
		return fmt.Errorf("failed to publish breaker reset: %w", err)
	}

	log.Info().Str("reason", reason).Msg("breaker reset published")
	return nil
}
