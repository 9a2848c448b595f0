// plogd receives fragmented log messages over UDP and forwards them.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/plogd/plogd/internal/config"
	"github.com/plogd/plogd/internal/logging/loki"
	"github.com/plogd/plogd/internal/server"
	"github.com/plogd/plogd/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	// Invoked by the service manager
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plogd",
		Short: "plogd - UDP log ingestion daemon",
		Long: `plogd receives log messages over UDP, reassembles fragmented messages,
estimates packet loss and forwards complete messages to console, Kafka,
Loki or live websocket subscribers.

Examples:
  # Run with the built-in defaults (UDP on 0.0.0.0:23456, console output)
  plogd serve

  # Run with a config file
  plogd serve --config /etc/plogd/plogd.yaml

  # Send a tagged message
  echo "hello" | plogd send --tag kt:audit

  # Ask a running daemon for its statistics
  plogd cmd STAT

  # Load test a daemon with 1% simulated packet loss
  plogd stress --threads 4 --loss 0.01`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (overrides the config file)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newCommandCmd())
	rootCmd.AddCommand(newStressCmd())
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "plogd %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		setupLogging(logLevel)
		return err
	}
	level := cfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	setupLogging(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return runWithConfig(ctx, cfg)
}

// runDaemon is the service entry point.
func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return runWithConfig(ctx, cfg)
}

func runWithConfig(ctx context.Context, cfg *config.Config) error {
	if cfg.LogShipping.URL != "" {
		stop := startLogShipping(cfg.LogShipping)
		defer stop()
	}

	srv, err := server.New(cfg, server.Options{Version: Version})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// startLogShipping tees the global logger to Loki and returns the function
// that flushes and restores it.
func startLogShipping(cfg config.LogShippingConfig) func() {
	labels := map[string]string{"version": Version}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	w := loki.NewWriter(loki.Config{
		URL:           cfg.URL,
		Labels:        labels,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval.D(),
	})
	w.Start()

	previous := log.Logger
	log.Logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, w))
	log.Info().Str("url", cfg.URL).Msg("Loki log shipping enabled")

	return func() {
		log.Logger = previous
		w.Stop()
		if n := w.FlushErrors(); n > 0 {
			log.Warn().Uint64("errors", n).Msg("some logs were not shipped to Loki")
		}
	}
}

// runAsService runs plogd under the service manager, which starts it with
// ServiceRunFlag.
func runAsService() {
	setupServiceLogging()

	configPath := ""
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	log.Info().
		Str("config", configPath).
		Str("version", Version).
		Msg("starting as service")

	cfg := svc.NewDefaultServiceConfig()
	cfg.ConfigPath = configPath
	prg := &svc.Program{ConfigPath: configPath, Run: runDaemon}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service failed")
	}
}

// setupServiceLogging also writes to a file, since service managers do not
// all keep stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/plogd-service.log"
	if runtime.GOOS == "windows" {
		logPath = os.Getenv("ProgramData") + `\plogd\plogd-service.log`
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}
