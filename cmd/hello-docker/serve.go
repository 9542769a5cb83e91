package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benaskins/hello-docker/internal/api"
	"github.com/benaskins/hello-docker/internal/buildinfo"
	"github.com/benaskins/hello-docker/internal/config"
	"github.com/benaskins/hello-docker/internal/greeting"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the greeting service",
	Long: `Serve GET / (variant greeting) and GET /health.

Variants: docker (port 5000), python (port 8000), go (port 8080).
ENVIRONMENT and APP_VERSION populate the greeting. PORT sets the port of
the go variant; --port or a config file sets it for any variant.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveOpts struct {
	configPath string
	variant    greeting.Variant
	host       string
	port       int
	logLevel   string
	logFormat  string
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveOpts.configPath, "config", "c", os.Getenv("HELLO_CONFIG"), "Path to a YAML config file")
	f.Var(&serveOpts.variant, "variant", "Service variant: docker, python, or go")
	f.StringVar(&serveOpts.host, "host", "", "Bind host (default 0.0.0.0)")
	f.IntVarP(&serveOpts.port, "port", "p", 0, "Bind port (default depends on variant)")
	f.StringVar(&serveOpts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&serveOpts.logFormat, "log-format", "", "Log format: text or json")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig(path string, o config.Overrides) (*config.Config, error) {
	return config.Load(path, o, os.LookupEnv)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveOpts.configPath, config.Overrides{
		Variant:   serveOpts.variant,
		Host:      serveOpts.host,
		Port:      serveOpts.port,
		LogLevel:  serveOpts.logLevel,
		LogFormat: serveOpts.logFormat,
	})
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	info := buildinfo.Get()
	logger.Info("hello-docker starting",
		"variant", cfg.Variant,
		"environment", cfg.Environment,
		"build_version", info.Version,
		"commit", info.Commit,
	)

	srv := api.NewServer(cfg, logger)
	if err := srv.Listen(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving on %s: %w", srv.Addr(), err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("serving on %s: %w", srv.Addr(), err)
	}

	logger.Info("hello-docker stopped")
	return nil
}
