package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benaskins/hello-docker/internal/config"
	"github.com/benaskins/hello-docker/internal/health"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the health endpoint of a running instance",
	Long: `Probe a running hello-docker instance and exit non-zero if it is unhealthy.

The port defaults to the one "serve" would bind with the same config and
environment, so "hello-docker probe" works as a container HEALTHCHECK.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

var probeOpts struct {
	configPath string
	host       string
	port       int
	path       string
	checkType  string
	timeout    time.Duration
	watch      bool
	interval   time.Duration
	threshold  int
}

func init() {
	f := probeCmd.Flags()
	f.StringVarP(&probeOpts.configPath, "config", "c", os.Getenv("HELLO_CONFIG"), "Path to a YAML config file")
	f.StringVar(&probeOpts.host, "host", "127.0.0.1", "Host to probe")
	f.IntVarP(&probeOpts.port, "port", "p", 0, "Port to probe (default from config)")
	f.StringVar(&probeOpts.path, "path", "/health", "Health endpoint path")
	f.StringVar(&probeOpts.checkType, "type", "http", "Probe type: http or tcp")
	f.DurationVar(&probeOpts.timeout, "timeout", health.DefaultTimeout, "Timeout per probe")
	f.BoolVarP(&probeOpts.watch, "watch", "w", false, "Keep probing until the instance turns unhealthy")
	f.DurationVar(&probeOpts.interval, "interval", health.DefaultInterval, "Time between probes with --watch")
	f.IntVar(&probeOpts.threshold, "threshold", 3, "Consecutive failures before unhealthy with --watch")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	port := probeOpts.port
	if port == 0 {
		cfg, err := loadConfig(probeOpts.configPath, config.Overrides{})
		if err != nil {
			return err
		}
		port = cfg.Port
	}

	hc := health.Config{
		Type:               probeOpts.checkType,
		Host:               probeOpts.host,
		Port:               port,
		Path:               probeOpts.path,
		Interval:           probeOpts.interval,
		Timeout:            probeOpts.timeout,
		UnhealthyThreshold: probeOpts.threshold,
	}
	target := fmt.Sprintf("%s://%s:%d%s", hc.Type, hc.Host, hc.Port, hc.Path)
	if hc.Type == "tcp" {
		target = fmt.Sprintf("tcp://%s:%d", hc.Host, hc.Port)
	}

	if probeOpts.watch {
		return watchProbe(cmd, hc, target)
	}

	out := cmd.OutOrStdout()
	if err := health.Check(cmd.Context(), hc); err != nil {
		fmt.Fprintf(out, "%s  %s\n      %s\n", failStyle.Render("FAIL"), target, dimStyle.Render(err.Error()))
		return fmt.Errorf("%s is unhealthy: %w", target, err)
	}
	fmt.Fprintf(out, "%s    %s\n", okStyle.Render("OK"), target)
	return nil
}

func watchProbe(cmd *cobra.Command, hc health.Config, target string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	unhealthy := make(chan struct{})
	var once sync.Once
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "probe", "target", target)
	m := health.NewMonitor(hc, logger, func() { once.Do(func() { close(unhealthy) }) })
	m.Start(ctx)
	defer m.Stop()

	select {
	case <-unhealthy:
		return fmt.Errorf("%s is unhealthy", target)
	case <-ctx.Done():
		return nil
	}
}
