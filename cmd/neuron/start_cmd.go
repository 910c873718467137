package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/axon-health/neuron/pkg/config"
	"github.com/axon-health/neuron/pkg/daemon"
)

// runStartCmd loads the configuration and runs the daemon in the
// foreground until a signal arrives.
func runStartCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("start", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cfgPath string
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return exitBadConfig
	}

	log := newLogger(cfg.Log.Level, stderr)
	slog.SetDefault(log)

	d, err := daemon.New(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return exitBadConfig
	}
	fmt.Fprintf(stdout, "neuron daemon starting for %s (npi %s)\n",
		cfg.Organization.Name, cfg.Organization.NPI)
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// newLogger maps the configured level string onto a text handler.
func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
