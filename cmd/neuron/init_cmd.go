package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/axon-health/neuron/pkg/config"
)

// runInitCmd writes a commented starter configuration and creates the
// data directory it points at.
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		out   string
		force bool
	)
	cmd.StringVar(&out, "config", "neuron.yaml", "where to write the starter configuration")
	cmd.BoolVar(&force, "force", false, "overwrite an existing file")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}

	cfg := config.Starter()
	if err := config.WriteStarter(out, cfg, force); err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return exitFailure
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		fmt.Fprintf(stderr, "init: create data directory: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "wrote %s\n", out)
	fmt.Fprintln(stdout, "fill in the organization and axon sections, then run `neuron start`")
	return exitOK
}
