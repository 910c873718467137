package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/axon-health/neuron/pkg/config"
	"github.com/axon-health/neuron/pkg/daemon"
)

// runStopCmd signals the daemon named by the pidfile and waits for the
// process to exit.
func runStopCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("stop", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		cfgPath string
		wait    time.Duration
	)
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	cmd.DurationVar(&wait, "wait", 20*time.Second, "how long to wait for the daemon to exit")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "stop: %v\n", err)
		return exitBadConfig
	}

	pidPath := daemon.PidfilePath(cfg.Storage.Path)
	raw, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Fprintln(stderr, "stop: daemon is not running (no pidfile)")
		return exitDaemonDown
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		fmt.Fprintf(stderr, "stop: malformed pidfile %s\n", pidPath)
		return exitFailure
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			_ = os.Remove(pidPath)
			fmt.Fprintln(stderr, "stop: daemon is not running (stale pidfile removed)")
			return exitDaemonDown
		}
		fmt.Fprintf(stderr, "stop: %v\n", err)
		return exitFailure
	}

	// Signal 0 probes for existence without delivering anything.
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			fmt.Fprintln(stdout, "daemon stopped")
			return exitOK
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintf(stderr, "stop: pid %d still running after %s\n", pid, wait)
	return exitFailure
}
