// Command neuron runs the organization trust broker and its operator
// tooling.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/axon-health/neuron/pkg/config"
	"github.com/axon-health/neuron/pkg/ipc"
)

// Exit codes shared by every subcommand.
const (
	exitOK         = 0
	exitFailure    = 1
	exitBadConfig  = 2
	exitDaemonDown = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand. It exists apart from main so tests can
// drive the CLI in-process.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitBadConfig
	}
	switch args[1] {
	case "init":
		return runInitCmd(args[2:], stdout, stderr)
	case "start":
		return runStartCmd(args[2:], stdout, stderr)
	case "stop":
		return runStopCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "provider":
		return runProviderCmd(args[2:], stdout, stderr)
	case "api-key":
		return runAPIKeyCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitBadConfig
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "neuron - organization trust broker for the Axon agent network")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  neuron <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init          write a starter neuron.yaml")
	fmt.Fprintln(w, "  start         run the daemon in the foreground")
	fmt.Fprintln(w, "  stop          signal a running daemon and wait for it to exit")
	fmt.Fprintln(w, "  status        show the running daemon's composite status")
	fmt.Fprintln(w, "  provider      add, remove or list provider registrations")
	fmt.Fprintln(w, "  api-key       create, revoke or list REST API keys")
	fmt.Fprintln(w, "  verify-audit  check the audit journal hash chain")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes: 0 ok, 1 failure, 2 bad usage or config, 3 daemon not running")
}

// ipcCall loads the configuration, dials the control socket and runs one
// command. The int is an exit code; it is exitOK only when data is valid.
func ipcCall(cfgPath, cmd string, args any, stderr io.Writer) (json.RawMessage, int) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return nil, exitBadConfig
	}
	data, err := ipc.NewClient(ipc.SocketPath(cfg.Storage.Path)).Call(cmd, args)
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(stderr, "%s: daemon is not running (start it with `neuron start`)\n", cmd)
			return nil, exitDaemonDown
		}
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return nil, exitFailure
	}
	return data, exitOK
}
