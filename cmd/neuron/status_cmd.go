package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runStatusCmd asks the running daemon for its composite status over the
// control socket.
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cfgPath string
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}

	data, code := ipcCall(cfgPath, "status", nil, stderr)
	if code != exitOK {
		return code
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(data))
		return exitOK
	}
	fmt.Fprintln(stdout, buf.String())
	return exitOK
}
