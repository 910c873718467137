package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

// runProviderCmd manages provider registrations through a running daemon.
func runProviderCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: neuron provider <add|remove|list> [flags]")
		return exitBadConfig
	}
	switch args[0] {
	case "add":
		return runProviderAdd(args[1:], stdout, stderr)
	case "remove":
		return runProviderRemove(args[1:], stdout, stderr)
	case "list":
		return runProviderList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown provider command: %s\n", args[0])
		return exitBadConfig
	}
}

func runProviderAdd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("provider add", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		cfgPath   string
		npi       string
		name      string
		types     string
		specialty string
	)
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	cmd.StringVar(&npi, "npi", "", "the provider's 10-digit NPI (required)")
	cmd.StringVar(&name, "name", "", "display name")
	cmd.StringVar(&types, "types", "", "comma-separated provider types")
	cmd.StringVar(&specialty, "specialty", "", "primary specialty")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}
	if npi == "" {
		fmt.Fprintln(stderr, "provider add: --npi is required")
		return exitBadConfig
	}

	callArgs := map[string]any{"npi": npi}
	if name != "" {
		callArgs["name"] = name
	}
	if types != "" {
		callArgs["types"] = splitList(types)
	}
	if specialty != "" {
		callArgs["specialty"] = specialty
	}

	data, code := ipcCall(cfgPath, "provider.add", callArgs, stderr)
	if code != exitOK {
		return code
	}
	var p providerView
	if err := json.Unmarshal(data, &p); err != nil {
		fmt.Fprintf(stderr, "provider add: malformed daemon reply: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "provider %s registered (status %s)\n", p.NPI, p.Status)
	if p.DirectoryID != "" {
		fmt.Fprintf(stdout, "directory id: %s\n", p.DirectoryID)
	}
	return exitOK
}

func runProviderRemove(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("provider remove", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		cfgPath string
		npi     string
	)
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	cmd.StringVar(&npi, "npi", "", "the provider's 10-digit NPI (required)")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}
	if npi == "" {
		fmt.Fprintln(stderr, "provider remove: --npi is required")
		return exitBadConfig
	}

	_, code := ipcCall(cfgPath, "provider.remove", map[string]any{"npi": npi}, stderr)
	if code != exitOK {
		return code
	}
	fmt.Fprintf(stdout, "provider %s removed\n", npi)
	return exitOK
}

func runProviderList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("provider list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cfgPath string
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}

	data, code := ipcCall(cfgPath, "provider.list", nil, stderr)
	if code != exitOK {
		return code
	}
	var providers []providerView
	if err := json.Unmarshal(data, &providers); err != nil {
		fmt.Fprintf(stderr, "provider list: malformed daemon reply: %v\n", err)
		return exitFailure
	}
	if len(providers) == 0 {
		fmt.Fprintln(stdout, "no providers registered")
		return exitOK
	}
	for _, p := range providers {
		line := p.NPI
		if p.Name != "" {
			line += "  " + p.Name
		}
		if p.Specialty != "" {
			line += "  (" + p.Specialty + ")"
		}
		line += "  " + p.Status
		fmt.Fprintln(stdout, line)
	}
	return exitOK
}

// providerView mirrors the registration record fields the CLI prints.
type providerView struct {
	NPI         string    `json:"provider_npi"`
	Name        string    `json:"provider_name"`
	Specialty   string    `json:"specialty"`
	DirectoryID string    `json:"directory_id"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
