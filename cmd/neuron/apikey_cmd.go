package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/axon-health/neuron/pkg/apikey"
	"github.com/axon-health/neuron/pkg/config"
	"github.com/axon-health/neuron/pkg/storage"
)

// runAPIKeyCmd manages REST API keys directly against the database, so it
// works whether or not the daemon is running.
func runAPIKeyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: neuron api-key <create|revoke|list> [flags]")
		return exitBadConfig
	}
	switch args[0] {
	case "create":
		return runAPIKeyCreate(args[1:], stdout, stderr)
	case "revoke":
		return runAPIKeyRevoke(args[1:], stdout, stderr)
	case "list":
		return runAPIKeyList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown api-key command: %s\n", args[0])
		return exitBadConfig
	}
}

func runAPIKeyCreate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("api-key create", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		cfgPath string
		name    string
	)
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	cmd.StringVar(&name, "name", "", "a label for the key, e.g. the consumer's name (required)")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}
	if name == "" {
		fmt.Fprintln(stderr, "api-key create: --name is required")
		return exitBadConfig
	}

	keys, closeStore, code := openKeyStore(cfgPath, stderr)
	if code != exitOK {
		return code
	}
	defer closeStore()

	key, plaintext, err := keys.Create(context.Background(), name)
	if err != nil {
		fmt.Fprintf(stderr, "api-key create: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "key id: %s\n", key.KeyID)
	fmt.Fprintf(stdout, "key:    %s\n", plaintext)
	fmt.Fprintln(stdout, "store the key now; it cannot be shown again")
	return exitOK
}

func runAPIKeyRevoke(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("api-key revoke", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		cfgPath string
		id      string
	)
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	cmd.StringVar(&id, "id", "", "the key id to revoke (required)")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}
	if id == "" {
		fmt.Fprintln(stderr, "api-key revoke: --id is required")
		return exitBadConfig
	}

	keys, closeStore, code := openKeyStore(cfgPath, stderr)
	if code != exitOK {
		return code
	}
	defer closeStore()

	if err := keys.Revoke(context.Background(), id); err != nil {
		fmt.Fprintf(stderr, "api-key revoke: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "key %s revoked\n", id)
	return exitOK
}

func runAPIKeyList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("api-key list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cfgPath string
	cmd.StringVar(&cfgPath, "config", "", "configuration file (default ./neuron.yaml)")
	if err := cmd.Parse(args); err != nil {
		return exitBadConfig
	}

	keys, closeStore, code := openKeyStore(cfgPath, stderr)
	if code != exitOK {
		return code
	}
	defer closeStore()

	list, err := keys.List(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "api-key list: %v\n", err)
		return exitFailure
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "no api keys")
		return exitOK
	}
	for _, k := range list {
		state := "active"
		if k.Revoked() {
			state = "revoked " + k.RevokedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(stdout, "%s  %s  created %s  %s\n",
			k.KeyID, k.Name, k.CreatedAt.Format(time.RFC3339), state)
	}
	return exitOK
}

// openKeyStore loads the configuration and opens the shared database. The
// WAL journal and busy timeout make this safe next to a running daemon.
func openKeyStore(cfgPath string, stderr io.Writer) (*apikey.Store, func(), int) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "api-key: %v\n", err)
		return nil, nil, exitBadConfig
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(stderr, "api-key: %v\n", err)
		return nil, nil, exitFailure
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		fmt.Fprintf(stderr, "api-key: %v\n", err)
		return nil, nil, exitFailure
	}
	return apikey.NewStore(db), func() { _ = db.Close() }, exitOK
}
