package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Starter returns the configuration written by `neuron init`: the defaults
// plus placeholder organization and directory values the operator must fill
// in before the daemon will pass validation.
func Starter() Config {
	cfg := Default()
	cfg.Organization = Organization{
		NPI:  "0000000000",
		Name: "Example Practice",
		Type: "practice",
	}
	cfg.Axon = Axon{
		RegistryURL:      "https://registry.axon.health",
		EndpointURL:      "wss://neuron.example.com",
		BackoffCeilingMs: cfg.Axon.BackoffCeilingMs,
	}
	return cfg
}

// WriteStarter marshals cfg to YAML at path, creating parent directories.
// It refuses to overwrite an existing file unless force is set.
func WriteStarter(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode starter config: %w", err)
	}
	header := []byte("# Neuron configuration. Fill in organization and axon before `neuron start`.\n# Any value can be overridden with NEURON_<SECTION>__<KEY> environment variables.\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("write starter config: %w", err)
	}
	return nil
}
