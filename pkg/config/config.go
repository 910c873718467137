// Package config loads and validates the daemon configuration. Precedence
// is defaults < config file < environment. Environment overrides use the
// NEURON_ prefix with "__" as the path separator, so server.port becomes
// NEURON_SERVER__PORT. The loaded Config is a plain value; collaborators
// receive copies of the fields they need and nothing mutates it after load.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/axon-health/neuron/pkg/npi"
	"github.com/axon-health/neuron/pkg/schema"
)

const (
	envPrefix       = "NEURON"
	defaultFileName = "neuron"
)

// Organization identifies the practice to the directory and on the LAN.
type Organization struct {
	NPI  string `mapstructure:"npi" json:"npi" yaml:"npi"`
	Name string `mapstructure:"name" json:"name" yaml:"name"`
	Type string `mapstructure:"type" json:"type" yaml:"type"`
}

// Server configures the shared REST + WebSocket listener.
type Server struct {
	Port int    `mapstructure:"port" json:"port" yaml:"port"`
	Host string `mapstructure:"host" json:"host" yaml:"host"`
}

// WebSocket configures the handshake broker.
type WebSocket struct {
	Path                    string `mapstructure:"path" json:"path" yaml:"path"`
	MaxConcurrentHandshakes int    `mapstructure:"maxConcurrentHandshakes" json:"maxConcurrentHandshakes" yaml:"maxConcurrentHandshakes"`
	AuthTimeoutMs           int    `mapstructure:"authTimeoutMs" json:"authTimeoutMs" yaml:"authTimeoutMs"`
	QueueTimeoutMs          int    `mapstructure:"queueTimeoutMs" json:"queueTimeoutMs" yaml:"queueTimeoutMs"`
	MaxPayloadBytes         int64  `mapstructure:"maxPayloadBytes" json:"maxPayloadBytes" yaml:"maxPayloadBytes"`
}

func (w WebSocket) AuthTimeout() time.Duration {
	return time.Duration(w.AuthTimeoutMs) * time.Millisecond
}

func (w WebSocket) QueueTimeout() time.Duration {
	return time.Duration(w.QueueTimeoutMs) * time.Millisecond
}

// Storage locates the embedded database file.
type Storage struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

// Audit locates the hash-chained journal.
type Audit struct {
	Path    string `mapstructure:"path" json:"path" yaml:"path"`
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

// LocalNetwork toggles LAN advertisement.
type LocalNetwork struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

// Heartbeat sets the healthy-state cadence for directory liveness.
type Heartbeat struct {
	IntervalMs int `mapstructure:"intervalMs" json:"intervalMs" yaml:"intervalMs"`
}

func (h Heartbeat) Interval() time.Duration { return time.Duration(h.IntervalMs) * time.Millisecond }

// Axon points at the national directory.
type Axon struct {
	RegistryURL      string `mapstructure:"registryUrl" json:"registryUrl" yaml:"registryUrl"`
	EndpointURL      string `mapstructure:"endpointUrl" json:"endpointUrl" yaml:"endpointUrl"`
	BackoffCeilingMs int    `mapstructure:"backoffCeilingMs" json:"backoffCeilingMs" yaml:"backoffCeilingMs"`
}

func (a Axon) BackoffCeiling() time.Duration {
	return time.Duration(a.BackoffCeilingMs) * time.Millisecond
}

// RateLimit is the per-key token bucket shape.
type RateLimit struct {
	MaxRequests int `mapstructure:"maxRequests" json:"maxRequests" yaml:"maxRequests"`
	WindowMs    int `mapstructure:"windowMs" json:"windowMs" yaml:"windowMs"`
}

func (r RateLimit) Window() time.Duration { return time.Duration(r.WindowMs) * time.Millisecond }

// CORS is the REST allow-list; ["*"] allows all origins.
type CORS struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins" json:"allowedOrigins" yaml:"allowedOrigins"`
}

// API groups the REST surface settings.
type API struct {
	RateLimit RateLimit `mapstructure:"rateLimit" json:"rateLimit" yaml:"rateLimit"`
	CORS      CORS      `mapstructure:"cors" json:"cors" yaml:"cors"`
}

// Log sets the slog level.
type Log struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"`
}

// Config is the full daemon configuration.
type Config struct {
	Organization Organization `mapstructure:"organization" json:"organization" yaml:"organization"`
	Server       Server       `mapstructure:"server" json:"server" yaml:"server"`
	WebSocket    WebSocket    `mapstructure:"websocket" json:"websocket" yaml:"websocket"`
	Storage      Storage      `mapstructure:"storage" json:"storage" yaml:"storage"`
	Audit        Audit        `mapstructure:"audit" json:"audit" yaml:"audit"`
	LocalNetwork LocalNetwork `mapstructure:"localNetwork" json:"localNetwork" yaml:"localNetwork"`
	Heartbeat    Heartbeat    `mapstructure:"heartbeat" json:"heartbeat" yaml:"heartbeat"`
	Axon         Axon         `mapstructure:"axon" json:"axon" yaml:"axon"`
	API          API          `mapstructure:"api" json:"api" yaml:"api"`
	Log          Log          `mapstructure:"log" json:"log" yaml:"log"`
}

// defaults maps every known key to its default value. Registering each key
// individually is what lets viper apply environment overrides during
// Unmarshal.
var defaults = map[string]any{
	"organization.npi":                  "",
	"organization.name":                 "",
	"organization.type":                 "practice",
	"server.port":                       3000,
	"server.host":                       "0.0.0.0",
	"websocket.path":                    "/ws/handshake",
	"websocket.maxConcurrentHandshakes": 10,
	"websocket.authTimeoutMs":           10000,
	"websocket.queueTimeoutMs":          30000,
	"websocket.maxPayloadBytes":         65536,
	"storage.path":                      "./data/neuron.db",
	"audit.path":                        "./data/audit.jsonl",
	"audit.enabled":                     true,
	"localNetwork.enabled":              false,
	"heartbeat.intervalMs":              60000,
	"axon.registryUrl":                  "",
	"axon.endpointUrl":                  "",
	"axon.backoffCeilingMs":             300000,
	"api.rateLimit.maxRequests":         100,
	"api.rateLimit.windowMs":            60000,
	"api.cors.allowedOrigins":           []string{},
	"log.level":                         "info",
}

// Default returns the built-in configuration. Organization and axon fields
// are intentionally empty; Load rejects a config that leaves them unset.
func Default() Config {
	var cfg Config
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads the configuration from path (or ./neuron.yaml when path is
// empty), applies environment overrides, and validates the result. A .env
// file in the working directory is honored in development.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(defaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Pure env/default operation is allowed; only a present but
			// unreadable file is fatal.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its schema plus the one check a
// schema cannot express, the NPI check digit.
func (c Config) Validate() error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	if err := schema.ValidateJSON(schema.Config, raw); err != nil {
		return err
	}
	if err := npi.Validate(c.Organization.NPI); err != nil {
		return fmt.Errorf("organization.npi: %w", err)
	}
	return nil
}
