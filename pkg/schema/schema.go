// Package schema holds the JSON Schema documents that define every wire
// entity the daemon accepts: the configuration file, the handshake auth
// frame, consent token claims, IPC requests, and the REST provider-create
// payload. Each document is compiled once and doubles as an OpenAPI
// component fragment, so the schemas are the single source of truth for
// both validation and documentation.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Entity names, as used with Validate and Raw.
const (
	Config         = "config"
	ConsentClaims  = "consent_claims"
	HandshakeAuth  = "handshake_auth"
	IPCRequest     = "ipc_request"
	ProviderCreate = "provider_create"
)

var entityNames = []string{Config, ConsentClaims, HandshakeAuth, IPCRequest, ProviderCreate}

const baseURL = "https://schemas.axon.health/neuron/"

// ValidationError reports a schema violation with one detail line per
// failing leaf, suitable for the REST error envelope.
type ValidationError struct {
	Entity  string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s failed schema validation", e.Entity)
	}
	return fmt.Sprintf("%s failed schema validation: %s", e.Entity, strings.Join(e.Details, "; "))
}

// Registry holds the compiled schemas and their raw JSON documents.
type Registry struct {
	compiled map[string]*jsonschema.Schema
	raw      map[string]json.RawMessage
}

// NewRegistry compiles every embedded schema document.
func NewRegistry() (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	r := &Registry{
		compiled: make(map[string]*jsonschema.Schema, len(entityNames)),
		raw:      make(map[string]json.RawMessage, len(entityNames)),
	}
	for _, name := range entityNames {
		data, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		url := baseURL + name + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", name, err)
		}
		r.raw[name] = json.RawMessage(data)
	}
	for _, name := range entityNames {
		compiled, err := c.Compile(baseURL + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		r.compiled[name] = compiled
	}
	return r, nil
}

// Validate checks a decoded JSON value against the named entity schema.
// Violations come back as a *ValidationError.
func (r *Registry) Validate(name string, doc any) error {
	s, ok := r.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema entity %q", name)
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return &ValidationError{Entity: name, Details: flatten(ve)}
		}
		return &ValidationError{Entity: name, Details: []string{err.Error()}}
	}
	return nil
}

// ValidateJSON decodes raw JSON (numbers preserved) and validates it.
func (r *Registry) ValidateJSON(name string, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &ValidationError{Entity: name, Details: []string{"malformed JSON: " + err.Error()}}
	}
	return r.Validate(name, doc)
}

// Raw returns the schema document for an entity, for embedding in the
// OpenAPI components section.
func (r *Registry) Raw(name string) (json.RawMessage, bool) {
	raw, ok := r.raw[name]
	return raw, ok
}

// Entities lists the registered entity names.
func (r *Registry) Entities() []string {
	out := make([]string, len(entityNames))
	copy(out, entityNames)
	return out
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flatten walks the cause tree and keeps leaf messages, each prefixed with
// its instance location.
func flatten(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the process-wide registry, compiled on first use.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = NewRegistry()
	})
	return defaultReg, defaultErr
}

// Validate checks a decoded value against the named schema in the default
// registry.
func Validate(name string, doc any) error {
	r, err := Default()
	if err != nil {
		return err
	}
	return r.Validate(name, doc)
}

// ValidateJSON checks raw JSON against the named schema in the default
// registry.
func ValidateJSON(name string, raw []byte) error {
	r, err := Default()
	if err != nil {
		return err
	}
	return r.ValidateJSON(name, raw)
}
