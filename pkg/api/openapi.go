package api

import (
	"encoding/json"
	"fmt"

	"github.com/axon-health/neuron/pkg/schema"
)

// routeDoc describes one REST operation for the generated document.
type routeDoc struct {
	method  string
	path    string
	summary string
	public  bool
	params  []string
	query   []string
	body    string
}

var routeDocs = []routeDoc{
	{method: "get", path: "/health", summary: "Liveness probe", public: true},
	{method: "get", path: "/openapi.json", summary: "This document", public: true},
	{method: "get", path: "/metrics", summary: "Prometheus exposition", public: true},
	{method: "get", path: "/v1/organization", summary: "Organization registration state"},
	{method: "get", path: "/v1/relationships", summary: "List relationships",
		query: []string{"status", "patient_agent_id", "provider_npi", "limit", "offset"}},
	{method: "get", path: "/v1/relationships/{id}", summary: "Fetch one relationship",
		params: []string{"id"}},
	{method: "get", path: "/v1/registrations", summary: "List provider registrations",
		query: []string{"limit", "offset"}},
	{method: "post", path: "/v1/registrations", summary: "Register a provider",
		body: schema.ProviderCreate},
	{method: "get", path: "/v1/registrations/{npi}", summary: "Fetch one provider registration",
		params: []string{"npi"}},
	{method: "get", path: "/v1/consent/status/{relationship_id}", summary: "Consent view of a relationship",
		params: []string{"relationship_id"}},
	{method: "get", path: "/v1/status", summary: "Composite daemon status"},
}

// BuildOpenAPI assembles the REST contract, embedding only the entity
// schemas the routes reference. The handshake and IPC envelopes are wire
// protocols, not REST payloads, so they stay out of this document. The
// output is stable for a given build.
func BuildOpenAPI(reg *schema.Registry) ([]byte, error) {
	paths := map[string]any{}
	referenced := map[string]bool{}
	for _, rd := range routeDocs {
		op := map[string]any{
			"summary":   rd.summary,
			"responses": map[string]any{"200": map[string]any{"description": "OK"}},
		}
		if !rd.public {
			op["security"] = []any{map[string]any{"apiKey": []any{}}}
		}
		var params []any
		for _, p := range rd.params {
			params = append(params, map[string]any{
				"name":     p,
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			})
		}
		for _, p := range rd.query {
			params = append(params, map[string]any{
				"name":   p,
				"in":     "query",
				"schema": map[string]any{"type": "string"},
			})
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if rd.body != "" {
			referenced[rd.body] = true
			op["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": map[string]any{"$ref": "#/components/schemas/" + rd.body},
					},
				},
			}
		}
		entry, ok := paths[rd.path].(map[string]any)
		if !ok {
			entry = map[string]any{}
			paths[rd.path] = entry
		}
		entry[rd.method] = op
	}

	schemas := map[string]any{}
	for name := range referenced {
		raw, ok := reg.Raw(name)
		if !ok {
			return nil, fmt.Errorf("openapi: no schema registered for %q", name)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("openapi: schema %s: %w", name, err)
		}
		schemas[name] = doc
	}

	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       "Neuron REST API",
			"description": "Administrative surface of the Neuron trust broker.",
			"version":     "1.0.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"apiKey": map[string]any{
					"type": "apiKey",
					"name": "X-API-Key",
					"in":   "header",
				},
			},
			"schemas": schemas,
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}
