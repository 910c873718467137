// Package axon is the HTTP client for the Axon registry: organization
// registration, heartbeats, and the provider directory. It does not retry;
// the registration controller owns backoff policy and feeds on the typed
// errors returned here.
package axon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	requestTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

// RejectedError is a definitive registry refusal (4xx). Retrying the same
// request will not help.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("axon registry rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("axon registry rejected request (%d)", e.StatusCode)
}

// UnreachableError is a transient failure: transport error or 5xx.
type UnreachableError struct {
	StatusCode int
	Err        error
}

func (e *UnreachableError) Error() string {
	if e.Err != nil {
		return "axon registry unreachable: " + e.Err.Error()
	}
	return fmt.Sprintf("axon registry unavailable (%d)", e.StatusCode)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// RegisterRequest announces this neuron to the registry.
type RegisterRequest struct {
	NPI         string `json:"npi"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	EndpointURL string `json:"endpoint_url"`
}

// RegisterResponse carries the registry-assigned identity.
type RegisterResponse struct {
	RegistrationID string `json:"registration_id"`
	BearerToken    string `json:"bearer_token"`
}

// HeartbeatRequest reports liveness.
type HeartbeatRequest struct {
	Status              string `json:"status"`
	ActiveRelationships int    `json:"active_relationships"`
}

// HeartbeatResponse acknowledges a beat.
type HeartbeatResponse struct {
	ReceivedAt string `json:"received_at"`
}

// ProviderRequest publishes one provider to the directory.
type ProviderRequest struct {
	NPI       string   `json:"npi"`
	Name      string   `json:"name,omitempty"`
	Types     []string `json:"types,omitempty"`
	Specialty string   `json:"specialty,omitempty"`
}

// ProviderResponse is the directory's record of a provider.
type ProviderResponse struct {
	DirectoryID  string `json:"directory_id"`
	AgentAddress string `json:"agent_address"`
}

// Client talks to one registry base URL.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the registry at base.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// WithHTTPClient overrides the transport for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// RegisterOrganization registers this neuron and returns its identity.
func (c *Client) RegisterOrganization(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var out RegisterResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/organizations", "", req, &out)
	return out, err
}

// Heartbeat reports liveness for a registered neuron.
func (c *Client) Heartbeat(ctx context.Context, registrationID, token string, req HeartbeatRequest) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	path := "/v1/organizations/" + url.PathEscape(registrationID) + "/heartbeat"
	err := c.doJSON(ctx, http.MethodPost, path, token, req, &out)
	return out, err
}

// RegisterProvider publishes a provider under this organization.
func (c *Client) RegisterProvider(ctx context.Context, registrationID, token string, req ProviderRequest) (ProviderResponse, error) {
	var out ProviderResponse
	path := "/v1/organizations/" + url.PathEscape(registrationID) + "/providers"
	err := c.doJSON(ctx, http.MethodPost, path, token, req, &out)
	return out, err
}

// RemoveProvider withdraws a provider from the directory.
func (c *Client) RemoveProvider(ctx context.Context, registrationID, token, npi string) error {
	path := "/v1/organizations/" + url.PathEscape(registrationID) + "/providers/" + url.PathEscape(npi)
	return c.doJSON(ctx, http.MethodDelete, path, token, nil, nil)
}

// registryError is the registry's error envelope.
type registryError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "neuron")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnreachableError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &UnreachableError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &UnreachableError{Err: fmt.Errorf("decode %s %s response: %w", method, path, err)}
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var re registryError
		_ = json.Unmarshal(raw, &re)
		return &RejectedError{StatusCode: resp.StatusCode, Code: re.Error, Message: re.Message}
	default:
		return &UnreachableError{StatusCode: resp.StatusCode}
	}
}
