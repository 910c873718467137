package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/axon-health/neuron/pkg/apikey"
	"github.com/axon-health/neuron/pkg/audit"
	"github.com/axon-health/neuron/pkg/axon"
	"github.com/axon-health/neuron/pkg/metrics"
	"github.com/axon-health/neuron/pkg/registration"
	"github.com/axon-health/neuron/pkg/relationship"
	"github.com/axon-health/neuron/pkg/storage"
)

type stubDirectory struct{}

func (stubDirectory) RegisterOrganization(ctx context.Context, req axon.RegisterRequest) (axon.RegisterResponse, error) {
	return axon.RegisterResponse{RegistrationID: "org-001", BearerToken: "tok-secret"}, nil
}

func (stubDirectory) Heartbeat(ctx context.Context, registrationID, token string, req axon.HeartbeatRequest) (axon.HeartbeatResponse, error) {
	return axon.HeartbeatResponse{ReceivedAt: "2025-06-01T12:00:00Z"}, nil
}

func (stubDirectory) RegisterProvider(ctx context.Context, registrationID, token string, req axon.ProviderRequest) (axon.ProviderResponse, error) {
	return axon.ProviderResponse{DirectoryID: "dir-" + req.NPI}, nil
}

func (stubDirectory) RemoveProvider(ctx context.Context, registrationID, token, npi string) error {
	return nil
}

type fixture struct {
	srv         *Server
	ts          *httptest.Server
	key         string
	keys        *apikey.Store
	neurons     *registration.NeuronStore
	providers   *registration.ProviderStore
	rels        *relationship.Store
	journalPath string
}

func newFixture(t *testing.T, mut func(*Config)) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "neuron.db"))
	if err != nil {
		t.Fatalf("storage.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	journalPath := filepath.Join(dir, "audit.jsonl")
	journal, err := audit.Open(journalPath, true)
	if err != nil {
		t.Fatalf("audit.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	keys := apikey.NewStore(db)
	neurons := registration.NewNeuronStore(db)
	providers := registration.NewProviderStore(db)
	rels := relationship.NewStore(db)

	ctrl := registration.New(registration.Config{
		Organization: registration.Organization{
			NPI:         "1234567893",
			Name:        "Sunrise Family Practice",
			Type:        "practice",
			RegistryURL: "https://registry.axon.example",
			EndpointURL: "wss://neuron.example.com",
		},
	}, neurons, providers, stubDirectory{}, journal)

	cfg := Config{
		Host:           "127.0.0.1",
		AllowedOrigins: []string{"https://admin.example.com"},
		MaxRequests:    100,
		Window:         time.Minute,
		WebSocketPath:  "/ws/handshake",
	}
	if mut != nil {
		mut(&cfg)
	}

	srv, err := New(cfg, Deps{
		Keys:          keys,
		Neurons:       neurons,
		Providers:     providers,
		Controller:    ctrl,
		Relationships: rels,
		Journal:       journal,
		Metrics:       metrics.New(),
		Status: func(ctx context.Context) (any, error) {
			return map[string]any{"state": "running"}, nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	_, plaintext, err := keys.Create(context.Background(), "test-key")
	if err != nil {
		t.Fatalf("Create() api key error: %v", err)
	}

	return &fixture{
		srv:         srv,
		ts:          ts,
		key:         plaintext,
		keys:        keys,
		neurons:     neurons,
		providers:   providers,
		rels:        rels,
		journalPath: journalPath,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	return resp
}

// get performs an authenticated GET.
func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return f.do(t, http.MethodGet, path, "", map[string]string{"X-API-Key": f.key})
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func (f *fixture) journalHas(t *testing.T, action string) bool {
	t.Helper()
	data, err := os.ReadFile(f.journalPath)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	return strings.Contains(string(data), `"action":"`+action+`"`)
}

func (f *fixture) seedRelationships(t *testing.T, n int) []relationship.Relationship {
	t.Helper()
	out := make([]relationship.Relationship, 0, n)
	for i := 0; i < n; i++ {
		rel, err := f.rels.Create(context.Background(),
			fmt.Sprintf("agent-%02d", i), fmt.Sprintf("pubkey-%02d", i), "1245319599",
			[]string{"office_visit"}, relationship.StatusActive)
		if err != nil {
			t.Fatalf("seed relationship %d: %v", i, err)
		}
		out = append(out, rel)
	}
	return out
}

func TestPublicRoutesSkipAuth(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/health", "/openapi.json", "/metrics"} {
		resp := f.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestMissingAndInvalidKeyRejected(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/v1/relationships", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key status = %d, want 401", resp.StatusCode)
	}
	var env errorBody
	decodeJSON(t, resp, &env)
	if env.Error != "missing_key" {
		t.Errorf("envelope error = %q, want missing_key", env.Error)
	}

	resp = f.do(t, http.MethodGet, "/v1/relationships", "", map[string]string{"X-API-Key": "nrn_bogus"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key status = %d, want 401", resp.StatusCode)
	}
	decodeJSON(t, resp, &env)
	if env.Error != "invalid_key" {
		t.Errorf("envelope error = %q, want invalid_key", env.Error)
	}

	if !f.journalHas(t, "auth_failure") {
		t.Error("auth failures were not journaled")
	}
}

func TestRevokedKeyRejected(t *testing.T) {
	f := newFixture(t, nil)

	key, plaintext, err := f.keys.Create(context.Background(), "doomed")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := f.keys.Revoke(context.Background(), key.KeyID); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	resp := f.do(t, http.MethodGet, "/v1/relationships", "", map[string]string{"X-API-Key": plaintext})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked key status = %d, want 401", resp.StatusCode)
	}
}

func TestRateLimitEnforced(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.MaxRequests = 3
		c.Window = time.Minute
	})

	for i := 0; i < 3; i++ {
		resp := f.get(t, "/v1/relationships")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := f.get(t, "/v1/relationships")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("throttled status = %d, want 429", resp.StatusCode)
	}
	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After %q is not an integer", resp.Header.Get("Retry-After"))
	}
	if retry < 1 || retry > 60 {
		t.Errorf("Retry-After = %d, want within [1,60]", retry)
	}
	var env errorBody
	decodeJSON(t, resp, &env)
	if env.Error != "rate_limited" {
		t.Errorf("envelope error = %q, want rate_limited", env.Error)
	}
	if !f.journalHas(t, "rate_limited") {
		t.Error("throttled request was not journaled")
	}
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodOptions, "/v1/relationships", "",
		map[string]string{"Origin": "https://admin.example.com"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Errorf("Allow-Origin = %q, want the requesting origin", got)
	}

	resp = f.do(t, http.MethodOptions, "/v1/relationships", "",
		map[string]string{"Origin": "https://evil.example.com"})
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for an origin off the list, want unset", got)
	}
}

func TestCORSWildcardAdmitsAnyOrigin(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowedOrigins = []string{"*"} })

	resp := f.do(t, http.MethodGet, "/health", "",
		map[string]string{"Origin": "https://anywhere.example.com"})
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://anywhere.example.com" {
		t.Errorf("Allow-Origin = %q, want the requesting origin", got)
	}
}

func TestRelationshipListPaginates(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRelationships(t, 5)

	resp := f.get(t, "/v1/relationships?limit=2&offset=4")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	body := readBody(t, resp)
	if strings.Contains(body, "patient_public_key") || strings.Contains(body, "pubkey-") {
		t.Fatal("listing leaked patient public keys")
	}
	var page relationshipPage
	if err := json.Unmarshal([]byte(body), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 5 || page.Limit != 2 || page.Offset != 4 {
		t.Errorf("page = total %d limit %d offset %d, want 5/2/4", page.Total, page.Limit, page.Offset)
	}
	if len(page.Items) != 1 {
		t.Errorf("len(items) = %d, want 1", len(page.Items))
	}
}

func TestRelationshipListClampsLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRelationships(t, 2)

	resp := f.get(t, "/v1/relationships?limit=9999&offset=-3")
	var page relationshipPage
	decodeJSON(t, resp, &page)
	if page.Limit != 100 {
		t.Errorf("limit = %d, want clamped to 100", page.Limit)
	}
	if page.Offset != 0 {
		t.Errorf("offset = %d, want clamped to 0", page.Offset)
	}

	resp = f.get(t, "/v1/relationships?limit=abc")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric limit status = %d, want 400", resp.StatusCode)
	}
}

func TestRelationshipStatusFilter(t *testing.T) {
	f := newFixture(t, nil)
	rels := f.seedRelationships(t, 3)
	if _, err := f.rels.Terminate(context.Background(), rels[0].RelationshipID, "patient_requested"); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}

	resp := f.get(t, "/v1/relationships?status=terminated")
	var page relationshipPage
	decodeJSON(t, resp, &page)
	if page.Total != 1 {
		t.Errorf("terminated total = %d, want 1", page.Total)
	}

	resp = f.get(t, "/v1/relationships?status=frozen")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status filter = %d, want 400", resp.StatusCode)
	}
}

func TestRelationshipGet(t *testing.T) {
	f := newFixture(t, nil)
	rels := f.seedRelationships(t, 1)

	resp := f.get(t, "/v1/relationships/"+rels[0].RelationshipID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var view relationship.View
	decodeJSON(t, resp, &view)
	if view.RelationshipID != rels[0].RelationshipID {
		t.Errorf("relationship_id = %q, want %q", view.RelationshipID, rels[0].RelationshipID)
	}

	resp = f.get(t, "/v1/relationships/rel-missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing id status = %d, want 404", resp.StatusCode)
	}
	var env errorBody
	decodeJSON(t, resp, &env)
	if env.Error != "not_found" {
		t.Errorf("envelope error = %q, want not_found", env.Error)
	}
}

func TestProviderCreate(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"npi":"1245319599","name":"Dr. Rivera","types":["physician"],"specialty":"cardiology"}`
	resp := f.do(t, http.MethodPost, "/v1/registrations", body,
		map[string]string{"X-API-Key": f.key, "Content-Type": "application/json"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", resp.StatusCode, readBody(t, resp))
	}
	var p registration.Provider
	decodeJSON(t, resp, &p)
	if p.NPI != "1245319599" {
		t.Errorf("provider_npi = %q, want 1245319599", p.NPI)
	}
	if !f.journalHas(t, "provider_added") {
		t.Error("provider create was not journaled")
	}

	resp = f.do(t, http.MethodPost, "/v1/registrations", body,
		map[string]string{"X-API-Key": f.key})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	var env errorBody
	decodeJSON(t, resp, &env)
	if env.Error != "conflict" {
		t.Errorf("envelope error = %q, want conflict", env.Error)
	}
}

func TestProviderCreateRejectsBadNPI(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/v1/registrations", `{"npi":"12345"}`,
		map[string]string{"X-API-Key": f.key})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short npi status = %d, want 400", resp.StatusCode)
	}
	var env errorBody
	decodeJSON(t, resp, &env)
	if env.Error != "schema_violation" || len(env.Details) == 0 {
		t.Errorf("envelope = %+v, want schema_violation with details", env)
	}

	// Passes the pattern but fails the checksum.
	resp = f.do(t, http.MethodPost, "/v1/registrations", `{"npi":"1245319598"}`,
		map[string]string{"X-API-Key": f.key})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("checksum-fail npi status = %d, want 400", resp.StatusCode)
	}
}

func TestProviderListAndGet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, npi := range []string{"1245319599", "1234567893", "1679576722"} {
		if _, err := f.providers.Upsert(ctx, registration.Provider{NPI: npi, Status: "pending"}); err != nil {
			t.Fatalf("Upsert(%s) error: %v", npi, err)
		}
	}

	resp := f.get(t, "/v1/registrations?limit=2")
	var page providerPage
	decodeJSON(t, resp, &page)
	if page.Total != 3 || len(page.Items) != 2 {
		t.Errorf("page = total %d items %d, want 3/2", page.Total, len(page.Items))
	}

	resp = f.get(t, "/v1/registrations/1234567893")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get provider status = %d, want 200", resp.StatusCode)
	}
	var p registration.Provider
	decodeJSON(t, resp, &p)
	if p.NPI != "1234567893" {
		t.Errorf("provider_npi = %q, want 1234567893", p.NPI)
	}

	resp = f.get(t, "/v1/registrations/1598765432")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing provider status = %d, want 404", resp.StatusCode)
	}
}

func TestConsentStatusView(t *testing.T) {
	f := newFixture(t, nil)
	rels := f.seedRelationships(t, 1)

	resp := f.get(t, "/v1/consent/status/"+rels[0].RelationshipID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("consent status = %d, want 200", resp.StatusCode)
	}
	var view consentStatusView
	decodeJSON(t, resp, &view)
	if view.Status != relationship.StatusActive {
		t.Errorf("status = %q, want active", view.Status)
	}
	if len(view.ConsentedActions) != 1 || view.ConsentedActions[0] != "office_visit" {
		t.Errorf("consented_actions = %v, want [office_visit]", view.ConsentedActions)
	}

	resp = f.get(t, "/v1/consent/status/rel-missing")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing relationship status = %d, want 404", resp.StatusCode)
	}
}

func TestOrganizationEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get(t, "/v1/organization")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("uninitialized organization status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	_, err := f.neurons.Ensure(context.Background(), registration.Organization{
		NPI: "1234567893", Name: "Sunrise Family Practice", Type: "practice",
		RegistryURL: "https://registry.axon.example", EndpointURL: "wss://neuron.example.com",
	})
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := f.neurons.SaveRegistered(context.Background(), "org-001", "tok-secret"); err != nil {
		t.Fatalf("SaveRegistered() error: %v", err)
	}

	resp = f.get(t, "/v1/organization")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("organization status = %d, want 200", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, `"organization_npi":"1234567893"`) {
		t.Errorf("body missing organization_npi: %s", body)
	}
	if strings.Contains(body, "tok-secret") || strings.Contains(body, "bearer") {
		t.Fatal("organization view leaked the bearer token")
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get(t, "/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var doc map[string]any
	decodeJSON(t, resp, &doc)
	if doc["state"] != "running" {
		t.Errorf("state = %v, want running", doc["state"])
	}
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/openapi.json", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi status = %d, want 200", resp.StatusCode)
	}
	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
		Comp    struct {
			Schemas map[string]any `json:"schemas"`
		} `json:"components"`
	}
	decodeJSON(t, resp, &doc)
	if doc.OpenAPI != "3.1.0" {
		t.Errorf("openapi version = %q, want 3.1.0", doc.OpenAPI)
	}
	for _, p := range []string{"/health", "/v1/relationships", "/v1/registrations", "/v1/consent/status/{relationship_id}"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("document missing path %s", p)
		}
	}
	if _, ok := doc.Comp.Schemas["provider_create"]; !ok {
		t.Error("document missing provider_create component schema")
	}
	// Wire protocol envelopes are not REST payloads.
	for _, name := range []string{"handshake_auth", "ipc_request", "config"} {
		if _, ok := doc.Comp.Schemas[name]; ok {
			t.Errorf("document leaks non-REST schema %s", name)
		}
	}
}

func TestRequestMetricRecorded(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get(t, "/v1/status")
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	body := readBody(t, resp)
	want := `neuron_api_requests_total{code="200",route="GET /v1/status"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("exposition missing %q", want)
	}
}

func TestServerStartStop(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Port = 0 })

	if err := f.srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := f.srv.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health over socket: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.srv.Stop(ctx); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
}
