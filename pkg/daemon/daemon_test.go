package daemon

import (
	"context"
	"encoding/json"
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

	"github.com/axon-health/neuron/pkg/config"
	"github.com/axon-health/neuron/pkg/ipc"
)

// fakeRegistry stands in for the national directory.
func fakeRegistry(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/organizations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"registration_id": "org-001",
			"bearer_token":    "tok-secret",
		})
	})
	mux.HandleFunc("POST /v1/organizations/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"received_at": time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("POST /v1/organizations/{id}/providers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"directory_id": "dir-1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, registryURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Organization.NPI = "1234567893"
	cfg.Organization.Name = "Sunrise Family Practice"
	cfg.Organization.Type = "practice"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Storage.Path = filepath.Join(dir, "neuron.db")
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	cfg.Axon.RegistryURL = registryURL
	cfg.Axon.EndpointURL = "wss://neuron.example.com"
	cfg.Heartbeat.IntervalMs = 60000
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartStopLifecycle(t *testing.T) {
	registry := fakeRegistry(t)
	cfg := testConfig(t, registry.URL)

	d, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// REST answers over the bound socket.
	resp, err := http.Get("http://" + d.apiSrv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	// Pidfile carries this process's pid.
	pid, err := os.ReadFile(PidfilePath(cfg.Storage.Path))
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	if got := strings.TrimSpace(string(pid)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("pidfile = %q, want %d", got, os.Getpid())
	}

	// IPC answers on the derived socket.
	client := ipc.NewClient(ipc.SocketPath(cfg.Storage.Path))
	data, err := client.Call("status", nil)
	if err != nil {
		t.Fatalf("ipc status: %v", err)
	}
	var rep StatusReport
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if rep.State != "running" {
		t.Errorf("state = %q, want running", rep.State)
	}
	if !rep.Storage.Healthy {
		t.Error("storage reported unhealthy")
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if _, err := os.Stat(PidfilePath(cfg.Storage.Path)); !os.IsNotExist(err) {
		t.Error("pidfile survived Stop")
	}
	if _, err := client.Call("status", nil); err == nil {
		t.Error("ipc socket still answering after Stop")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	registry := fakeRegistry(t)
	d, err := New(testConfig(t, registry.URL), quietLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
}

func TestStatusReportIncludesRegistration(t *testing.T) {
	registry := fakeRegistry(t)
	cfg := testConfig(t, registry.URL)
	d, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })

	doc, err := d.StatusReport(context.Background())
	if err != nil {
		t.Fatalf("StatusReport() error: %v", err)
	}
	rep, ok := doc.(StatusReport)
	if !ok {
		t.Fatalf("StatusReport() returned %T", doc)
	}
	if rep.Organization == nil {
		t.Fatal("organization block missing")
	}
	if rep.Organization.OrganizationNPI != "1234567893" {
		t.Errorf("organization npi = %q", rep.Organization.OrganizationNPI)
	}
	if rep.Broker.ActiveSessions != 0 {
		t.Errorf("active sessions = %d, want 0", rep.Broker.ActiveSessions)
	}
}

func TestInvalidConfigRefused(t *testing.T) {
	cfg := config.Default()
	cfg.Organization.NPI = "not-an-npi"
	if _, err := New(cfg, quietLogger()); err == nil {
		t.Fatal("New() accepted an invalid configuration")
	}
}
