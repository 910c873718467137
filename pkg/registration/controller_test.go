package registration

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/axon-health/neuron/pkg/audit"
	"github.com/axon-health/neuron/pkg/axon"
	"github.com/axon-health/neuron/pkg/npi"
)

type stubDirectory struct {
	mu             sync.Mutex
	registerCalls  int
	heartbeatCalls int
	providerNPIs   []string
	removedNPIs    []string

	registerErr  error
	heartbeatErr error
	providerErr  error
	removeErr    error

	events chan string
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{events: make(chan string, 64)}
}

func (d *stubDirectory) emit(ev string) {
	select {
	case d.events <- ev:
	default:
	}
}

func (d *stubDirectory) RegisterOrganization(ctx context.Context, req axon.RegisterRequest) (axon.RegisterResponse, error) {
	d.mu.Lock()
	d.registerCalls++
	err := d.registerErr
	d.mu.Unlock()
	d.emit("register")
	if err != nil {
		return axon.RegisterResponse{}, err
	}
	return axon.RegisterResponse{RegistrationID: "org-001", BearerToken: "tok-secret"}, nil
}

func (d *stubDirectory) Heartbeat(ctx context.Context, registrationID, token string, req axon.HeartbeatRequest) (axon.HeartbeatResponse, error) {
	d.mu.Lock()
	d.heartbeatCalls++
	err := d.heartbeatErr
	d.mu.Unlock()
	d.emit("heartbeat")
	if err != nil {
		return axon.HeartbeatResponse{}, err
	}
	return axon.HeartbeatResponse{ReceivedAt: "2025-06-01T12:00:00Z"}, nil
}

func (d *stubDirectory) RegisterProvider(ctx context.Context, registrationID, token string, req axon.ProviderRequest) (axon.ProviderResponse, error) {
	d.mu.Lock()
	d.providerNPIs = append(d.providerNPIs, req.NPI)
	err := d.providerErr
	d.mu.Unlock()
	d.emit("provider")
	if err != nil {
		return axon.ProviderResponse{}, err
	}
	return axon.ProviderResponse{
		DirectoryID:  "dir-" + req.NPI,
		AgentAddress: "https://registry.example/agents/" + req.NPI,
	}, nil
}

func (d *stubDirectory) RemoveProvider(ctx context.Context, registrationID, token, npi string) error {
	d.mu.Lock()
	d.removedNPIs = append(d.removedNPIs, npi)
	err := d.removeErr
	d.mu.Unlock()
	d.emit("remove")
	return err
}

func (d *stubDirectory) setHeartbeatErr(err error) {
	d.mu.Lock()
	d.heartbeatErr = err
	d.mu.Unlock()
}

func (d *stubDirectory) setRegisterErr(err error) {
	d.mu.Lock()
	d.registerErr = err
	d.mu.Unlock()
}

func (d *stubDirectory) counts() (register, heartbeat int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerCalls, d.heartbeatCalls
}

type controllerFixture struct {
	ctrl       *Controller
	neurons    *NeuronStore
	providers  *ProviderStore
	dir        *stubDirectory
	healthPath string
	auditPath  string
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	db := testDB(t)
	dirTmp := t.TempDir()

	journalPath := filepath.Join(dirTmp, "audit.jsonl")
	journal, err := audit.Open(journalPath, true)
	if err != nil {
		t.Fatalf("audit.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	f := &controllerFixture{
		neurons:    NewNeuronStore(db),
		providers:  NewProviderStore(db),
		dir:        newStubDirectory(),
		healthPath: filepath.Join(dirTmp, "health.json"),
		auditPath:  journalPath,
	}
	cfg := Config{
		Organization:   testOrg(),
		Interval:       20 * time.Millisecond,
		BackoffCeiling: 40 * time.Millisecond,
		HealthPath:     f.healthPath,
	}
	f.ctrl = New(cfg, f.neurons, f.providers, f.dir, journal).
		WithJitter(func() float64 { return 0.5 })
	t.Cleanup(f.ctrl.Stop)
	return f
}

func waitEvent(t *testing.T, d *stubDirectory, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-d.events:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", want)
		}
	}
}

func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

func journalHasAction(t *testing.T, path, action string) bool {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(string(raw), `"action":"`+action+`"`)
}

func TestStartRegistersFreshNeuron(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitEvent(t, f.dir, "register")

	eventually(t, "row persisted as registered", func() bool {
		rec, err := f.neurons.Get(ctx)
		return err == nil && rec.Status == StatusRegistered && rec.RegistrationID == "org-001"
	})
	rec, err := f.neurons.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.BearerToken != "tok-secret" || rec.FirstRegisteredAt == nil {
		t.Errorf("record = %+v", rec)
	}

	eventually(t, "controller registered", func() bool {
		return f.ctrl.Snapshot().State == StateRegistered
	})
	eventually(t, "health file written", func() bool {
		raw, err := os.ReadFile(f.healthPath)
		return err == nil && strings.Contains(string(raw), `"status":"registered"`)
	})
	if !journalHasAction(t, f.auditPath, "registration_succeeded") {
		t.Error("registration_succeeded not journaled")
	}
}

func TestRestartResumesWithoutRegistering(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if _, err := f.neurons.Ensure(ctx, testOrg()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := f.neurons.SaveRegistered(ctx, "org-9", "tok-9"); err != nil {
		t.Fatalf("SaveRegistered() error: %v", err)
	}

	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitEvent(t, f.dir, "heartbeat")

	registers, beats := f.dir.counts()
	if registers != 0 {
		t.Errorf("register calls = %d, want 0", registers)
	}
	if beats == 0 {
		t.Error("no heartbeat after restart")
	}
	rec, err := f.neurons.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.RegistrationID != "org-9" {
		t.Errorf("registration_id = %q, want org-9", rec.RegistrationID)
	}
}

func TestDegradedThenRecovered(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if _, err := f.neurons.Ensure(ctx, testOrg()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := f.neurons.SaveRegistered(ctx, "org-9", "tok-9"); err != nil {
		t.Fatalf("SaveRegistered() error: %v", err)
	}
	f.dir.setHeartbeatErr(&axon.UnreachableError{StatusCode: http.StatusServiceUnavailable})

	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitEvent(t, f.dir, "heartbeat")

	eventually(t, "controller degraded", func() bool {
		return f.ctrl.Snapshot().State == StateDegraded
	})
	eventually(t, "health file degraded", func() bool {
		raw, err := os.ReadFile(f.healthPath)
		return err == nil && strings.Contains(string(raw), `"status":"degraded"`)
	})
	if !journalHasAction(t, f.auditPath, "heartbeat_unreachable") {
		t.Error("heartbeat_unreachable not journaled")
	}

	f.dir.setHeartbeatErr(nil)
	eventually(t, "controller recovered", func() bool {
		snap := f.ctrl.Snapshot()
		return snap.State == StateRegistered && snap.Attempt == 0
	})
	if !journalHasAction(t, f.auditPath, "registry_recovered") {
		t.Error("registry_recovered not journaled")
	}
	rec, err := f.neurons.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.LastHeartbeatAt == nil {
		t.Error("last_heartbeat_at not persisted after recovery")
	}
}

func TestRegistrationFailureBacksOff(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	f.dir.setRegisterErr(&axon.UnreachableError{StatusCode: http.StatusBadGateway})
	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitEvent(t, f.dir, "register")
	waitEvent(t, f.dir, "register")

	eventually(t, "attempt counter grows", func() bool {
		return f.ctrl.Snapshot().Attempt >= 2
	})

	f.dir.setRegisterErr(nil)
	eventually(t, "registers after outage", func() bool {
		rec, err := f.neurons.Get(ctx)
		return err == nil && rec.Status == StatusRegistered
	})
	eventually(t, "attempt reset", func() bool {
		snap := f.ctrl.Snapshot()
		return snap.State == StateRegistered && snap.Attempt == 0
	})
}

func TestHeartbeatSuspensionPersists(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if _, err := f.neurons.Ensure(ctx, testOrg()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := f.neurons.SaveRegistered(ctx, "org-9", "tok-9"); err != nil {
		t.Fatalf("SaveRegistered() error: %v", err)
	}
	f.dir.setHeartbeatErr(&axon.RejectedError{StatusCode: http.StatusForbidden, Code: "suspended"})

	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitEvent(t, f.dir, "heartbeat")

	eventually(t, "suspension persisted", func() bool {
		rec, err := f.neurons.Get(ctx)
		return err == nil && rec.Status == StatusSuspended
	})
	if !journalHasAction(t, f.auditPath, "organization_suspended") {
		t.Error("organization_suspended not journaled")
	}

	// Registry lifts the suspension; the next accepted beat reinstates.
	f.dir.setHeartbeatErr(nil)
	eventually(t, "reinstated", func() bool {
		rec, err := f.neurons.Get(ctx)
		return err == nil && rec.Status == StatusRegistered
	})
	registers, _ := f.dir.counts()
	if registers != 0 {
		t.Errorf("suspension triggered %d re-registrations, want 0", registers)
	}
}

func TestComputeBackoff(t *testing.T) {
	ceiling := 300 * time.Second
	full := func() float64 { return 1 }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{5, 160 * time.Second},
		{6, 300 * time.Second},
		{30, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := ComputeBackoff(tt.attempt, ceiling, full); got != tt.want {
			t.Errorf("ComputeBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := ComputeBackoff(3, ceiling, func() float64 { return 0 }); got != 0 {
		t.Errorf("zero jitter gave %v, want 0", got)
	}
	if got := ComputeBackoff(0, ceiling, func() float64 { return 0.5 }); got != 2500*time.Millisecond {
		t.Errorf("half jitter gave %v, want 2.5s", got)
	}
}

func TestAddProviderPublishesWhenRegistered(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if _, err := f.neurons.Ensure(ctx, testOrg()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := f.neurons.SaveRegistered(ctx, "org-9", "tok-9"); err != nil {
		t.Fatalf("SaveRegistered() error: %v", err)
	}

	p, err := f.ctrl.AddProvider(ctx, Provider{NPI: "1245319599", Name: "Dr. Rivera"})
	if err != nil {
		t.Fatalf("AddProvider() error: %v", err)
	}
	if p.Status != ProviderRegistered {
		t.Errorf("status = %q, want registered", p.Status)
	}
	if p.DirectoryID != "dir-1245319599" || p.AgentAddress == "" {
		t.Errorf("directory fields = %+v", p)
	}

	stored, err := f.providers.Get(ctx, "1245319599")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if stored.Status != ProviderRegistered || stored.AgentAddress != p.AgentAddress {
		t.Errorf("stored = %+v", stored)
	}
}

func TestAddProviderWhileUnregisteredSyncsLater(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if _, err := f.neurons.Ensure(ctx, testOrg()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	p, err := f.ctrl.AddProvider(ctx, Provider{NPI: "1245319599"})
	if err != nil {
		t.Fatalf("AddProvider() error: %v", err)
	}
	if p.Status != ProviderPending {
		t.Errorf("status = %q, want pending before registration", p.Status)
	}

	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitEvent(t, f.dir, "provider")

	eventually(t, "pending provider published", func() bool {
		stored, err := f.providers.Get(ctx, "1245319599")
		return err == nil && stored.Status == ProviderRegistered
	})
}

func TestAddProviderDirectoryFailureIsIsolated(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if _, err := f.neurons.Ensure(ctx, testOrg()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := f.neurons.SaveRegistered(ctx, "org-9", "tok-9"); err != nil {
		t.Fatalf("SaveRegistered() error: %v", err)
	}
	f.dir.mu.Lock()
	f.dir.providerErr = &axon.UnreachableError{StatusCode: http.StatusBadGateway}
	f.dir.mu.Unlock()

	p, err := f.ctrl.AddProvider(ctx, Provider{NPI: "1245319599"})
	if err != nil {
		t.Fatalf("AddProvider() error: %v", err)
	}
	if p.Status != ProviderFailed {
		t.Errorf("status = %q, want failed", p.Status)
	}
	if !journalHasAction(t, f.auditPath, "provider_publish_failed") {
		t.Error("provider_publish_failed not journaled")
	}
}

func TestAddProviderRejectsBadNPI(t *testing.T) {
	f := newControllerFixture(t)
	_, err := f.ctrl.AddProvider(context.Background(), Provider{NPI: "1234567890"})
	if !errors.Is(err, npi.ErrInvalid) {
		t.Fatalf("AddProvider(bad npi) error = %v, want npi.ErrInvalid", err)
	}
}

func TestRemoveProvider(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if _, err := f.neurons.Ensure(ctx, testOrg()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := f.neurons.SaveRegistered(ctx, "org-9", "tok-9"); err != nil {
		t.Fatalf("SaveRegistered() error: %v", err)
	}
	if _, err := f.ctrl.AddProvider(ctx, Provider{NPI: "1245319599"}); err != nil {
		t.Fatalf("AddProvider() error: %v", err)
	}

	if err := f.ctrl.RemoveProvider(ctx, "1245319599"); err != nil {
		t.Fatalf("RemoveProvider() error: %v", err)
	}
	if _, err := f.providers.Get(ctx, "1245319599"); !errors.Is(err, ErrNotFound) {
		t.Errorf("provider still present after removal: %v", err)
	}
	if err := f.ctrl.RemoveProvider(ctx, "1245319599"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveProvider() error = %v, want ErrNotFound", err)
	}
}

func TestRemoveProviderKeepsRowWhenDirectoryUnreachable(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if _, err := f.neurons.Ensure(ctx, testOrg()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if err := f.neurons.SaveRegistered(ctx, "org-9", "tok-9"); err != nil {
		t.Fatalf("SaveRegistered() error: %v", err)
	}
	if _, err := f.ctrl.AddProvider(ctx, Provider{NPI: "1245319599"}); err != nil {
		t.Fatalf("AddProvider() error: %v", err)
	}

	f.dir.mu.Lock()
	f.dir.removeErr = &axon.UnreachableError{StatusCode: http.StatusBadGateway}
	f.dir.mu.Unlock()

	if err := f.ctrl.RemoveProvider(ctx, "1245319599"); err == nil {
		t.Fatal("RemoveProvider() succeeded despite unreachable directory")
	}
	if _, err := f.providers.Get(ctx, "1245319599"); err != nil {
		t.Errorf("provider row lost on failed removal: %v", err)
	}

	// A directory that no longer knows the provider is fine.
	f.dir.mu.Lock()
	f.dir.removeErr = &axon.RejectedError{StatusCode: http.StatusNotFound}
	f.dir.mu.Unlock()
	if err := f.ctrl.RemoveProvider(ctx, "1245319599"); err != nil {
		t.Fatalf("RemoveProvider() with directory 404 error: %v", err)
	}
}

func TestStopHaltsBeats(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitEvent(t, f.dir, "register")

	f.ctrl.Stop()
	f.ctrl.Stop() // idempotent

	registersBefore, beatsBefore := f.dir.counts()
	time.Sleep(100 * time.Millisecond)
	registersAfter, beatsAfter := f.dir.counts()
	if registersAfter != registersBefore || beatsAfter != beatsBefore {
		t.Errorf("calls continued after Stop: %d/%d -> %d/%d",
			registersBefore, beatsBefore, registersAfter, beatsAfter)
	}
}
