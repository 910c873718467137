package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/axon-health/neuron/pkg/audit"
	"github.com/axon-health/neuron/pkg/axon"
	"github.com/axon-health/neuron/pkg/npi"
)

// State is the controller's runtime state. It is not the persisted
// registration status: a neuron stays "registered" in the database while
// the controller is degraded and retrying.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
	StateDegraded     State = "degraded"
)

// Snapshot is a point-in-time view of the controller for status reporting.
// RetryInMs is the pending backoff delay, zero while the registry is healthy.
type Snapshot struct {
	State           State      `json:"state"`
	Attempt         int        `json:"attempt"`
	RetryInMs       int64      `json:"retry_in_ms,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// Directory is the registry surface the controller drives. *axon.Client
// implements it.
type Directory interface {
	RegisterOrganization(ctx context.Context, req axon.RegisterRequest) (axon.RegisterResponse, error)
	Heartbeat(ctx context.Context, registrationID, token string, req axon.HeartbeatRequest) (axon.HeartbeatResponse, error)
	RegisterProvider(ctx context.Context, registrationID, token string, req axon.ProviderRequest) (axon.ProviderResponse, error)
	RemoveProvider(ctx context.Context, registrationID, token, npi string) error
}

// Config carries the controller's knobs.
type Config struct {
	Organization   Organization
	Interval       time.Duration
	BackoffCeiling time.Duration
	HealthPath     string
}

const (
	defaultInterval = 60 * time.Second
	defaultCeiling  = 300 * time.Second
	backoffBaseMs   = 5000
	beatTimeout     = 15 * time.Second
)

// ComputeBackoff returns a full-jitter delay for the given retry attempt:
// uniform over [0, min(ceiling, 5000*2^attempt)) milliseconds. jitter must
// return a value in [0, 1).
func ComputeBackoff(attempt int, ceiling time.Duration, jitter func() float64) time.Duration {
	boundMs := math.Min(float64(ceiling.Milliseconds()), backoffBaseMs*math.Pow(2, float64(attempt)))
	if boundMs < 0 {
		boundMs = 0
	}
	return time.Duration(jitter()*boundMs) * time.Millisecond
}

// Controller keeps this neuron registered and alive in the Axon registry.
// It owns the heartbeat timer and the health file; nothing else touches
// either. The timer is one-shot and re-armed by each beat's outcome.
type Controller struct {
	cfg       Config
	neurons   *NeuronStore
	providers *ProviderStore
	dir       Directory
	journal   *audit.Journal
	log       *slog.Logger

	countRelationships func(context.Context) (int, error)
	beatObserver       func(success bool)

	clock  func() time.Time
	jitter func() float64

	mu       sync.Mutex
	state    State
	attempt  int
	retryIn  time.Duration
	lastBeat *time.Time
	timer    *time.Timer
	started  bool
	stopping bool

	inflight sync.WaitGroup
}

// New builds a controller. Start must be called before it does anything.
func New(cfg Config, neurons *NeuronStore, providers *ProviderStore, dir Directory, journal *audit.Journal) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = defaultCeiling
	}
	return &Controller{
		cfg:       cfg,
		neurons:   neurons,
		providers: providers,
		dir:       dir,
		journal:   journal,
		log:       slog.Default().With("component", "registration"),
		clock:     time.Now,
		jitter:    rand.Float64,
		state:     StateUnregistered,
	}
}

// WithClock overrides the clock for tests.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// WithJitter overrides the jitter source for tests.
func (c *Controller) WithJitter(jitter func() float64) *Controller {
	c.jitter = jitter
	return c
}

// WithBeatObserver registers a hook invoked after every beat.
func (c *Controller) WithBeatObserver(fn func(success bool)) *Controller {
	c.beatObserver = fn
	return c
}

// WithRelationshipCounter supplies the active-relationship count reported
// in heartbeats.
func (c *Controller) WithRelationshipCounter(fn func(context.Context) (int, error)) *Controller {
	c.countRelationships = fn
	return c
}

// Start ensures the registration row and arms the first beat. A persisted
// registered record resumes heartbeats without re-registering; anything
// else triggers an immediate registration attempt.
func (c *Controller) Start(ctx context.Context) error {
	rec, err := c.neurons.Ensure(ctx, c.cfg.Organization)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.lastBeat = rec.LastHeartbeatAt
	delay := time.Duration(0)
	switch {
	case rec.Status == StatusRegistered && rec.RegistrationID != "":
		c.state = StateRegistered
		delay = c.cfg.Interval
	case rec.Status == StatusSuspended && rec.RegistrationID != "":
		c.state = StateDegraded
	}
	c.mu.Unlock()

	c.writeHealth()
	c.log.Info("registration controller started",
		"status", rec.Status, "registration_id", rec.RegistrationID)
	c.schedule(delay)
	return nil
}

// Stop cancels the timer and waits for an in-flight beat. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	already := c.stopping
	c.stopping = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	c.inflight.Wait()
	if !already {
		c.log.Info("registration controller stopped")
	}
}

// Snapshot returns the current runtime state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:           c.state,
		Attempt:         c.attempt,
		RetryInMs:       c.retryIn.Milliseconds(),
		LastHeartbeatAt: c.lastBeat,
	}
}

// beat is the timer callback: register if we never have, heartbeat
// otherwise. Its outcome re-arms the timer.
func (c *Controller) beat() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), beatTimeout)
	defer cancel()

	rec, err := c.neurons.Get(ctx)
	if err != nil {
		c.fail("controller", err)
		return
	}
	// A suspended neuron keeps beating with its existing identity; the
	// registry lifting the suspension flips it back to registered.
	if rec.RegistrationID != "" && (rec.Status == StatusRegistered || rec.Status == StatusSuspended) {
		c.runHeartbeat(ctx, rec)
		return
	}
	c.runRegister(ctx, rec)
}

func (c *Controller) runRegister(ctx context.Context, rec Record) {
	c.setState(StateRegistering)

	resp, err := c.dir.RegisterOrganization(ctx, axon.RegisterRequest{
		NPI:         rec.NPI,
		Name:        rec.Name,
		Type:        rec.Type,
		EndpointURL: rec.EndpointURL,
	})
	if err != nil {
		c.fail("registration", err)
		return
	}
	if err := c.neurons.SaveRegistered(ctx, resp.RegistrationID, resp.BearerToken); err != nil {
		c.fail("registration", err)
		return
	}

	_, _ = c.journal.Append(audit.CategoryRegistration, "registration_succeeded", "system",
		map[string]any{"registration_id": resp.RegistrationID})
	c.log.Info("registered with axon registry", "registration_id", resp.RegistrationID)

	c.syncPendingProviders(ctx)
	c.succeed()
}

func (c *Controller) runHeartbeat(ctx context.Context, rec Record) {
	active := 0
	if c.countRelationships != nil {
		if n, err := c.countRelationships(ctx); err == nil {
			active = n
		}
	}

	_, err := c.dir.Heartbeat(ctx, rec.RegistrationID, rec.BearerToken, axon.HeartbeatRequest{
		Status:              "online",
		ActiveRelationships: active,
	})
	if err != nil {
		var rejected *axon.RejectedError
		if errors.As(err, &rejected) && rejected.Code == "suspended" && rec.Status != StatusSuspended {
			if dbErr := c.neurons.SetStatus(ctx, StatusSuspended); dbErr != nil {
				c.log.Error("persist suspension", "error", dbErr)
			}
			_, _ = c.journal.Append(audit.CategoryRegistration, "organization_suspended", "system",
				map[string]any{"registry_status": rejected.StatusCode})
		}
		c.fail("heartbeat", err)
		return
	}

	if err := c.neurons.TouchHeartbeat(ctx); err != nil {
		c.fail("heartbeat", err)
		return
	}
	now := c.clock().UTC()
	c.mu.Lock()
	c.lastBeat = &now
	c.mu.Unlock()
	c.log.Debug("heartbeat acknowledged", "active_relationships", active)
	c.succeed()
}

// succeed resets backoff and re-arms the timer at the steady cadence.
func (c *Controller) succeed() {
	c.mu.Lock()
	recovered := c.state == StateDegraded
	c.state = StateRegistered
	c.attempt = 0
	c.retryIn = 0
	c.mu.Unlock()

	c.writeHealth()
	if recovered {
		_, _ = c.journal.Append(audit.CategoryRegistration, "registry_recovered", "system", nil)
		c.log.Info("registry connectivity recovered")
	}
	if c.beatObserver != nil {
		c.beatObserver(true)
	}
	c.schedule(c.cfg.Interval)
}

// fail degrades the controller and re-arms the timer with full-jitter
// backoff. The first failure of a streak is journaled; repeats only log.
func (c *Controller) fail(op string, err error) {
	c.mu.Lock()
	wasDegraded := c.state == StateDegraded
	n := c.attempt
	c.attempt++
	c.state = StateDegraded
	delay := ComputeBackoff(n, c.cfg.BackoffCeiling, c.jitter)
	c.retryIn = delay
	c.mu.Unlock()

	c.writeHealth()
	if !wasDegraded {
		action := op + "_unreachable"
		var rejected *axon.RejectedError
		if errors.As(err, &rejected) {
			action = op + "_rejected"
		}
		_, _ = c.journal.Append(audit.CategoryRegistration, action, "system",
			map[string]any{"error": err.Error(), "attempt": n})
	}
	if c.beatObserver != nil {
		c.beatObserver(false)
	}

	c.log.Warn("registry beat failed", "op", op, "error", err, "attempt", n, "retry_in", delay)
	c.schedule(delay)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) schedule(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopping {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, c.beat)
}

// healthSnapshot is the health file layout consumed by external liveness
// scrapers.
type healthSnapshot struct {
	Status          string `json:"status"`
	LastHeartbeatAt string `json:"last_heartbeat_at,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

// writeHealth atomically replaces the health file with the current state.
// Failures are logged, never fatal to the beat.
func (c *Controller) writeHealth() {
	c.mu.Lock()
	snap := healthSnapshot{
		Status:    string(c.state),
		UpdatedAt: c.clock().UTC().Format(time.RFC3339Nano),
	}
	if c.lastBeat != nil {
		snap.LastHeartbeatAt = c.lastBeat.UTC().Format(time.RFC3339Nano)
	}
	path := c.cfg.HealthPath
	c.mu.Unlock()
	if path == "" {
		return
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		c.log.Warn("encode health snapshot", "error", err)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".health-*")
	if err != nil {
		c.log.Warn("write health file", "error", err)
		return
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		c.log.Warn("write health file", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		c.log.Warn("write health file", "error", err)
		return
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		c.log.Warn("write health file", "error", err)
	}
}

// AddProvider is the single mutator for the provider set: persist first,
// then publish to the directory if we are registered. A directory failure
// marks this provider failed without affecting the others or the caller's
// local success.
func (c *Controller) AddProvider(ctx context.Context, p Provider) (Provider, error) {
	if err := npi.Validate(p.NPI); err != nil {
		return Provider{}, fmt.Errorf("provider npi %q: %w", p.NPI, err)
	}
	p.Status = ProviderPending
	stored, err := c.providers.Upsert(ctx, p)
	if err != nil {
		return Provider{}, err
	}
	_, _ = c.journal.Append(audit.CategoryProvider, "provider_added", "operator",
		map[string]any{"provider_npi": stored.NPI})

	rec, err := c.neurons.Get(ctx)
	if err != nil || rec.Status != StatusRegistered || rec.RegistrationID == "" {
		return stored, nil
	}
	return c.publishProvider(ctx, rec, stored), nil
}

// RemoveProvider withdraws a provider from the directory and deletes the
// row. An unreachable directory aborts the removal so the two sides never
// silently diverge; a directory 404 is treated as already withdrawn.
func (c *Controller) RemoveProvider(ctx context.Context, providerNPI string) error {
	if _, err := c.providers.Get(ctx, providerNPI); err != nil {
		return err
	}

	rec, err := c.neurons.Get(ctx)
	if err == nil && rec.Status == StatusRegistered && rec.RegistrationID != "" {
		if err := c.dir.RemoveProvider(ctx, rec.RegistrationID, rec.BearerToken, providerNPI); err != nil {
			var rejected *axon.RejectedError
			if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusNotFound {
				return fmt.Errorf("withdraw provider from directory: %w", err)
			}
		}
	}

	if err := c.providers.Delete(ctx, providerNPI); err != nil {
		return err
	}
	_, _ = c.journal.Append(audit.CategoryProvider, "provider_removed", "operator",
		map[string]any{"provider_npi": providerNPI})
	return nil
}

// ListProviders returns the provider set.
func (c *Controller) ListProviders(ctx context.Context) ([]Provider, error) {
	return c.providers.List(ctx)
}

func (c *Controller) publishProvider(ctx context.Context, rec Record, p Provider) Provider {
	resp, err := c.dir.RegisterProvider(ctx, rec.RegistrationID, rec.BearerToken, axon.ProviderRequest{
		NPI:       p.NPI,
		Name:      p.Name,
		Types:     p.Types,
		Specialty: p.Specialty,
	})
	if err != nil {
		if setErr := c.providers.SetStatus(ctx, p.NPI, ProviderFailed); setErr != nil {
			c.log.Error("mark provider failed", "provider_npi", p.NPI, "error", setErr)
		}
		_, _ = c.journal.Append(audit.CategoryProvider, "provider_publish_failed", "system",
			map[string]any{"provider_npi": p.NPI, "error": err.Error()})
		c.log.Warn("provider publication failed", "provider_npi", p.NPI, "error", err)
		p.Status = ProviderFailed
		return p
	}

	if err := c.providers.SetDirectory(ctx, p.NPI, resp.DirectoryID, resp.AgentAddress, ProviderRegistered); err != nil {
		c.log.Error("persist provider directory record", "provider_npi", p.NPI, "error", err)
	}
	_, _ = c.journal.Append(audit.CategoryProvider, "provider_registered", "system",
		map[string]any{"provider_npi": p.NPI, "directory_id": resp.DirectoryID})
	p.DirectoryID = resp.DirectoryID
	p.AgentAddress = resp.AgentAddress
	p.Status = ProviderRegistered
	return p
}

// syncPendingProviders publishes providers added while unregistered. Runs
// after a successful registration.
func (c *Controller) syncPendingProviders(ctx context.Context) {
	pending, err := c.providers.ListByStatus(ctx, ProviderPending)
	if err != nil {
		c.log.Error("list pending providers", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	rec, err := c.neurons.Get(ctx)
	if err != nil {
		return
	}
	for _, p := range pending {
		c.publishProvider(ctx, rec, p)
	}
}
