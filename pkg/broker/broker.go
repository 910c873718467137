// Package broker accepts patient-agent WebSocket connections, admits them
// into bounded concurrent work, drives the handshake state machine, hands
// back the provider's address, and disconnects. It is an introduction
// service, not a relay: after the single exchange frame no message from
// either side traverses it.
package broker

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axon-health/neuron/pkg/audit"
	"github.com/axon-health/neuron/pkg/consent"
	"github.com/axon-health/neuron/pkg/metrics"
	"github.com/axon-health/neuron/pkg/registration"
	"github.com/axon-health/neuron/pkg/relationship"
	"github.com/axon-health/neuron/pkg/schema"
)

const (
	defaultMaxConcurrent = 10
	defaultAuthTimeout   = 10 * time.Second
	defaultQueueTimeout  = 30 * time.Second
	defaultMaxPayload    = 64 * 1024

	writeWait = 10 * time.Second
)

// Config carries the websocket settings plus the organization endpoint used
// as the provider-address fallback.
type Config struct {
	Path            string
	MaxConcurrent   int
	AuthTimeout     time.Duration
	QueueTimeout    time.Duration
	MaxPayloadBytes int64
	EndpointURL     string
}

// Broker owns every handshake session. Collaborators are synchronous and
// internally serialized, so sessions run in parallel without coordination
// beyond the admission gate.
type Broker struct {
	cfg       Config
	verifier  *consent.Verifier
	rels      *relationship.Store
	providers *registration.ProviderStore
	journal   *audit.Journal
	schemas   *schema.Registry
	metrics   *metrics.Metrics
	log       *slog.Logger

	admission *admission
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	sessions sync.WaitGroup
}

// New builds a broker. Start must be called before it accepts upgrades.
func New(cfg Config, verifier *consent.Verifier, rels *relationship.Store, providers *registration.ProviderStore, journal *audit.Journal) (*Broker, error) {
	if cfg.Path == "" {
		cfg.Path = "/ws/handshake"
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = defaultQueueTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayload
	}
	schemas, err := schema.Default()
	if err != nil {
		return nil, err
	}
	b := &Broker{
		cfg:       cfg,
		verifier:  verifier,
		rels:      rels,
		providers: providers,
		journal:   journal,
		schemas:   schemas,
		log:       slog.Default().With("component", "broker"),
		stopCh:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Patient agents are programs, not browsers; the Origin
			// header carries no trust signal here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return b, nil
}

// WithMetrics attaches the instrument set. Call before Start.
func (b *Broker) WithMetrics(m *metrics.Metrics) *Broker {
	b.metrics = m
	return b
}

// Attach registers the upgrade handler on the configured path.
func (b *Broker) Attach(mux *http.ServeMux) {
	mux.HandleFunc("GET "+b.cfg.Path, b.handleUpgrade)
}

// Path returns the upgrade path, for the API layer's public-route check.
func (b *Broker) Path() string { return b.cfg.Path }

// Start arms the broker to accept upgrades.
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	var onDepth func(int)
	if b.metrics != nil {
		onDepth = b.metrics.SetQueueDepth
	}
	b.admission = newAdmission(b.cfg.MaxConcurrent, onDepth)
	b.stopCh = make(chan struct{})
	b.running = true
	b.log.Info("handshake broker started",
		"path", b.cfg.Path, "max_concurrent", b.cfg.MaxConcurrent)
}

// Stop refuses new upgrades, releases queued sessions with a shutdown close,
// and waits for in-flight sessions up to max(authTimeout, queueTimeout)+1s.
// It is idempotent.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	deadline := b.cfg.AuthTimeout
	if b.cfg.QueueTimeout > deadline {
		deadline = b.cfg.QueueTimeout
	}
	deadline += time.Second

	done := make(chan struct{})
	go func() {
		b.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return errors.New("broker: sessions still draining past deadline")
	}
}

// ActiveSessions counts sessions currently holding an admission slot.
func (b *Broker) ActiveSessions() int {
	b.mu.Lock()
	adm := b.admission
	b.mu.Unlock()
	if adm == nil {
		return 0
	}
	return adm.activeCount()
}

// QueuedSessions counts connections waiting for a slot.
func (b *Broker) QueuedSessions() int {
	b.mu.Lock()
	adm := b.admission
	b.mu.Unlock()
	if adm == nil {
		return 0
	}
	return adm.queuedCount()
}

func (b *Broker) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	adm := b.admission
	stop := b.stopCh
	b.sessions.Add(1)
	b.mu.Unlock()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		b.sessions.Done()
		b.log.Debug("websocket upgrade refused", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(b, adm, stop, conn, r.RemoteAddr)
	go func() {
		defer b.sessions.Done()
		s.run()
	}()
}

// endSession releases the admission slot. Deferred on every admitted exit
// path so a panicking session cannot strand a slot.
func (b *Broker) endSession(adm *admission) {
	adm.release()
	if b.metrics != nil {
		b.metrics.SessionClosed()
	}
}
