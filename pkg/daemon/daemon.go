// Package daemon assembles the running neuron. It owns startup order,
// shutdown order, signal handling and the composite status document; every
// component keeps its own logic.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/axon-health/neuron/pkg/api"
	"github.com/axon-health/neuron/pkg/apikey"
	"github.com/axon-health/neuron/pkg/audit"
	"github.com/axon-health/neuron/pkg/axon"
	"github.com/axon-health/neuron/pkg/broker"
	"github.com/axon-health/neuron/pkg/config"
	"github.com/axon-health/neuron/pkg/consent"
	"github.com/axon-health/neuron/pkg/discovery"
	"github.com/axon-health/neuron/pkg/ipc"
	"github.com/axon-health/neuron/pkg/metrics"
	"github.com/axon-health/neuron/pkg/registration"
	"github.com/axon-health/neuron/pkg/relationship"
	"github.com/axon-health/neuron/pkg/storage"
)

// shutdownDeadline bounds the whole stop sequence.
const shutdownDeadline = 15 * time.Second

// PidfileName sits next to the database file, like the control socket.
const PidfileName = "neuron.pid"

// PidfilePath derives the pidfile location from the storage path.
func PidfilePath(storagePath string) string {
	return filepath.Join(filepath.Dir(storagePath), PidfileName)
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg config.Config
	log *slog.Logger

	db        *storage.Store
	journal   *audit.Journal
	metrics   *metrics.Metrics
	keys      *apikey.Store
	neurons   *registration.NeuronStore
	providers *registration.ProviderStore
	rels      *relationship.Store
	ctrl      *registration.Controller
	broker    *broker.Broker
	apiSrv    *api.Server
	ipcSrv    *ipc.Server
	adv       discovery.Advertiser

	startedAt time.Time
	pidfile   string

	mu      sync.Mutex
	running bool
}

// New validates the configuration. Nothing runs until Start.
func New(cfg config.Config, log *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{cfg: cfg, log: log.With("component", "daemon")}, nil
}

// Start brings the components up in dependency order: storage, audit,
// registration, broker, REST, IPC, discovery. A failure tears down what
// already started, in reverse.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	var closers []func()
	fail := func(err error) error {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return err
	}

	db, err := storage.Open(d.cfg.Storage.Path)
	if err != nil {
		return err
	}
	closers = append(closers, func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		return fail(err)
	}

	m := metrics.New()
	journal, err := audit.Open(d.cfg.Audit.Path, d.cfg.Audit.Enabled)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { _ = journal.Close() })
	journal.WithObserver(func(c audit.Category) { m.RecordAuditEntry(string(c)) })

	keys := apikey.NewStore(db)
	neurons := registration.NewNeuronStore(db)
	providers := registration.NewProviderStore(db)
	rels := relationship.NewStore(db)
	m.ObserveRelationships(func() (map[string]int, error) {
		counts, err := rels.CountByStatus(context.Background())
		if err != nil {
			return nil, err
		}
		out := make(map[string]int, len(counts))
		for status, n := range counts {
			out[string(status)] = n
		}
		return out, nil
	})

	ctrl := registration.New(registration.Config{
		Organization: registration.Organization{
			NPI:         d.cfg.Organization.NPI,
			Name:        d.cfg.Organization.Name,
			Type:        d.cfg.Organization.Type,
			RegistryURL: d.cfg.Axon.RegistryURL,
			EndpointURL: d.cfg.Axon.EndpointURL,
		},
		Interval:       d.cfg.Heartbeat.Interval(),
		BackoffCeiling: d.cfg.Axon.BackoffCeiling(),
		HealthPath:     filepath.Join(filepath.Dir(d.cfg.Storage.Path), "health.json"),
	}, neurons, providers, axon.NewClient(d.cfg.Axon.RegistryURL), journal)
	ctrl.WithBeatObserver(func(ok bool) {
		m.RecordHeartbeat(ok)
		m.SetBackoff(time.Duration(ctrl.Snapshot().RetryInMs) * time.Millisecond)
	})
	ctrl.WithRelationshipCounter(func(ctx context.Context) (int, error) {
		counts, err := rels.CountByStatus(ctx)
		if err != nil {
			return 0, err
		}
		return counts[relationship.StatusActive], nil
	})
	if err := ctrl.Start(ctx); err != nil {
		return fail(fmt.Errorf("registration controller: %w", err))
	}
	closers = append(closers, ctrl.Stop)

	verifier, err := consent.NewVerifier()
	if err != nil {
		return fail(err)
	}
	bk, err := broker.New(broker.Config{
		Path:            d.cfg.WebSocket.Path,
		MaxConcurrent:   d.cfg.WebSocket.MaxConcurrentHandshakes,
		AuthTimeout:     d.cfg.WebSocket.AuthTimeout(),
		QueueTimeout:    d.cfg.WebSocket.QueueTimeout(),
		MaxPayloadBytes: d.cfg.WebSocket.MaxPayloadBytes,
		EndpointURL:     d.cfg.Axon.EndpointURL,
	}, verifier, rels, providers, journal)
	if err != nil {
		return fail(err)
	}
	bk.WithMetrics(m)
	bk.Start()
	closers = append(closers, func() { _ = bk.Stop() })

	srv, err := api.New(api.Config{
		Host:           d.cfg.Server.Host,
		Port:           d.cfg.Server.Port,
		AllowedOrigins: d.cfg.API.CORS.AllowedOrigins,
		MaxRequests:    d.cfg.API.RateLimit.MaxRequests,
		Window:         d.cfg.API.RateLimit.Window(),
		WebSocketPath:  d.cfg.WebSocket.Path,
	}, api.Deps{
		Keys:          keys,
		Neurons:       neurons,
		Providers:     providers,
		Controller:    ctrl,
		Relationships: rels,
		Journal:       journal,
		Metrics:       m,
		Status:        d.StatusReport,
		Logger:        d.log,
	})
	if err != nil {
		return fail(err)
	}
	bk.Attach(srv.Mux())
	if err := srv.Start(); err != nil {
		return fail(err)
	}
	closers = append(closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	ipcSrv, err := ipc.New(ipc.SocketPath(d.cfg.Storage.Path), ctrl, d.StatusReport, d.log)
	if err != nil {
		return fail(err)
	}
	if err := ipcSrv.Start(); err != nil {
		return fail(err)
	}
	closers = append(closers, func() { _ = ipcSrv.Stop() })

	var adv discovery.Advertiser
	if d.cfg.LocalNetwork.Enabled {
		adv = discovery.NewNoop(discovery.Identity{
			OrganizationNPI:  d.cfg.Organization.NPI,
			OrganizationName: d.cfg.Organization.Name,
			OrganizationType: d.cfg.Organization.Type,
			WebSocketPath:    d.cfg.WebSocket.Path,
		}, d.log)
		if err := adv.Start(ctx); err != nil {
			return fail(err)
		}
	}

	d.mu.Lock()
	d.db = db
	d.journal = journal
	d.metrics = m
	d.keys = keys
	d.neurons = neurons
	d.providers = providers
	d.rels = rels
	d.ctrl = ctrl
	d.broker = bk
	d.apiSrv = srv
	d.ipcSrv = ipcSrv
	d.adv = adv
	d.startedAt = time.Now()
	d.running = true
	d.mu.Unlock()

	d.writePidfile()
	d.log.Info("neuron started",
		"addr", srv.Addr(),
		"ws_path", d.cfg.WebSocket.Path,
		"socket", ipc.SocketPath(d.cfg.Storage.Path))
	return nil
}

// Stop tears the components down in the reverse of startup order. It is
// idempotent and bounded by shutdownDeadline overall.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	var errs []error
	if d.adv != nil {
		if err := d.adv.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.ipcSrv.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := d.apiSrv.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.broker.Stop(); err != nil {
		errs = append(errs, err)
	}
	d.ctrl.Stop()
	if err := d.journal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.pidfile != "" {
		_ = os.Remove(d.pidfile)
	}
	d.log.Info("neuron stopped")
	return errors.Join(errs...)
}

// Run starts the daemon and blocks until the context is cancelled or a
// SIGINT/SIGTERM arrives, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.log.Info("shutdown requested")
	return d.Stop()
}

// StatusReport is the composite document behind GET /v1/status and the
// status IPC command.
type StatusReport struct {
	State         string                `json:"state"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Organization  *registration.View    `json:"organization,omitempty"`
	Registration  registration.Snapshot `json:"registration"`
	Broker        BrokerStatus          `json:"broker"`
	Storage       StorageStatus         `json:"storage"`
	Audit         AuditStatus           `json:"audit"`
}

type BrokerStatus struct {
	ActiveSessions int `json:"active_sessions"`
	QueuedSessions int `json:"queued_sessions"`
}

type StorageStatus struct {
	Path    string `json:"path"`
	Healthy bool   `json:"healthy"`
}

type AuditStatus struct {
	Entries int    `json:"entries"`
	Tail    string `json:"tail_hash,omitempty"`
}

// StatusReport assembles the current view. The organization block is
// omitted until the first registration row exists.
func (d *Daemon) StatusReport(ctx context.Context) (any, error) {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return nil, errors.New("daemon: not running")
	}

	rep := StatusReport{
		State:         "running",
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
		Registration:  d.ctrl.Snapshot(),
		Broker: BrokerStatus{
			ActiveSessions: d.broker.ActiveSessions(),
			QueuedSessions: d.broker.QueuedSessions(),
		},
		Storage: StorageStatus{Path: d.db.Path(), Healthy: d.db.Health(ctx) == nil},
		Audit:   AuditStatus{Entries: d.journal.Count(), Tail: d.journal.Tail()},
	}
	if rec, err := d.neurons.Get(ctx); err == nil {
		view := rec.View()
		rep.Organization = &view
	}
	return rep, nil
}

func (d *Daemon) writePidfile() {
	path := PidfilePath(d.cfg.Storage.Path)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		d.log.Warn("pidfile write failed", "path", path, "error", err)
		return
	}
	d.pidfile = path
}
