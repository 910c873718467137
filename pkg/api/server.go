// Package api serves the administrative REST surface. Handlers read and
// mutate state only through the stores and the registration controller they
// are handed; the handshake broker shares the listener by attaching its
// upgrade path to the same mux.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/axon-health/neuron/pkg/apikey"
	"github.com/axon-health/neuron/pkg/audit"
	"github.com/axon-health/neuron/pkg/metrics"
	"github.com/axon-health/neuron/pkg/registration"
	"github.com/axon-health/neuron/pkg/relationship"
	"github.com/axon-health/neuron/pkg/schema"
)

// StatusFunc produces the composite daemon status document.
type StatusFunc func(ctx context.Context) (any, error)

// Config carries the listener and middleware settings.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	MaxRequests    int
	Window         time.Duration
	WebSocketPath  string
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Keys          *apikey.Store
	Neurons       *registration.NeuronStore
	Providers     *registration.ProviderStore
	Controller    *registration.Controller
	Relationships *relationship.Store
	Journal       *audit.Journal
	Metrics       *metrics.Metrics
	Status        StatusFunc
	Logger        *slog.Logger
}

// Server hosts the REST routes and, through the shared mux, whatever
// upgrade handler is attached before Start.
type Server struct {
	cfg     Config
	deps    Deps
	mux     *http.ServeMux
	schemas *schema.Registry
	limiter *keyLimiter
	log     *slog.Logger
	openapi []byte

	httpSrv  *http.Server
	listener net.Listener
}

// New wires the routes. Attach any websocket handler to Mux before Start.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Keys == nil || deps.Neurons == nil || deps.Providers == nil ||
		deps.Controller == nil || deps.Relationships == nil {
		return nil, errors.New("api: missing dependencies")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	schemas, err := schema.Default()
	if err != nil {
		return nil, err
	}
	doc, err := BuildOpenAPI(schemas)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		mux:     http.NewServeMux(),
		schemas: schemas,
		limiter: newKeyLimiter(cfg.MaxRequests, cfg.Window),
		log:     deps.Logger.With("component", "api"),
		openapi: doc,
	}
	s.routes()
	return s, nil
}

// Mux exposes the shared request mux so the websocket endpoint can be
// attached before Start.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// handler builds the middleware pipeline: CORS first, then the public
// short-circuit, then key auth and per-key throttling for everything else.
func (s *Server) handler() http.Handler {
	return corsMiddleware(s.cfg.AllowedOrigins, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebSocketPath != "" && r.URL.Path == s.cfg.WebSocketPath {
			// The upgrade hijacks the connection, so it gets the raw
			// ResponseWriter and no request metric.
			s.mux.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if isPublic(r.URL.Path) {
			s.mux.ServeHTTP(rec, r)
		} else {
			s.secured(rec, r)
		}
		if s.deps.Metrics != nil {
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			s.deps.Metrics.RecordAPIRequest(route, rec.status)
		}
	}))
}

// Public routes skip key auth so probes and scrapers need no secret.
func isPublic(path string) bool {
	switch path {
	case "/health", "/openapi.json", "/metrics":
		return true
	}
	return false
}

// secured runs key auth and the per-key token bucket, then dispatches.
func (s *Server) secured(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		s.auditRejection(audit.CategoryAuth, "auth_failure", r.URL.Path, codeMissingKey)
		writeError(w, http.StatusUnauthorized, codeMissingKey)
		return
	}
	key, err := s.deps.Keys.Verify(r.Context(), presented)
	if err != nil {
		s.auditRejection(audit.CategoryAuth, "auth_failure", r.URL.Path, codeInvalidKey)
		writeError(w, http.StatusUnauthorized, codeInvalidKey)
		return
	}
	if wait, ok := s.limiter.allow(key.KeyID); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		s.auditRejection(audit.CategoryAPI, "rate_limited", r.URL.Path, key.KeyID)
		writeError(w, http.StatusTooManyRequests, codeRateLimited)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// auditRejection journals an auth or throttling refusal. The presented key
// material never appears in the entry, only the stored key ID.
func (s *Server) auditRejection(cat audit.Category, action, path, reason string) {
	if s.deps.Journal == nil {
		return
	}
	_, err := s.deps.Journal.Append(cat, action, "api-client", map[string]any{
		"path":   path,
		"reason": reason,
	})
	if err != nil {
		s.log.Warn("audit append failed", "action", action, "error", err)
	}
}

// statusRecorder captures the response code for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves until Stop. The bound address is
// available through Addr once Start returns.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "error", err)
		}
	}()
	s.log.Info("api listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests until the context expires. Hijacked
// websocket connections are the broker's to close.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Addr reports the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
