// Package ipc is the local control plane: a unix socket speaking one JSON
// object per line. The CLI talks to a running daemon through it; nothing
// else does.
package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/axon-health/neuron/pkg/registration"
	"github.com/axon-health/neuron/pkg/schema"
)

const (
	// SocketName sits next to the database file.
	SocketName = "neuron.sock"

	commandTimeout = 10 * time.Second
	maxLineBytes   = 1 << 20
)

// SocketPath derives the control socket location from the storage path.
func SocketPath(storagePath string) string {
	return filepath.Join(filepath.Dir(storagePath), SocketName)
}

// StatusFunc produces the composite daemon status document.
type StatusFunc func(ctx context.Context) (any, error)

// Server accepts control connections and dispatches commands into the
// registration controller.
type Server struct {
	path    string
	ctrl    *registration.Controller
	status  StatusFunc
	schemas *schema.Registry
	log     *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	serving sync.WaitGroup
}

// New builds a server for the given socket path. Start must be called
// before it accepts anything.
func New(socketPath string, ctrl *registration.Controller, status StatusFunc, log *slog.Logger) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("ipc: nil controller")
	}
	if log == nil {
		log = slog.Default()
	}
	schemas, err := schema.Default()
	if err != nil {
		return nil, err
	}
	return &Server{
		path:    socketPath,
		ctrl:    ctrl,
		status:  status,
		schemas: schemas,
		log:     log.With("component", "ipc"),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start unlinks any stale socket, listens and accepts in the background.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("ipc: socket dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ipc: unlink stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.path, err)
	}
	// Best effort; some filesystems ignore socket modes.
	_ = os.Chmod(s.path, 0o600)

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	s.log.Info("ipc listening", "socket", s.path)
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.serving.Wait()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("ipc accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.serving.Add(1)
		go func() {
			defer s.serving.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn answers one response line per request line until the client
// hangs up. A connection may carry any number of commands.
func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	enc := json.NewEncoder(conn)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := enc.Encode(s.dispatch(line)); err != nil {
			return
		}
	}
}

type request struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args"`
}

type response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func fail(msg string) response { return response{OK: false, Error: msg} }

func succeed(data any) response { return response{OK: true, Data: data} }

func failErr(op string, err error) response { return fail(op + ": " + err.Error()) }

func (s *Server) dispatch(line []byte) response {
	if err := s.schemas.ValidateJSON(schema.IPCRequest, line); err != nil {
		return fail(err.Error())
	}
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return fail("malformed request: " + err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch req.Cmd {
	case "provider.add":
		return s.providerAdd(ctx, req.Args)
	case "provider.remove":
		return s.providerRemove(ctx, req.Args)
	case "provider.list":
		return s.providerList(ctx)
	case "status":
		return s.statusReport(ctx)
	default:
		return fail("unknown_command " + req.Cmd)
	}
}

type providerArgs struct {
	NPI       string   `json:"npi"`
	Name      string   `json:"name"`
	Types     []string `json:"types"`
	Specialty string   `json:"specialty"`
}

func (s *Server) providerAdd(ctx context.Context, raw json.RawMessage) response {
	var args providerArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail("provider.add: malformed args")
	}
	if args.NPI == "" {
		return fail("provider.add: npi is required")
	}
	p, err := s.ctrl.AddProvider(ctx, registration.Provider{
		NPI:       args.NPI,
		Name:      args.Name,
		Types:     args.Types,
		Specialty: args.Specialty,
	})
	if err != nil {
		return failErr("provider.add", err)
	}
	return succeed(p)
}

func (s *Server) providerRemove(ctx context.Context, raw json.RawMessage) response {
	var args providerArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fail("provider.remove: malformed args")
	}
	if args.NPI == "" {
		return fail("provider.remove: npi is required")
	}
	if err := s.ctrl.RemoveProvider(ctx, args.NPI); err != nil {
		if errors.Is(err, registration.ErrNotFound) {
			return fail("provider.remove: " + args.NPI + " is not registered")
		}
		return failErr("provider.remove", err)
	}
	return succeed(map[string]string{"npi": args.NPI, "removed": "true"})
}

func (s *Server) providerList(ctx context.Context) response {
	providers, err := s.ctrl.ListProviders(ctx)
	if err != nil {
		return failErr("provider.list", err)
	}
	return succeed(providers)
}

func (s *Server) statusReport(ctx context.Context) response {
	if s.status == nil {
		return fail("status: reporting is not wired")
	}
	doc, err := s.status(ctx)
	if err != nil {
		return failErr("status", err)
	}
	return succeed(doc)
}
