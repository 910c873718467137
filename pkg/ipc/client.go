package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
	"time"
)

// ErrDaemonNotRunning reports that nothing is listening on the socket.
var ErrDaemonNotRunning = errors.New("daemon is not running")

const clientTimeout = 5 * time.Second

// Client dials the control socket once per command, which keeps the CLI
// free of connection state.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{path: socketPath, timeout: clientTimeout}
}

// Call sends one command and decodes the single response line. A refused
// or missing socket maps to ErrDaemonNotRunning.
func (c *Client) Call(cmd string, args any) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		if daemonDown(err) {
			return nil, ErrDaemonNotRunning
		}
		return nil, fmt.Errorf("ipc: dial %s: %w", c.path, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	req := map[string]any{"cmd": cmd}
	if args != nil {
		req["args"] = args
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("ipc: send %s: %w", cmd, err)
	}

	var resp struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("ipc: read %s response: %w", cmd, err)
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func daemonDown(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
