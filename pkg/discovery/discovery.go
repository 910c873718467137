// Package discovery advertises this neuron on the local network. The
// transport is pluggable; the daemon only ever starts and stops it.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Advertiser publishes the organization's presence for the lifetime
// between Start and Stop. Implementations must make both idempotent.
type Advertiser interface {
	Start(ctx context.Context) error
	Stop() error
}

// Identity is what gets advertised.
type Identity struct {
	OrganizationNPI  string
	OrganizationName string
	OrganizationType string
	WebSocketPath    string
}

// TXTRecords composes the advertisement payload. Patient agents on the
// same network read these to find the handshake endpoint.
func TXTRecords(id Identity) []string {
	return []string{
		"org=" + id.OrganizationName,
		"npi=" + id.OrganizationNPI,
		"type=" + id.OrganizationType,
		"proto=neuron/1",
		"ws=" + id.WebSocketPath,
	}
}

// noopAdvertiser stands in when localNetwork.enabled is off or no mDNS
// responder is wired. It only logs what it would have published.
type noopAdvertiser struct {
	id  Identity
	log *slog.Logger
}

// NewNoop returns an advertiser that publishes nothing.
func NewNoop(id Identity, log *slog.Logger) Advertiser {
	if log == nil {
		log = slog.Default()
	}
	return &noopAdvertiser{id: id, log: log.With("component", "discovery")}
}

func (a *noopAdvertiser) Start(ctx context.Context) error {
	a.log.Info("local advertisement disabled", "records", fmt.Sprint(TXTRecords(a.id)))
	return nil
}

func (a *noopAdvertiser) Stop() error { return nil }
