// Package registration persists this neuron's standing with the Axon
// registry and runs the heartbeat controller that maintains it.
package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/axon-health/neuron/pkg/storage"
)

// Persisted organization statuses. These are what the registry has
// acknowledged, distinct from the controller's runtime state.
const (
	StatusUnregistered = "unregistered"
	StatusPending      = "pending"
	StatusRegistered   = "registered"
	StatusSuspended    = "suspended"
)

var ErrNotFound = errors.New("registration: not found")

// Organization is the identity this neuron presents to the registry,
// sourced from configuration.
type Organization struct {
	NPI         string
	Name        string
	Type        string
	RegistryURL string
	EndpointURL string
}

// Record is the single persisted registration row. BearerToken stays
// inside this package and the directory client; it has no JSON form.
type Record struct {
	Organization
	RegistrationID    string
	BearerToken       string `json:"-"`
	Status            string
	FirstRegisteredAt *time.Time
	LastHeartbeatAt   *time.Time
	LastResponseAt    *time.Time
	UpdatedAt         time.Time
}

// View is the REST projection of the registration row.
type View struct {
	OrganizationNPI   string     `json:"organization_npi"`
	OrganizationName  string     `json:"organization_name"`
	OrganizationType  string     `json:"organization_type"`
	RegistryURL       string     `json:"registry_url"`
	EndpointURL       string     `json:"endpoint_url"`
	RegistrationID    string     `json:"registration_id,omitempty"`
	Status            string     `json:"status"`
	FirstRegisteredAt *time.Time `json:"first_registered_at,omitempty"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
	LastResponseAt    *time.Time `json:"last_response_at,omitempty"`
}

// View returns the REST projection.
func (r Record) View() View {
	return View{
		OrganizationNPI:   r.NPI,
		OrganizationName:  r.Name,
		OrganizationType:  r.Type,
		RegistryURL:       r.RegistryURL,
		EndpointURL:       r.EndpointURL,
		RegistrationID:    r.RegistrationID,
		Status:            r.Status,
		FirstRegisteredAt: r.FirstRegisteredAt,
		LastHeartbeatAt:   r.LastHeartbeatAt,
		LastResponseAt:    r.LastResponseAt,
	}
}

// NeuronStore owns the singleton registration row.
type NeuronStore struct {
	db    *storage.Store
	clock func() time.Time
}

// NewNeuronStore returns a store backed by db.
func NewNeuronStore(db *storage.Store) *NeuronStore {
	return &NeuronStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *NeuronStore) WithClock(clock func() time.Time) *NeuronStore {
	s.clock = clock
	return s
}

// Ensure creates the row on first run and refreshes the identity columns
// from configuration on every start. Registry-assigned fields survive.
func (s *NeuronStore) Ensure(ctx context.Context, org Organization) (Record, error) {
	now := storage.FormatTime(s.clock().UTC())
	_, err := s.db.Run(ctx, `INSERT INTO neuron_registration
		(id, organization_npi, organization_name, organization_type, registry_url, endpoint_url, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_npi = excluded.organization_npi,
			organization_name = excluded.organization_name,
			organization_type = excluded.organization_type,
			registry_url = excluded.registry_url,
			endpoint_url = excluded.endpoint_url,
			updated_at = excluded.updated_at`,
		org.NPI, org.Name, org.Type, org.RegistryURL, org.EndpointURL, now)
	if err != nil {
		return Record{}, fmt.Errorf("ensure registration row: %w", err)
	}
	return s.Get(ctx)
}

// Get loads the registration row.
func (s *NeuronStore) Get(ctx context.Context) (Record, error) {
	var (
		r               Record
		registrationID  sql.NullString
		bearerToken     sql.NullString
		firstRegistered sql.NullString
		lastHeartbeat   sql.NullString
		lastResponse    sql.NullString
		updated         string
	)
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return row.Scan(&r.NPI, &r.Name, &r.Type, &r.RegistryURL, &r.EndpointURL,
			&registrationID, &bearerToken, &r.Status,
			&firstRegistered, &lastHeartbeat, &lastResponse, &updated)
	}, `SELECT organization_npi, organization_name, organization_type, registry_url, endpoint_url,
		registration_id, bearer_token, status,
		first_registered_at, last_heartbeat_at, last_response_at, updated_at
		FROM neuron_registration WHERE id = 1`)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get registration row: %w", err)
	}
	r.RegistrationID = registrationID.String
	r.BearerToken = bearerToken.String
	r.FirstRegisteredAt = nullTime(firstRegistered)
	r.LastHeartbeatAt = nullTime(lastHeartbeat)
	r.LastResponseAt = nullTime(lastResponse)
	r.UpdatedAt = storage.ParseTime(updated)
	return r, nil
}

// SaveRegistered persists a successful registration. first_registered_at
// is only set once.
func (s *NeuronStore) SaveRegistered(ctx context.Context, registrationID, bearerToken string) error {
	now := storage.FormatTime(s.clock().UTC())
	_, err := s.db.Run(ctx, `UPDATE neuron_registration SET
		registration_id = ?, bearer_token = ?, status = ?,
		first_registered_at = COALESCE(first_registered_at, ?),
		last_response_at = ?, updated_at = ?
		WHERE id = 1`,
		registrationID, bearerToken, StatusRegistered, now, now, now)
	if err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

// TouchHeartbeat records a successful beat and reaffirms registered
// status.
func (s *NeuronStore) TouchHeartbeat(ctx context.Context) error {
	now := storage.FormatTime(s.clock().UTC())
	_, err := s.db.Run(ctx, `UPDATE neuron_registration SET
		status = ?, last_heartbeat_at = ?, last_response_at = ?, updated_at = ?
		WHERE id = 1`,
		StatusRegistered, now, now, now)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// SetStatus overwrites the persisted status.
func (s *NeuronStore) SetStatus(ctx context.Context, status string) error {
	_, err := s.db.Run(ctx, `UPDATE neuron_registration SET status = ?, updated_at = ? WHERE id = 1`,
		status, storage.FormatTime(s.clock().UTC()))
	if err != nil {
		return fmt.Errorf("set registration status: %w", err)
	}
	return nil
}

func nullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := storage.ParseTime(v.String)
	return &t
}
