package registration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/axon-health/neuron/pkg/storage"
)

// Per-provider directory statuses.
const (
	ProviderPending    = "pending"
	ProviderRegistered = "registered"
	ProviderFailed     = "failed"
)

// Provider is one clinician published (or queued for publication) under
// this organization.
type Provider struct {
	NPI          string    `json:"provider_npi"`
	Name         string    `json:"provider_name,omitempty"`
	Types        []string  `json:"provider_types,omitempty"`
	Specialty    string    `json:"specialty,omitempty"`
	DirectoryID  string    `json:"directory_id,omitempty"`
	AgentAddress string    `json:"agent_address,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProviderStore persists provider registrations.
type ProviderStore struct {
	db    *storage.Store
	clock func() time.Time
}

// NewProviderStore returns a store backed by db.
func NewProviderStore(db *storage.Store) *ProviderStore {
	return &ProviderStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *ProviderStore) WithClock(clock func() time.Time) *ProviderStore {
	s.clock = clock
	return s
}

// Upsert inserts a provider or refreshes its descriptive fields. Directory
// fields are untouched; SetDirectory owns those.
func (s *ProviderStore) Upsert(ctx context.Context, p Provider) (Provider, error) {
	typesJSON, err := json.Marshal(p.Types)
	if err != nil {
		return Provider{}, fmt.Errorf("encode provider types: %w", err)
	}
	now := storage.FormatTime(s.clock().UTC())
	status := p.Status
	if status == "" {
		status = ProviderPending
	}
	_, err = s.db.Run(ctx, `INSERT INTO provider_registrations
		(provider_npi, provider_name, provider_types, specialty, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_npi) DO UPDATE SET
			provider_name = excluded.provider_name,
			provider_types = excluded.provider_types,
			specialty = excluded.specialty,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		p.NPI, p.Name, string(typesJSON), p.Specialty, status, now, now)
	if err != nil {
		return Provider{}, fmt.Errorf("upsert provider: %w", err)
	}
	return s.Get(ctx, p.NPI)
}

// Get loads one provider by NPI.
func (s *ProviderStore) Get(ctx context.Context, npi string) (Provider, error) {
	var p Provider
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return scanProvider(row, &p)
	}, providerSelect+` WHERE provider_npi = ?`, npi)
	if errors.Is(err, storage.ErrNotFound) {
		return Provider{}, ErrNotFound
	}
	if err != nil {
		return Provider{}, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

// List returns all providers ordered by NPI.
func (s *ProviderStore) List(ctx context.Context) ([]Provider, error) {
	providers := []Provider{}
	err := s.db.All(ctx, func(rows *sql.Rows) error {
		var p Provider
		if err := scanProvider(rows, &p); err != nil {
			return err
		}
		providers = append(providers, p)
		return nil
	}, providerSelect+` ORDER BY provider_npi`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return providers, nil
}

// SetDirectory records the directory's acknowledgment of a provider.
func (s *ProviderStore) SetDirectory(ctx context.Context, npi, directoryID, agentAddress, status string) error {
	res, err := s.db.Run(ctx, `UPDATE provider_registrations SET
		directory_id = ?, agent_address = ?, status = ?, updated_at = ?
		WHERE provider_npi = ?`,
		directoryID, agentAddress, status, storage.FormatTime(s.clock().UTC()), npi)
	if err != nil {
		return fmt.Errorf("set provider directory: %w", err)
	}
	if res.Changes == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus overwrites one provider's status.
func (s *ProviderStore) SetStatus(ctx context.Context, npi, status string) error {
	res, err := s.db.Run(ctx, `UPDATE provider_registrations SET status = ?, updated_at = ?
		WHERE provider_npi = ?`,
		status, storage.FormatTime(s.clock().UTC()), npi)
	if err != nil {
		return fmt.Errorf("set provider status: %w", err)
	}
	if res.Changes == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a provider row.
func (s *ProviderStore) Delete(ctx context.Context, npi string) error {
	res, err := s.db.Run(ctx, `DELETE FROM provider_registrations WHERE provider_npi = ?`, npi)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if res.Changes == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus returns providers in one status, ordered by NPI.
func (s *ProviderStore) ListByStatus(ctx context.Context, status string) ([]Provider, error) {
	providers := []Provider{}
	err := s.db.All(ctx, func(rows *sql.Rows) error {
		var p Provider
		if err := scanProvider(rows, &p); err != nil {
			return err
		}
		providers = append(providers, p)
		return nil
	}, providerSelect+` WHERE status = ? ORDER BY provider_npi`, status)
	if err != nil {
		return nil, fmt.Errorf("list providers by status: %w", err)
	}
	return providers, nil
}

// Count returns the number of provider rows.
func (s *ProviderStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return row.Scan(&n)
	}, `SELECT COUNT(*) FROM provider_registrations`)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("count providers: %w", err)
	}
	return n, nil
}

const providerSelect = `SELECT provider_npi, provider_name, provider_types, specialty,
	directory_id, agent_address, status, created_at, updated_at
	FROM provider_registrations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner, p *Provider) error {
	var (
		name      sql.NullString
		types     sql.NullString
		specialty sql.NullString
		dirID     sql.NullString
		address   sql.NullString
		created   string
		updated   string
	)
	if err := row.Scan(&p.NPI, &name, &types, &specialty, &dirID, &address, &p.Status, &created, &updated); err != nil {
		return err
	}
	p.Name = name.String
	p.Specialty = specialty.String
	p.DirectoryID = dirID.String
	p.AgentAddress = address.String
	if types.Valid && types.String != "" {
		if err := json.Unmarshal([]byte(types.String), &p.Types); err != nil {
			return fmt.Errorf("decode provider types: %w", err)
		}
	}
	p.CreatedAt = storage.ParseTime(created)
	p.UpdatedAt = storage.ParseTime(updated)
	return nil
}
