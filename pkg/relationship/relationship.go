// Package relationship persists patient-provider trust relationships and
// enforces their lifecycle. A live (non-terminated) pair of patient public
// key and provider NPI is unique; terminated relationships are immutable
// history.
package relationship

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axon-health/neuron/pkg/storage"
)

// Status is the relationship lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusTerminated:
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("relationship: not found")
	ErrDuplicate         = errors.New("relationship: live relationship already exists for pair")
	ErrTerminated        = errors.New("relationship: terminated relationships are immutable")
	ErrInvalidTransition = errors.New("relationship: invalid status transition")
)

// Relationship is the stored entity. PatientPublicKey never crosses the
// REST boundary; handlers serialize the View projection instead.
type Relationship struct {
	RelationshipID    string    `json:"relationship_id"`
	PatientAgentID    string    `json:"patient_agent_id"`
	PatientPublicKey  string    `json:"-"`
	ProviderNPI       string    `json:"provider_npi"`
	Status            Status    `json:"status"`
	ConsentedActions  []string  `json:"consented_actions"`
	TerminationReason string    `json:"termination_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// View is the REST-safe projection of a relationship.
type View struct {
	RelationshipID    string    `json:"relationship_id"`
	PatientAgentID    string    `json:"patient_agent_id"`
	ProviderNPI       string    `json:"provider_npi"`
	Status            Status    `json:"status"`
	ConsentedActions  []string  `json:"consented_actions"`
	TerminationReason string    `json:"termination_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// View returns the REST projection.
func (r Relationship) View() View {
	return View{
		RelationshipID:    r.RelationshipID,
		PatientAgentID:    r.PatientAgentID,
		ProviderNPI:       r.ProviderNPI,
		Status:            r.Status,
		ConsentedActions:  r.ConsentedActions,
		TerminationReason: r.TerminationReason,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	PatientAgentID string
	ProviderNPI    string
	Status         Status
}

// Page is one window of a filtered listing.
type Page struct {
	Items  []Relationship
	Total  int
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// Store provides relationship persistence over the shared database handle.
type Store struct {
	db    *storage.Store
	clock func() time.Time
}

// NewStore returns a relationship store backed by db.
func NewStore(db *storage.Store) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

const relationshipColumns = `relationship_id, patient_agent_id, patient_public_key, provider_npi,
	status, consented_actions, termination_reason, created_at, updated_at`

// Create inserts a new relationship. A live relationship for the same
// patient key and NPI yields ErrDuplicate.
func (s *Store) Create(ctx context.Context, patientAgentID, patientPublicKey, providerNPI string, actions []string, status Status) (Relationship, error) {
	if !status.Valid() || status == StatusTerminated {
		return Relationship{}, fmt.Errorf("%w: cannot create as %q", ErrInvalidTransition, status)
	}
	if status == StatusActive && len(actions) == 0 {
		return Relationship{}, errors.New("active relationship requires at least one consented action")
	}
	now := s.clock().UTC()
	r := Relationship{
		RelationshipID:   uuid.New().String(),
		PatientAgentID:   patientAgentID,
		PatientPublicKey: patientPublicKey,
		ProviderNPI:      providerNPI,
		Status:           status,
		ConsentedActions: actions,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return Relationship{}, fmt.Errorf("encode consented_actions: %w", err)
	}
	_, err = s.db.Run(ctx, `INSERT INTO relationships
		(relationship_id, patient_agent_id, patient_public_key, provider_npi, status, consented_actions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RelationshipID, r.PatientAgentID, r.PatientPublicKey, r.ProviderNPI,
		string(r.Status), string(actionsJSON), storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Relationship{}, ErrDuplicate
		}
		return Relationship{}, fmt.Errorf("insert relationship: %w", err)
	}
	return r, nil
}

// Get fetches one relationship by id.
func (s *Store) Get(ctx context.Context, id string) (Relationship, error) {
	var r Relationship
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return scanRelationship(row, &r)
	}, `SELECT `+relationshipColumns+` FROM relationships WHERE relationship_id = ?`, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Relationship{}, ErrNotFound
	}
	if err != nil {
		return Relationship{}, fmt.Errorf("get relationship: %w", err)
	}
	return r, nil
}

// FindLivePair fetches the non-terminated relationship for a patient key
// and provider NPI, if one exists.
func (s *Store) FindLivePair(ctx context.Context, patientPublicKey, providerNPI string) (Relationship, error) {
	var r Relationship
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return scanRelationship(row, &r)
	}, `SELECT `+relationshipColumns+` FROM relationships
		WHERE patient_public_key = ? AND provider_npi = ? AND status != ?`,
		patientPublicKey, providerNPI, string(StatusTerminated))
	if errors.Is(err, storage.ErrNotFound) {
		return Relationship{}, ErrNotFound
	}
	if err != nil {
		return Relationship{}, fmt.Errorf("find relationship pair: %w", err)
	}
	return r, nil
}

// FindByPair fetches the relationship the pair resolves to for admission
// decisions: the live row when one exists, otherwise the newest terminated
// one. A terminated history without a live row still blocks a pair, so the
// caller must see it.
func (s *Store) FindByPair(ctx context.Context, patientPublicKey, providerNPI string) (Relationship, error) {
	var r Relationship
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return scanRelationship(row, &r)
	}, `SELECT `+relationshipColumns+` FROM relationships
		WHERE patient_public_key = ? AND provider_npi = ?
		ORDER BY CASE WHEN status != ? THEN 0 ELSE 1 END, created_at DESC, rowid DESC
		LIMIT 1`,
		patientPublicKey, providerNPI, string(StatusTerminated))
	if errors.Is(err, storage.ErrNotFound) {
		return Relationship{}, ErrNotFound
	}
	if err != nil {
		return Relationship{}, fmt.Errorf("find relationship pair: %w", err)
	}
	return r, nil
}

// List returns a page of relationships matching the filter, newest first.
// Limit is clamped to [1, 100]; zero means the default of 50.
func (s *Store) List(ctx context.Context, f Filter, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	where, args := buildFilter(f)

	var total int
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return row.Scan(&total)
	}, `SELECT COUNT(*) FROM relationships`+where, args...)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Page{}, fmt.Errorf("count relationships: %w", err)
	}

	page := Page{Items: []Relationship{}, Total: total, Limit: limit, Offset: offset}
	listArgs := append(append([]any{}, args...), limit, offset)
	err = s.db.All(ctx, func(rows *sql.Rows) error {
		var r Relationship
		if err := scanRelationship(rows, &r); err != nil {
			return err
		}
		page.Items = append(page.Items, r)
		return nil
	}, `SELECT `+relationshipColumns+` FROM relationships`+where+`
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return Page{}, fmt.Errorf("list relationships: %w", err)
	}
	return page, nil
}

// UpdateStatus moves a relationship to the next status, enforcing the
// lifecycle. Terminated rows never change; use Terminate to get there.
func (s *Store) UpdateStatus(ctx context.Context, id string, next Status) (Relationship, error) {
	if !next.Valid() {
		return Relationship{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if next == StatusTerminated {
		return s.Terminate(ctx, id, "")
	}
	return s.transition(ctx, id, next, nil)
}

// Terminate moves a relationship to terminated with an optional reason.
func (s *Store) Terminate(ctx context.Context, id, reason string) (Relationship, error) {
	return s.transition(ctx, id, StatusTerminated, &reason)
}

// RefreshConsent replaces the consented actions on a live relationship and
// reactivates a pending one. Used when a returning patient presents a
// fresh consent envelope.
func (s *Store) RefreshConsent(ctx context.Context, id string, actions []string) (Relationship, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return Relationship{}, err
	}
	if r.Status == StatusTerminated {
		return Relationship{}, ErrTerminated
	}
	if r.Status == StatusSuspended {
		return Relationship{}, fmt.Errorf("%w: suspended relationship requires operator reactivation", ErrInvalidTransition)
	}
	if len(actions) == 0 {
		return Relationship{}, errors.New("consent refresh requires at least one consented action")
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return Relationship{}, fmt.Errorf("encode consented_actions: %w", err)
	}
	now := s.clock().UTC()
	_, err = s.db.Run(ctx, `UPDATE relationships
		SET consented_actions = ?, status = ?, updated_at = ?
		WHERE relationship_id = ?`,
		string(actionsJSON), string(StatusActive), storage.FormatTime(now), id)
	if err != nil {
		return Relationship{}, fmt.Errorf("refresh consent: %w", err)
	}
	r.ConsentedActions = actions
	r.Status = StatusActive
	r.UpdatedAt = now
	return r, nil
}

func (s *Store) transition(ctx context.Context, id string, next Status, reason *string) (Relationship, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return Relationship{}, err
	}
	if r.Status == StatusTerminated {
		return Relationship{}, ErrTerminated
	}
	if !transitionAllowed(r.Status, next) {
		return Relationship{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	now := s.clock().UTC()

	if next == StatusTerminated {
		termReason := ""
		if reason != nil {
			termReason = *reason
		}
		_, err = s.db.Run(ctx, `UPDATE relationships
			SET status = ?, termination_reason = ?, updated_at = ?
			WHERE relationship_id = ?`,
			string(next), termReason, storage.FormatTime(now), id)
		if err == nil {
			r.TerminationReason = termReason
		}
	} else {
		_, err = s.db.Run(ctx, `UPDATE relationships
			SET status = ?, updated_at = ?
			WHERE relationship_id = ?`,
			string(next), storage.FormatTime(now), id)
	}
	if err != nil {
		return Relationship{}, fmt.Errorf("update relationship status: %w", err)
	}
	r.Status = next
	r.UpdatedAt = now
	return r, nil
}

// transitionAllowed encodes the lifecycle. Same-state updates are
// idempotent for live rows.
func transitionAllowed(from, to Status) bool {
	if from == to {
		return from != StatusTerminated
	}
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusTerminated
	case StatusActive:
		return to == StatusSuspended || to == StatusTerminated
	case StatusSuspended:
		return to == StatusActive || to == StatusTerminated
	}
	return false
}

// CountByStatus returns live counts for status reporting and metrics.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := map[Status]int{}
	err := s.db.All(ctx, func(rows *sql.Rows) error {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return err
		}
		counts[Status(st)] = n
		return nil
	}, `SELECT status, COUNT(*) FROM relationships GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count relationships by status: %w", err)
	}
	return counts, nil
}

func buildFilter(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.PatientAgentID != "" {
		clauses = append(clauses, "patient_agent_id = ?")
		args = append(args, f.PatientAgentID)
	}
	if f.ProviderNPI != "" {
		clauses = append(clauses, "provider_npi = ?")
		args = append(args, f.ProviderNPI)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelationship(row rowScanner, r *Relationship) error {
	var (
		status  string
		actions string
		reason  sql.NullString
		created string
		updated string
	)
	if err := row.Scan(&r.RelationshipID, &r.PatientAgentID, &r.PatientPublicKey, &r.ProviderNPI,
		&status, &actions, &reason, &created, &updated); err != nil {
		return err
	}
	r.Status = Status(status)
	if err := json.Unmarshal([]byte(actions), &r.ConsentedActions); err != nil {
		return fmt.Errorf("decode consented_actions: %w", err)
	}
	if reason.Valid {
		r.TerminationReason = reason.String
	}
	r.CreatedAt = storage.ParseTime(created)
	r.UpdatedAt = storage.ParseTime(updated)
	return nil
}
