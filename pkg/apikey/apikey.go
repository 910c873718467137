// Package apikey manages operator API keys for the local REST surface.
// Keys are shown once at creation; only their SHA-256 digest is stored.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axon-health/neuron/pkg/storage"
)

const keyPrefix = "nrn_"

var (
	ErrNotFound   = errors.New("apikey: not found")
	ErrInvalidKey = errors.New("apikey: invalid or revoked key")
)

// Key is the stored record. The digest never leaves the package.
type Key struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k Key) Revoked() bool {
	return k.RevokedAt != nil
}

// Generate returns a fresh plaintext key and its digest.
func Generate() (plaintext, digest string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashKey(plaintext), nil
}

// HashKey digests a plaintext key for storage or lookup.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Store persists API keys on the shared database handle.
type Store struct {
	db    *storage.Store
	clock func() time.Time
}

// NewStore returns an API key store backed by db.
func NewStore(db *storage.Store) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Create mints a key and returns the record plus the plaintext, which is
// never recoverable afterwards.
func (s *Store) Create(ctx context.Context, name string) (Key, string, error) {
	plaintext, digest, err := Generate()
	if err != nil {
		return Key{}, "", err
	}
	k := Key{
		KeyID:     uuid.New().String(),
		Name:      name,
		CreatedAt: s.clock().UTC(),
	}
	_, err = s.db.Run(ctx, `INSERT INTO api_keys (key_id, name, key_hash, created_at)
		VALUES (?, ?, ?, ?)`,
		k.KeyID, k.Name, digest, storage.FormatTime(k.CreatedAt))
	if err != nil {
		return Key{}, "", fmt.Errorf("insert api key: %w", err)
	}
	return k, plaintext, nil
}

// Verify authenticates a presented key. Unknown and revoked keys are
// indistinguishable to the caller. On success last_used_at is touched.
func (s *Store) Verify(ctx context.Context, plaintext string) (Key, error) {
	digest := HashKey(plaintext)

	var (
		k          Key
		storedHash string
		created    string
		revoked    sql.NullString
		lastUsed   sql.NullString
	)
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return row.Scan(&k.KeyID, &k.Name, &storedHash, &created, &revoked, &lastUsed)
	}, `SELECT key_id, name, key_hash, created_at, revoked_at, last_used_at
		FROM api_keys WHERE key_hash = ?`, digest)
	if errors.Is(err, storage.ErrNotFound) {
		return Key{}, ErrInvalidKey
	}
	if err != nil {
		return Key{}, fmt.Errorf("look up api key: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(digest)) != 1 {
		return Key{}, ErrInvalidKey
	}
	if revoked.Valid {
		return Key{}, ErrInvalidKey
	}

	now := s.clock().UTC()
	if _, err := s.db.Run(ctx, `UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`,
		storage.FormatTime(now), k.KeyID); err != nil {
		return Key{}, fmt.Errorf("touch api key: %w", err)
	}
	k.CreatedAt = storage.ParseTime(created)
	k.LastUsedAt = &now
	return k, nil
}

// Revoke disables a key. Revoking an already-revoked key is a no-op.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	res, err := s.db.Run(ctx, `UPDATE api_keys SET revoked_at = ?
		WHERE key_id = ? AND revoked_at IS NULL`,
		storage.FormatTime(s.clock().UTC()), keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if res.Changes == 0 {
		// Distinguish missing from already revoked.
		var one int
		err := s.db.Get(ctx, func(row *sql.Row) error {
			return row.Scan(&one)
		}, `SELECT 1 FROM api_keys WHERE key_id = ?`, keyID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check api key: %w", err)
		}
	}
	return nil
}

// List returns all keys, newest first, digests omitted.
func (s *Store) List(ctx context.Context) ([]Key, error) {
	keys := []Key{}
	err := s.db.All(ctx, func(rows *sql.Rows) error {
		var (
			k        Key
			created  string
			revoked  sql.NullString
			lastUsed sql.NullString
		)
		if err := rows.Scan(&k.KeyID, &k.Name, &created, &revoked, &lastUsed); err != nil {
			return err
		}
		k.CreatedAt = storage.ParseTime(created)
		if revoked.Valid {
			t := storage.ParseTime(revoked.String)
			k.RevokedAt = &t
		}
		if lastUsed.Valid {
			t := storage.ParseTime(lastUsed.String)
			k.LastUsedAt = &t
		}
		keys = append(keys, k)
		return nil
	}, `SELECT key_id, name, created_at, revoked_at, last_used_at
		FROM api_keys ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// CountActive returns the number of usable keys.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.Get(ctx, func(row *sql.Row) error {
		return row.Scan(&n)
	}, `SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NULL`)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("count api keys: %w", err)
	}
	return n, nil
}
