// Package audit implements the tamper-evident journal: an append-only
// JSONL file in which every entry is hash-chained to its predecessor.
//
// The hash input is the RFC 8785 canonical form (keys sorted, no
// insignificant whitespace) of the entry minus its entry_hash field,
// digested with SHA-256. The first entry's prev_hash is 64 zero hex
// characters. Appends serialize under a mutex so entry N's hash is on disk
// before entry N+1 is composed.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Genesis is the prev_hash of the first entry.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Category buckets journal entries by subsystem.
type Category string

const (
	CategoryHandshake    Category = "handshake"
	CategoryConsent      Category = "consent"
	CategoryRelationship Category = "relationship"
	CategoryRegistration Category = "registration"
	CategoryProvider     Category = "provider"
	CategoryAPI          Category = "api"
	CategoryAuth         Category = "auth"
	CategoryIPC          Category = "ipc"
	CategorySystem       Category = "system"
)

// Entry is one journal line.
type Entry struct {
	EntryID   string         `json:"entry_id"`
	Timestamp string         `json:"timestamp"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
}

// Result reports the outcome of a chain verification.
type Result struct {
	OK           bool   `json:"ok"`
	Entries      int    `json:"entries"`
	BrokenAt     int    `json:"broken_at,omitempty"` // 1-based entry number
	EntryID      string `json:"entry_id,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
	Offset       int64  `json:"offset,omitempty"` // byte offset of the offending line
	Reason       string `json:"reason,omitempty"`
}

// Details must never carry credentials, raw payloads, or patient identity
// beyond the opaque agent id. These keys are dropped on append regardless
// of the caller.
var deniedDetailKeys = map[string]struct{}{
	"bearer_token":       {},
	"token":              {},
	"authorization":      {},
	"consent_token":      {},
	"payload":            {},
	"signature":          {},
	"patient_public_key": {},
	"public_key":         {},
}

const (
	maxDetailKeys     = 16
	maxDetailValueLen = 512
	maxLineBytes      = 1 << 20
)

// Journal is the append-only journal handle. It exclusively owns its file
// and the in-memory tail hash.
type Journal struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	enabled  bool
	tail     string
	count    int
	clock    func() time.Time
	observer func(Category)
	log      *slog.Logger
}

// Open opens (or creates) the journal and recovers the tail hash from the
// last line. With enabled=false the journal accepts appends as no-ops and
// never touches the filesystem.
func Open(path string, enabled bool) (*Journal, error) {
	j := &Journal{
		path:    path,
		enabled: enabled,
		tail:    Genesis,
		clock:   time.Now,
		log:     slog.Default().With("component", "audit"),
	}
	if !enabled {
		return j, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit journal %s: %w", path, err)
	}
	tail, count, err := recoverTail(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	j.f = f
	j.tail = tail
	j.count = count
	return j, nil
}

// WithClock overrides the clock for tests.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// WithObserver registers a hook invoked after every successful append.
func (j *Journal) WithObserver(fn func(Category)) *Journal {
	j.observer = fn
	return j
}

// Append writes one entry and returns the new tail hash. With the journal
// disabled it returns the current tail untouched.
func (j *Journal) Append(category Category, action, actor string, details map[string]any) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.enabled {
		return j.tail, nil
	}

	e := Entry{
		EntryID:   uuid.New().String(),
		Timestamp: j.clock().UTC().Format(time.RFC3339Nano),
		Category:  category,
		Action:    action,
		Actor:     actor,
		Details:   scrubDetails(details),
		PrevHash:  j.tail,
	}
	hash, err := entryHash(e)
	if err != nil {
		return "", fmt.Errorf("hash audit entry: %w", err)
	}
	e.EntryHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.f.Write(line); err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return "", fmt.Errorf("sync audit journal: %w", err)
	}

	j.tail = hash
	j.count++
	if j.observer != nil {
		j.observer(category)
	}
	return hash, nil
}

// Tail returns the current tail hash.
func (j *Journal) Tail() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tail
}

// Count returns the number of entries written or recovered.
func (j *Journal) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Enabled reports whether the journal writes to disk.
func (j *Journal) Enabled() bool {
	return j.enabled
}

// Verify replays the journal file and checks every entry from index `from`
// onward. Appends are held off for the duration.
func (j *Journal) Verify(from int) (Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return VerifyFile(j.path, from)
}

// Close releases the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// VerifyFile checks the chain in a journal file without opening it for
// append; the CLI uses this against a possibly-live journal. A missing
// file verifies as an empty, intact chain.
func VerifyFile(path string, from int) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{OK: true}, nil
		}
		return Result{}, fmt.Errorf("open audit journal %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return verifyReader(f, from)
}

func verifyReader(r io.Reader, from int) (Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		offset   int64
		prevHash = Genesis
		index    int
	)
	for sc.Scan() {
		line := sc.Bytes()
		lineStart := offset
		offset += int64(len(line)) + 1

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return Result{
				Entries:  index,
				BrokenAt: index + 1,
				Offset:   lineStart,
				Reason:   "unparseable entry: " + err.Error(),
			}, nil
		}
		if e.PrevHash != prevHash {
			return Result{
				Entries:      index,
				BrokenAt:     index + 1,
				EntryID:      e.EntryID,
				ExpectedHash: prevHash,
				ActualHash:   e.PrevHash,
				Offset:       lineStart,
				Reason:       "chain linkage broken",
			}, nil
		}
		if index >= from {
			computed, err := entryHash(e)
			if err != nil {
				return Result{}, fmt.Errorf("hash entry %d: %w", index+1, err)
			}
			if computed != e.EntryHash {
				return Result{
					Entries:      index,
					BrokenAt:     index + 1,
					EntryID:      e.EntryID,
					ExpectedHash: e.EntryHash,
					ActualHash:   computed,
					Offset:       lineStart,
					Reason:       "entry hash mismatch",
				}, nil
			}
		}
		prevHash = e.EntryHash
		index++
	}
	if err := sc.Err(); err != nil {
		return Result{}, fmt.Errorf("scan audit journal: %w", err)
	}
	return Result{OK: true, Entries: index}, nil
}

// entryHash computes SHA-256 over the canonical form of every field except
// entry_hash.
func entryHash(e Entry) (string, error) {
	hashable := struct {
		EntryID   string         `json:"entry_id"`
		Timestamp string         `json:"timestamp"`
		Category  Category       `json:"category"`
		Action    string         `json:"action"`
		Actor     string         `json:"actor"`
		Details   map[string]any `json:"details"`
		PrevHash  string         `json:"prev_hash"`
	}{e.EntryID, e.Timestamp, e.Category, e.Action, e.Actor, e.Details, e.PrevHash}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// scrubDetails enforces the privacy bound: denied keys dropped, string
// values truncated, at most maxDetailKeys keys (smallest keys win so the
// result is deterministic).
func scrubDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		if _, denied := deniedDetailKeys[strings.ToLower(k)]; denied {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxDetailKeys {
		keys = keys[:maxDetailKeys]
	}
	for _, k := range keys {
		v := in[k]
		if s, ok := v.(string); ok && len(s) > maxDetailValueLen {
			v = s[:maxDetailValueLen]
		}
		out[k] = v
	}
	return out
}

// recoverTail scans the journal and returns the last entry's hash and the
// entry count. A torn or corrupt final line fails the open; the journal is
// tamper-evident, not self-healing.
func recoverTail(path string) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Genesis, 0, nil
		}
		return "", 0, fmt.Errorf("recover audit tail: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var last []byte
	count := 0
	for sc.Scan() {
		last = append(last[:0], sc.Bytes()...)
		count++
	}
	if err := sc.Err(); err != nil {
		return "", 0, fmt.Errorf("recover audit tail: %w", err)
	}
	if count == 0 {
		return Genesis, 0, nil
	}
	var e Entry
	if err := json.Unmarshal(last, &e); err != nil {
		return "", 0, fmt.Errorf("audit journal tail is unreadable (line %d): %w", count, err)
	}
	if e.EntryHash == "" {
		return "", 0, fmt.Errorf("audit journal tail is missing entry_hash (line %d)", count)
	}
	return e.EntryHash, count, nil
}
