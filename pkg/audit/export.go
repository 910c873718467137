package audit

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// PackManifest describes the contents of an evidence pack.
type PackManifest struct {
	GeneratedAt   string `json:"generated_at"`
	Entries       int    `json:"entries"`
	TailHash      string `json:"tail_hash,omitempty"`
	Intact        bool   `json:"intact"`
	BrokenAt      int    `json:"broken_at,omitempty"`
	Journal       string `json:"journal"`
	JournalSHA256 string `json:"journal_sha256"`
}

const packJournalName = "journal.jsonl"

// ExportPack verifies the journal at path and streams an evidence pack to
// out: a zip holding the raw journal, a manifest with the verification
// outcome, and a README. It returns the verification result and the
// SHA-256 of the zip bytes. A broken chain still packs; the manifest
// records where it broke.
func ExportPack(path string, out io.Writer) (Result, string, error) {
	res, err := VerifyFile(path, 0)
	if err != nil {
		return Result{}, "", err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Result{}, "", fmt.Errorf("read audit journal %s: %w", path, err)
		}
		raw = nil
	}

	tail := ""
	if t, _, err := recoverTail(path); err == nil {
		tail = t
	}
	if tail == Genesis {
		tail = ""
	}

	journalSum := sha256.Sum256(raw)
	manifest := PackManifest{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Entries:       res.Entries,
		TailHash:      tail,
		Intact:        res.OK,
		BrokenAt:      res.BrokenAt,
		Journal:       packJournalName,
		JournalSHA256: hex.EncodeToString(journalSum[:]),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Result{}, "", fmt.Errorf("encode pack manifest: %w", err)
	}

	digest := sha256.New()
	zw := zip.NewWriter(io.MultiWriter(out, digest))

	f, err := zw.Create(packJournalName)
	if err != nil {
		return Result{}, "", err
	}
	if _, err := f.Write(raw); err != nil {
		return Result{}, "", err
	}

	f, err = zw.Create("manifest.json")
	if err != nil {
		return Result{}, "", err
	}
	if _, err := f.Write(manifestJSON); err != nil {
		return Result{}, "", err
	}

	f, err = zw.Create("README.txt")
	if err != nil {
		return Result{}, "", err
	}
	_, _ = fmt.Fprintf(f, "Audit evidence pack generated at %s\n\n%s is the raw hash-chained journal.\nmanifest.json records the chain verification outcome and the journal digest.\nRe-verify with: neuron verify-audit --file %s\n", manifest.GeneratedAt, packJournalName, packJournalName)

	if err := zw.Close(); err != nil {
		return Result{}, "", err
	}
	return res, hex.EncodeToString(digest.Sum(nil)), nil
}
