// Package manifest persists the per-job run manifest: an append-only map
// from job key to run entries, stored as manifest.json in the state dir.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"airbridge/internal/apperrors"
)

// FileName is the manifest file stored at the state root.
const FileName = "manifest.json"

// Entry records one completed run of a job.
type Entry struct {
	JobID         string `json:"jobid"`
	Source        string `json:"source"`
	DataFile      string `json:"data_file"`
	StateFilePath string `json:"state_file_path"`
	Timestamp     int64  `json:"timestamp"`
	ModifiedAt    string `json:"modified_at"`
}

// Store reads and appends manifest entries.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore returns a store over stateDir/manifest.json.
func NewStore(stateDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   filepath.Join(stateDir, FileName),
		logger: logger.With("component", "manifest"),
	}
}

// Path returns the manifest file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the full manifest. A missing or empty-but-present file yields
// an empty map (the empty case is logged); malformed JSON or permission
// errors are fatal and surface as ManifestCorrupt.
func (s *Store) Load() (map[string][]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]Entry{}, nil
	}
	if err != nil {
		return nil, apperrors.ManifestCorrupt("manifest.read", err)
	}
	if len(data) == 0 {
		s.logger.Warn("manifest file present but empty, starting fresh", "path", s.path)
		return map[string][]Entry{}, nil
	}

	var m map[string][]Entry
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.ManifestCorrupt("manifest.parse", err)
	}
	if m == nil {
		m = map[string][]Entry{}
	}
	return m, nil
}

// Append adds an entry under jobKey, preserving all prior entries, and
// atomically rewrites the file.
func (s *Store) Append(jobKey string, e Entry) error {
	m, err := s.Load()
	if err != nil {
		return err
	}
	m[jobKey] = append(m[jobKey], e)
	return s.write(m)
}

// Latest returns the entry with the greatest timestamp for jobKey, not the
// last list position. A job with no entries returns (zero, false, nil).
func (s *Store) Latest(jobKey string) (Entry, bool, error) {
	m, err := s.Load()
	if err != nil {
		return Entry{}, false, err
	}
	entries := m[jobKey]
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Timestamp > best.Timestamp {
			best = e
		}
	}
	return best, true, nil
}

// LatestStatePath resolves the checkpoint file for the job's most recent
// run. Empty when the job has no history or the latest run produced no state.
func (s *Store) LatestStatePath(jobKey string) (string, error) {
	e, ok, err := s.Latest(jobKey)
	if err != nil || !ok {
		return "", err
	}
	return e.StateFilePath, nil
}

func (s *Store) write(m map[string][]Entry) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperrors.ManifestCorrupt("manifest.encode", err)
	}

	// Temp file in the same directory so the rename is atomic.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), FileName+".tmp-*")
	if err != nil {
		return apperrors.ManifestCorrupt("manifest.write", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.ManifestCorrupt("manifest.write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.ManifestCorrupt("manifest.write", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return apperrors.ManifestCorrupt("manifest.write", err)
	}
	return nil
}

// JobKey picks the manifest key for a job: the source-config fingerprint
// when available, the job ID otherwise.
func JobKey(jobID, configHash string) string {
	if configHash != "" {
		return configHash
	}
	return jobID
}

// Describe formats an entry for logs.
func Describe(e Entry) string {
	return fmt.Sprintf("%s run %d (data=%s state=%s)", e.JobID, e.Timestamp, e.DataFile, e.StateFilePath)
}
