// Package store keeps the authoritative registry of runs. Every mutation
// holds the store-wide lock and persists the record's status.json under the
// run directory before returning.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/types"
)

var (
	// ErrNotFound is returned when a run id is unknown.
	ErrNotFound = errors.New("run not found")
	// ErrExists is returned when registering a duplicate run id.
	ErrExists = errors.New("run already registered")
)

// RunStore is a mutex-guarded map of run records backed by per-run
// status.json files.
type RunStore struct {
	root string

	mu   sync.Mutex
	runs map[string]types.RunRecord
}

// New opens a store rooted at dir, rehydrating any runs whose status.json
// is readable. Malformed records are skipped.
func New(root string) (*RunStore, error) {
	s := &RunStore{root: root, runs: make(map[string]types.RunRecord)}
	matches, err := doublestar.FilepathGlob(filepath.Join(root, "*", "status.json"))
	if err != nil {
		return nil, fmt.Errorf("scan runs dir: %w", err)
	}
	for _, path := range matches {
		var rec types.RunRecord
		if err := jsonio.Read(path, &rec); err != nil {
			continue
		}
		if rec.RunID == "" {
			continue
		}
		s.runs[rec.RunID] = rec
	}
	return s, nil
}

// Root returns the runs directory.
func (s *RunStore) Root() string { return s.root }

// RunDir returns the directory owned by the given run.
func (s *RunStore) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Register adds a new run and persists it. Duplicate ids are rejected.
func (s *RunStore) Register(rec types.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.RunID)
	}
	s.runs[rec.RunID] = rec
	return s.persistLocked(rec)
}

// Exists reports whether the run id is known.
func (s *RunStore) Exists(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[runID]
	return ok
}

// Get returns the record for runID.
func (s *RunStore) Get(runID string) (types.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return types.RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return rec, nil
}

// All returns every known record.
func (s *RunStore) All() []types.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, rec)
	}
	return out
}

// UpdateStatus replaces the status of an existing run and persists it.
// A missing id is an error; the store never creates runs implicitly.
func (s *RunStore) UpdateStatus(runID string, status types.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	rec.Status = status
	s.runs[runID] = rec
	return s.persistLocked(rec)
}

// MarkFailed transitions the run to FAILED, recording the failed stage and
// message while freezing progress.
func (s *RunStore) MarkFailed(runID string, stage types.Stage, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	rec.Status.State = types.StateFailed
	rec.Status.Stage = stage
	rec.Status.FailedStage = stage
	rec.Status.ErrorMessage = message
	s.runs[runID] = rec
	return s.persistLocked(rec)
}

func (s *RunStore) persistLocked(rec types.RunRecord) error {
	return jsonio.Write(filepath.Join(s.root, rec.RunID, "status.json"), rec)
}
