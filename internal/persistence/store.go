// Package persistence durably stores a models.Plan as a single YAML document,
// protected by an advisory file lock and written atomically so a reader never
// observes a torn write.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/harrison/conductor-engine/internal/models"
)

// Store persists a Plan to a fixed path on disk. A Store is safe for
// concurrent use by multiple goroutines in this process and coordinates
// with other processes via an advisory lock file.
type Store struct {
	path string
	lock *flock.Flock
}

// NewStore creates a Store writing to path, locking via path+".lock".
func NewStore(path string) *Store {
	if path == "" {
		panic("persistence store path cannot be empty")
	}
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Load reads and parses the Plan at the store's path. A missing file is not
// an error condition a caller should panic on; it returns os.ErrNotExist
// wrapped so callers can check with errors.Is.
func (s *Store) Load() (*models.Plan, error) {
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("persistence: failed to acquire lock on %s: %w", s.path, err)
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to read %s: %w", s.path, err)
	}

	var plan models.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("persistence: failed to parse %s: %w", s.path, err)
	}
	return &plan, nil
}

// Save serializes the plan to YAML and writes it atomically under lock. This
// is called synchronously after every Scheduler state transition, per the
// engine's durability requirement: the on-disk Plan must never lag the
// in-memory Plan by more than one transition.
func (s *Store) Save(plan *models.Plan) error {
	data, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("persistence: failed to marshal plan %s: %w", plan.ID, err)
	}

	// The lock file lives beside the plan, so its directory must exist first.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: failed to create directory %s: %w", dir, err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("persistence: failed to acquire lock on %s: %w", s.path, err)
	}
	defer s.lock.Unlock()

	return atomicWrite(s.path, data)
}

// atomicWrite writes data to path using a temp-file-then-rename strategy so
// readers never observe a partial write, even if the process is killed
// mid-write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-plan-*")
	if err != nil {
		return fmt.Errorf("persistence: failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("persistence: failed to write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("persistence: failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("persistence: failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0o644); err != nil {
		return fmt.Errorf("persistence: failed to set permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("persistence: failed to rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}
