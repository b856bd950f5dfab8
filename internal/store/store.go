// Package store persists the state that must survive restarts: the
// pending-redemption queue and the completed-round history.
//
// Everything is stored as JSON files in one directory. Writes use atomic
// file replacement (write to .tmp, then rename) to prevent corruption from
// partial writes or crashes mid-save. Load methods return zero values when
// the backing file does not exist yet.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"polyarb/pkg/types"
)

const (
	redemptionsFile = "redemptions.json"
	roundsFile      = "rounds.json"

	// maxRoundHistory caps the round history so the file cannot grow
	// without bound on long-running deployments.
	maxRoundHistory = 500
)

// Store persists engine state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveRedemptions atomically persists the pending-redemption queue.
func (s *Store) SaveRedemptions(queue []types.PendingRedemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(redemptionsFile, queue)
}

// LoadRedemptions restores the pending-redemption queue from disk.
// Returns an empty queue when nothing has been saved yet.
func (s *Store) LoadRedemptions() ([]types.PendingRedemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queue []types.PendingRedemption
	if err := s.readJSON(redemptionsFile, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// AppendRound adds a completed round to the history, trimming the oldest
// entries beyond the retention cap.
func (s *Store) AppendRound(r types.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rounds []types.Round
	if err := s.readJSON(roundsFile, &rounds); err != nil {
		return err
	}
	rounds = append(rounds, r)
	if len(rounds) > maxRoundHistory {
		rounds = rounds[len(rounds)-maxRoundHistory:]
	}
	return s.writeJSON(roundsFile, rounds)
}

// LoadRounds restores the completed-round history, oldest first.
func (s *Store) LoadRounds() ([]types.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rounds []types.Round
	if err := s.readJSON(roundsFile, &rounds); err != nil {
		return nil, err
	}
	return rounds, nil
}

// writeJSON atomically replaces the named file with the JSON encoding of v.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// readJSON decodes the named file into v, leaving v untouched when the file
// does not exist.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}
