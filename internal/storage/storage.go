// Package storage persists per-symbol position and pending-exit records as
// JSON files. Writes are atomic (temp file + rename) so a crash leaves
// either the old or the new state on disk, never a torn file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyunwoolee/kis-trend-atr/internal/models"
)

// Store is the durable per-symbol position store. One file per symbol,
// holding the position and its pending-exit record together.
type Store struct {
	mu     sync.RWMutex
	dir    string
	logger *log.Logger

	pendingExitMaxAge time.Duration
}

// symbolState is the on-disk layout of positions_<symbol>.json.
type symbolState struct {
	Position    *models.Position    `json:"position"`
	PendingExit *models.PendingExit `json:"pending_exit"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// NewStore creates the directory if needed and returns a Store.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating position store dir: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{dir: dir, logger: logger, pendingExitMaxAge: models.PendingExitMaxAge}, nil
}

// SetPendingExitMaxAge overrides how old a pending-exit record may grow
// before LoadPendingExit discards it. d <= 0 keeps the default.
func (s *Store) SetPendingExitMaxAge(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.pendingExitMaxAge = d
	s.mu.Unlock()
}

func (s *Store) path(symbol string) string {
	return filepath.Join(s.dir, "positions_"+models.NormalizeSymbol(symbol)+".json")
}

// read loads the state file for symbol. A missing file is an empty state.
// A file that no longer parses is quarantined to <path>.corrupt so the
// engine starts from a clean slate while the bytes stay inspectable.
func (s *Store) read(symbol string) (*symbolState, error) {
	path := s.path(symbol)
	data, err := os.ReadFile(path) // #nosec G304 -- path built from a validated symbol
	if errors.Is(err, os.ErrNotExist) {
		return &symbolState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state for %s: %w", symbol, err)
	}
	var st symbolState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Printf("state for %s unparseable (%v), quarantining to %s", symbol, err, path+".corrupt")
		if rerr := os.Rename(path, path+".corrupt"); rerr != nil {
			return nil, fmt.Errorf("quarantining corrupt state for %s: %v (parse error: %w)", symbol, rerr, err)
		}
		return &symbolState{}, nil
	}
	return &st, nil
}

// write persists the state atomically, removing the file when empty.
func (s *Store) write(symbol string, st *symbolState) error {
	path := s.path(symbol)
	if st.Position == nil && st.PendingExit == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing empty state for %s: %w", symbol, err)
		}
		return nil
	}

	st.UpdatedAt = time.Now()
	if err := WriteJSONAtomic(path, st); err != nil {
		return fmt.Errorf("writing state for %s: %w", symbol, err)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it through a temp file + rename.
// Also used by the risk manager for its persisted state.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadJSON loads path into out. A missing file returns os.ErrNotExist.
func ReadJSON(path string, out any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- callers pass configured state paths
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Load returns the stored position for symbol, or nil when none exists.
// The write lock covers the quarantine rename read may perform.
func (s *Store) Load(symbol string) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read(symbol)
	if err != nil {
		return nil, err
	}
	if st.Position == nil {
		return nil, nil
	}
	if err := st.Position.Validate(); err != nil {
		return nil, fmt.Errorf("stored position for %s is invalid: %w", symbol, err)
	}
	return st.Position, nil
}

// Save validates and persists a position, preserving any pending exit.
func (s *Store) Save(pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("cannot save nil position")
	}
	if err := pos.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read(pos.Symbol)
	if err != nil {
		return err
	}
	st.Position = pos
	return s.write(pos.Symbol, st)
}

// Clear removes the stored position for symbol, keeping any pending exit.
func (s *Store) Clear(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read(symbol)
	if err != nil {
		return err
	}
	st.Position = nil
	return s.write(symbol, st)
}

// SavePendingExit persists a pending-exit record alongside the position.
func (s *Store) SavePendingExit(p *models.PendingExit) error {
	if p == nil {
		return fmt.Errorf("cannot save nil pending exit")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read(p.Symbol)
	if err != nil {
		return err
	}
	st.PendingExit = p
	return s.write(p.Symbol, st)
}

// LoadPendingExit returns the pending exit for symbol. Records that are
// stale (older than the max age) or stored under the wrong symbol are
// discarded from disk and reported as absent.
func (s *Store) LoadPendingExit(symbol string, now time.Time) (*models.PendingExit, error) {
	symbol = models.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read(symbol)
	if err != nil {
		return nil, err
	}
	pe := st.PendingExit
	if pe == nil {
		return nil, nil
	}
	if models.NormalizeSymbol(pe.Symbol) != symbol || pe.StaleAfter(now, s.pendingExitMaxAge) {
		s.logger.Printf("discarding pending exit for %s (symbol=%s, age=%s)",
			symbol, pe.Symbol, now.Sub(pe.UpdatedAt))
		st.PendingExit = nil
		if err := s.write(symbol, st); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return pe, nil
}

// ClearPendingExit removes the pending-exit record for symbol.
func (s *Store) ClearPendingExit(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read(symbol)
	if err != nil {
		return err
	}
	st.PendingExit = nil
	return s.write(symbol, st)
}

// Symbols lists every symbol with stored state, for startup reconciliation.
func (s *Store) Symbols() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if len(name) == len("positions_000000.json") &&
			name[:10] == "positions_" && filepath.Ext(name) == ".json" {
			out = append(out, name[10:16])
		}
	}
	return out, nil
}
