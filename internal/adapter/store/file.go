package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"propwatch/internal/domain"
)

// FileStore keeps actions and runs as JSON files in a directory. Every write
// rewrites the affected file atomically.
type FileStore struct {
	dir     string
	maxRuns int
	mu      sync.RWMutex
	actions map[string]*domain.QueuedAction
	runs    map[string][]*domain.RunResult
}

// NewFileStore opens dir, creating it if needed, and loads existing data.
func NewFileStore(dir string, maxRuns int) (*FileStore, error) {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	s := &FileStore{
		dir:     dir,
		maxRuns: maxRuns,
		actions: make(map[string]*domain.QueuedAction),
		runs:    make(map[string][]*domain.RunResult),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("filestore: load: %w", err)
	}
	return s, nil
}

func (s *FileStore) SaveAction(_ context.Context, a *domain.QueuedAction) error {
	if a == nil || a.ID == "" {
		return domain.NewDomainError("FileStore.SaveAction", domain.ErrInvalidInput, "action id is required")
	}
	c := *a
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.actions[a.ID]
	s.actions[a.ID] = &c
	if err := s.saveActions(); err != nil {
		if prev != nil {
			s.actions[a.ID] = prev
		} else {
			delete(s.actions, a.ID)
		}
		return err
	}
	return nil
}

func (s *FileStore) ListActions(_ context.Context) ([]*domain.QueuedAction, error) {
	s.mu.RLock()
	out := make([]*domain.QueuedAction, 0, len(s.actions))
	for _, a := range s.actions {
		c := *a
		out = append(out, &c)
	}
	s.mu.RUnlock()
	sortActions(out)
	return out, nil
}

func (s *FileStore) AppendRun(_ context.Context, r *domain.RunResult) error {
	if r == nil {
		return domain.NewDomainError("FileStore.AppendRun", domain.ErrInvalidInput, "run is nil")
	}
	c := *r
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.runs[r.AgentID]
	s.runs[r.AgentID] = trimRuns(append(append([]*domain.RunResult(nil), prev...), &c), s.maxRuns)
	if err := s.saveRuns(); err != nil {
		s.runs[r.AgentID] = prev
		return err
	}
	return nil
}

func (s *FileStore) ListRuns(_ context.Context, agentID string, limit int) ([]*domain.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.runs, agentID, limit), nil
}

// Close is a no-op; every write is already on disk.
func (s *FileStore) Close() error { return nil }

// --- persistence ---

func (s *FileStore) actionsPath() string { return filepath.Join(s.dir, "actions.json") }
func (s *FileStore) runsPath() string    { return filepath.Join(s.dir, "runs.json") }

func (s *FileStore) load() error {
	if data, err := os.ReadFile(s.actionsPath()); err == nil {
		var actions []*domain.QueuedAction
		if err := json.Unmarshal(data, &actions); err != nil {
			return fmt.Errorf("parse actions.json: %w", err)
		}
		for _, a := range actions {
			s.actions[a.ID] = a
		}
	}

	if data, err := os.ReadFile(s.runsPath()); err == nil {
		if err := json.Unmarshal(data, &s.runs); err != nil {
			return fmt.Errorf("parse runs.json: %w", err)
		}
	}
	return nil
}

func (s *FileStore) saveActions() error {
	actions := make([]*domain.QueuedAction, 0, len(s.actions))
	for _, a := range s.actions {
		actions = append(actions, a)
	}
	sortActions(actions)
	return writeJSON(s.actionsPath(), actions)
}

func (s *FileStore) saveRuns() error {
	return writeJSON(s.runsPath(), s.runs)
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
