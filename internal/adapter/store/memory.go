// Package store persists queued actions and agent run results. The memory,
// file and SQLite stores share one contract: SaveAction is an upsert by id,
// ListActions returns actions oldest first, and ListRuns returns runs newest
// first, keeping at most maxRuns per agent.
package store

import (
	"context"
	"sort"
	"sync"

	"propwatch/internal/domain"
)

// DefaultMaxRuns bounds retained runs per agent.
const DefaultMaxRuns = 200

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]*domain.QueuedAction
	runs    map[string][]*domain.RunResult // agent id -> runs, oldest first
	maxRuns int
}

// NewMemoryStore creates an empty store. maxRuns <= 0 uses DefaultMaxRuns.
func NewMemoryStore(maxRuns int) *MemoryStore {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &MemoryStore{
		actions: make(map[string]*domain.QueuedAction),
		runs:    make(map[string][]*domain.RunResult),
		maxRuns: maxRuns,
	}
}

func (s *MemoryStore) SaveAction(_ context.Context, a *domain.QueuedAction) error {
	if a == nil || a.ID == "" {
		return domain.NewDomainError("MemoryStore.SaveAction", domain.ErrInvalidInput, "action id is required")
	}
	c := *a
	s.mu.Lock()
	s.actions[a.ID] = &c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListActions(_ context.Context) ([]*domain.QueuedAction, error) {
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

func (s *MemoryStore) AppendRun(_ context.Context, r *domain.RunResult) error {
	if r == nil {
		return domain.NewDomainError("MemoryStore.AppendRun", domain.ErrInvalidInput, "run is nil")
	}
	c := *r
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.AgentID] = trimRuns(append(s.runs[r.AgentID], &c), s.maxRuns)
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, agentID string, limit int) ([]*domain.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.runs, agentID, limit), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortActions(actions []*domain.QueuedAction) {
	sort.Slice(actions, func(i, j int) bool {
		if !actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].CreatedAt.Before(actions[j].CreatedAt)
		}
		return actions[i].ID < actions[j].ID
	})
}

func trimRuns(runs []*domain.RunResult, max int) []*domain.RunResult {
	if len(runs) > max {
		runs = runs[len(runs)-max:]
	}
	return runs
}

// newestFirst flattens per-agent runs. An empty agentID means every agent.
func newestFirst(runs map[string][]*domain.RunResult, agentID string, limit int) []*domain.RunResult {
	var out []*domain.RunResult
	if agentID != "" {
		out = append(out, runs[agentID]...)
	} else {
		for _, rs := range runs {
			out = append(out, rs...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]*domain.RunResult, len(out))
	for i, r := range out {
		c := *r
		res[i] = &c
	}
	return res
}
