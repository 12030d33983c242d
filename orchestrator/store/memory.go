package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfang/openfang/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentDefinition
	runs   map[string]*types.Run
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*types.AgentDefinition),
		runs:   make(map[string]*types.Run),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveAgent persists a definition.
func (s *MemoryStore) SaveAgent(ctx context.Context, def *types.AgentDefinition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.agents[def.ID]; ok {
		return ErrAlreadyExists
	}

	cp := *def
	s.agents[def.ID] = &cp
	return nil
}

// GetAgent retrieves a definition by ID.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*types.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	def, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	return &cp, nil
}

// GetAgentByName retrieves the highest-version definition for a name.
func (s *MemoryStore) GetAgentByName(ctx context.Context, name string) (*types.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var best *types.AgentDefinition
	for _, def := range s.agents {
		if def.Name != name {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// ListAgents returns all definitions ordered by name then version.
func (s *MemoryStore) ListAgents(ctx context.Context) ([]*types.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.AgentDefinition, 0, len(s.agents))
	for _, def := range s.agents {
		cp := *def
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Version < result[j].Version
	})
	return result, nil
}

// DeleteAgent removes a definition by ID.
func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

// SaveRun persists a run record, inserting or replacing by ID.
func (s *MemoryStore) SaveRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.runs[run.ID] = &cp
	return nil
}

// GetRun retrieves a run by ID.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// ListRuns retrieves runs matching the filter criteria.
func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Run, 0)
	for _, run := range s.runs {
		if filter.Matches(run) {
			cp := *run
			result = append(result, &cp)
		}
	}

	sortRuns(result, filter.OrderDesc)
	return page(result, filter.Offset, filter.Limit), nil
}

// ListRecoverableRuns returns runs left in flight by a prior lifetime,
// highest priority first then oldest first.
func (s *MemoryStore) ListRecoverableRuns(ctx context.Context) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Run, 0)
	for _, run := range s.runs {
		if run.State.IsRecoverable() {
			cp := *run
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CountActiveRuns counts non-terminal runs, optionally for one agent.
func (s *MemoryStore) CountActiveRuns(ctx context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	for _, run := range s.runs {
		if run.State.IsTerminal() {
			continue
		}
		if agentID != "" && run.AgentID != agentID {
			continue
		}
		count++
	}
	return count, nil
}

// Cleanup removes terminal runs older than the specified duration.
func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, run := range s.runs {
		if !run.State.IsTerminal() {
			continue
		}
		checkTime := run.UpdatedAt
		if run.CompletedAt != nil {
			checkTime = *run.CompletedAt
		}
		if checkTime.Before(cutoff) {
			delete(s.runs, id)
			count++
		}
	}
	return count, nil
}

// Stats returns statistics about the store.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{
		TotalAgents: int64(len(s.agents)),
		StateCounts: make(map[types.RunState]int64),
		AgentCounts: make(map[string]int64),
	}

	var oldestQueued time.Time
	var totalRunTime time.Duration
	var succeededCount int64

	for _, run := range s.runs {
		stats.TotalRuns++
		stats.StateCounts[run.State]++
		if run.AgentID != "" {
			stats.AgentCounts[run.AgentID]++
		}

		switch run.State {
		case types.RunQueued:
			if oldestQueued.IsZero() || run.CreatedAt.Before(oldestQueued) {
				oldestQueued = run.CreatedAt
			}
		case types.RunSucceeded:
			if run.StartedAt != nil && run.CompletedAt != nil {
				totalRunTime += run.CompletedAt.Sub(*run.StartedAt)
				succeededCount++
			}
		}
	}

	if !oldestQueued.IsZero() {
		stats.OldestQueuedAge = time.Since(oldestQueued)
	}
	if succeededCount > 0 {
		stats.AverageRunTime = totalRunTime / time.Duration(succeededCount)
	}
	return stats, nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
