package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfang/openfang/types"
)

// RedisStore is a Redis-backed implementation of Store.
// Run data lives in plain keys with sorted-set indexes by state and agent,
// scored by submission time so range reads come back in FIFO order.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "openfang:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// newRedisStoreWithClient wires an existing client; used by tests.
func newRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "openfang:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) agentKey(id string) string       { return s.keyPrefix + "agent:data:" + id }
func (s *RedisStore) agentNameKey(name string) string { return s.keyPrefix + "agent:name:" + name }
func (s *RedisStore) allAgentsKey() string            { return s.keyPrefix + "agent:all" }

func (s *RedisStore) runKey(id string) string { return s.keyPrefix + "run:data:" + id }
func (s *RedisStore) stateKey(state types.RunState) string {
	return s.keyPrefix + "run:state:" + string(state)
}
func (s *RedisStore) runAgentKey(agentID string) string { return s.keyPrefix + "run:agent:" + agentID }
func (s *RedisStore) allRunsKey() string                { return s.keyPrefix + "run:all" }

// SaveAgent persists a definition.
func (s *RedisStore) SaveAgent(ctx context.Context, def *types.AgentDefinition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}

	exists, err := s.client.Exists(ctx, s.agentKey(def.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrAlreadyExists
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.agentKey(def.ID), data, 0)
	pipe.ZAdd(ctx, s.agentNameKey(def.Name), redis.Z{Score: float64(def.Version), Member: def.ID})
	pipe.ZAdd(ctx, s.allAgentsKey(), redis.Z{Score: float64(def.CreatedAt.UnixNano()), Member: def.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetAgent retrieves a definition by ID.
func (s *RedisStore) GetAgent(ctx context.Context, id string) (*types.AgentDefinition, error) {
	data, err := s.client.Get(ctx, s.agentKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var def types.AgentDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// GetAgentByName retrieves the highest-version definition for a name.
func (s *RedisStore) GetAgentByName(ctx context.Context, name string) (*types.AgentDefinition, error) {
	ids, err := s.client.ZRevRange(ctx, s.agentNameKey(name), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return s.GetAgent(ctx, ids[0])
}

// ListAgents returns all definitions ordered by name then version.
func (s *RedisStore) ListAgents(ctx context.Context) ([]*types.AgentDefinition, error) {
	ids, err := s.client.ZRange(ctx, s.allAgentsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*types.AgentDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetAgent(ctx, id)
		if err != nil {
			continue
		}
		result = append(result, def)
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
func (s *RedisStore) DeleteAgent(ctx context.Context, id string) error {
	def, err := s.GetAgent(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.agentKey(id))
	pipe.ZRem(ctx, s.agentNameKey(def.Name), id)
	pipe.ZRem(ctx, s.allAgentsKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

// SaveRun persists a run record, inserting or replacing by ID.
func (s *RedisStore) SaveRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.UpdatedAt = time.Now()

	// Old copy for index cleanup when the state changed.
	oldRun, _ := s.GetRun(ctx, run.ID)

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	score := float64(run.CreatedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.runKey(run.ID), data, 0)
	if oldRun != nil && oldRun.State != run.State {
		pipe.ZRem(ctx, s.stateKey(oldRun.State), run.ID)
	}
	pipe.ZAdd(ctx, s.stateKey(run.State), redis.Z{Score: score, Member: run.ID})
	pipe.ZAdd(ctx, s.allRunsKey(), redis.Z{Score: score, Member: run.ID})
	if run.AgentID != "" {
		pipe.ZAdd(ctx, s.runAgentKey(run.AgentID), redis.Z{Score: score, Member: run.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetRun retrieves a run by ID.
func (s *RedisStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns retrieves runs matching the filter criteria.
func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	var ids []string
	var err error

	// Narrowest available index first.
	if len(filter.States) == 1 {
		ids, err = s.client.ZRange(ctx, s.stateKey(filter.States[0]), 0, -1).Result()
	} else if filter.AgentID != "" {
		ids, err = s.client.ZRange(ctx, s.runAgentKey(filter.AgentID), 0, -1).Result()
	} else {
		ids, err = s.client.ZRange(ctx, s.allRunsKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*types.Run, 0)
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
		if filter.Matches(run) {
			result = append(result, run)
		}
	}

	sortRuns(result, filter.OrderDesc)
	return page(result, filter.Offset, filter.Limit), nil
}

// ListRecoverableRuns returns runs left in flight by a prior lifetime,
// highest priority first then oldest first.
func (s *RedisStore) ListRecoverableRuns(ctx context.Context) ([]*types.Run, error) {
	result := make([]*types.Run, 0)
	for _, state := range []types.RunState{types.RunQueued, types.RunProvisioning, types.RunRunning} {
		ids, err := s.client.ZRange(ctx, s.stateKey(state), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			run, err := s.GetRun(ctx, id)
			if err != nil {
				continue
			}
			if run.State.IsRecoverable() {
				result = append(result, run)
			}
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
func (s *RedisStore) CountActiveRuns(ctx context.Context, agentID string) (int, error) {
	if agentID != "" {
		runs, err := s.ListRuns(ctx, RunFilter{
			AgentID: agentID,
			States:  []types.RunState{types.RunQueued, types.RunProvisioning, types.RunRunning},
		})
		if err != nil {
			return 0, err
		}
		return len(runs), nil
	}

	count := 0
	for _, state := range []types.RunState{types.RunQueued, types.RunProvisioning, types.RunRunning} {
		n, err := s.client.ZCard(ctx, s.stateKey(state)).Result()
		if err != nil {
			return 0, err
		}
		count += int(n)
	}
	return count, nil
}

// Cleanup removes terminal runs older than the specified duration.
func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	ids, err := s.client.ZRange(ctx, s.allRunsKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
		if !run.State.IsTerminal() {
			continue
		}
		checkTime := run.UpdatedAt
		if run.CompletedAt != nil {
			checkTime = *run.CompletedAt
		}
		if !checkTime.Before(cutoff) {
			continue
		}

		pipe := s.client.Pipeline()
		pipe.Del(ctx, s.runKey(id))
		pipe.ZRem(ctx, s.stateKey(run.State), id)
		pipe.ZRem(ctx, s.allRunsKey(), id)
		if run.AgentID != "" {
			pipe.ZRem(ctx, s.runAgentKey(run.AgentID), id)
		}
		if _, err := pipe.Exec(ctx); err == nil {
			count++
		}
	}
	return count, nil
}

// Stats returns statistics about the store.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StateCounts: make(map[types.RunState]int64),
		AgentCounts: make(map[string]int64),
	}

	agents, err := s.client.ZCard(ctx, s.allAgentsKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.TotalAgents = agents

	ids, err := s.client.ZRange(ctx, s.allRunsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var oldestQueued time.Time
	var totalRunTime time.Duration
	var succeededCount int64

	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
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

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
