// Package store provides durable persistence for agent definitions and run
// records.
//
// Three backends are supported:
//   - Memory: for development and testing (default)
//   - SQLite: for single-node production deployments
//   - Redis: for deployments that already operate Redis
//
// Run records survive orchestrator restarts; the startup reconciliation sweep
// uses ListRecoverableRuns to find runs a prior lifetime left in flight.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/openfang/openfang/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// Backend names accepted by config.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional).
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number.
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Config selects and configures the persistence backend.
type Config struct {
	// Backend is one of "memory", "sqlite", "redis".
	Backend string `json:"backend" yaml:"backend"`

	// Path is the SQLite database file (sqlite backend only).
	Path string `json:"path" yaml:"path"`

	// Redis configuration (redis backend only).
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Retention is how long terminal runs are kept before Cleanup removes
	// them.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendMemory,
		Path:      "./data/openfang.db",
		Retention: 24 * time.Hour,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "openfang:",
		},
	}
}

// RunFilter selects run records for listing.
type RunFilter struct {
	// AgentID filters by agent (empty matches all).
	AgentID string

	// States filters by lifecycle state (empty matches all).
	States []types.RunState

	// CreatedAfter / CreatedBefore bound the submission time.
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// Limit and Offset page the results.
	Limit  int
	Offset int

	// OrderDesc returns newest-first instead of oldest-first.
	OrderDesc bool
}

// Matches reports whether a run satisfies the filter. Shared by the backends
// that filter in application code.
func (f RunFilter) Matches(run *types.Run) bool {
	if f.AgentID != "" && run.AgentID != f.AgentID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if run.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && run.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && run.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

// Stats summarises the contents of the store.
type Stats struct {
	TotalAgents int64 `json:"total_agents"`
	TotalRuns   int64 `json:"total_runs"`

	StateCounts map[types.RunState]int64 `json:"state_counts"`
	AgentCounts map[string]int64         `json:"agent_counts"`

	// OldestQueuedAge is how long the oldest still-queued run has waited.
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`

	// AverageRunTime averages StartedAt..CompletedAt over succeeded runs.
	AverageRunTime time.Duration `json:"average_run_time"`
}

// Store persists agent definitions and run records.
type Store interface {
	// SaveAgent persists a definition. Definitions are immutable; saving an
	// ID that already exists returns ErrAlreadyExists.
	SaveAgent(ctx context.Context, def *types.AgentDefinition) error

	// GetAgent retrieves a definition by ID.
	GetAgent(ctx context.Context, id string) (*types.AgentDefinition, error)

	// GetAgentByName retrieves the highest-version definition for a name.
	GetAgentByName(ctx context.Context, name string) (*types.AgentDefinition, error)

	// ListAgents returns all definitions ordered by name then version.
	ListAgents(ctx context.Context) ([]*types.AgentDefinition, error)

	// DeleteAgent removes a definition by ID.
	DeleteAgent(ctx context.Context, id string) error

	// SaveRun persists a run record, inserting or replacing by ID.
	SaveRun(ctx context.Context, run *types.Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*types.Run, error)

	// ListRuns retrieves runs matching the filter, oldest-first unless the
	// filter says otherwise.
	ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error)

	// ListRecoverableRuns returns runs a prior process lifetime left in a
	// non-terminal state, highest priority first then oldest first.
	ListRecoverableRuns(ctx context.Context) ([]*types.Run, error)

	// CountActiveRuns counts non-terminal runs, optionally for one agent.
	CountActiveRuns(ctx context.Context, agentID string) (int, error)

	// Cleanup removes terminal runs older than the given duration and
	// returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns store statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// sortRuns orders runs by submission time, oldest first unless desc.
func sortRuns(runs []*types.Run, desc bool) {
	sort.Slice(runs, func(i, j int) bool {
		less := runs[i].CreatedAt.Before(runs[j].CreatedAt)
		if desc {
			return !less
		}
		return less
	})
}

// page applies offset and limit to an already-sorted slice.
func page(runs []*types.Run, offset, limit int) []*types.Run {
	if offset > 0 {
		if offset >= len(runs) {
			return []*types.Run{}
		}
		runs = runs[offset:]
	}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs
}
