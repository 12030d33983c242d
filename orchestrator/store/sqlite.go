package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openfang/openfang/types"
)

// SQLiteStore is a SQLite-backed implementation of Store.
// Suitable for single-node production deployments: run records survive
// restarts, which the startup reconciliation sweep depends on.
type SQLiteStore struct {
	db *gorm.DB
}

// agentRecord is the database row for an agent definition.
type agentRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"index:idx_agents_name_version,unique;size:128"`
	Version        int    `gorm:"index:idx_agents_name_version,unique"`
	Runtime        string `gorm:"size:16"`
	EntryPoint     string
	BundleDir      string
	CPUPercent     int
	MemoryMB       int
	TimeoutNanos   int64
	MaxOutputBytes int
	NetworkEnabled bool
	Env            string // JSON object
	CreatedAt      time.Time
}

func (agentRecord) TableName() string { return "agents" }

// runRecord is the database row for a run.
type runRecord struct {
	ID              string    `gorm:"primaryKey;size:64"`
	AgentID         string    `gorm:"index;size:64"`
	State           string    `gorm:"index;size:16"`
	Priority        int
	Input           string
	Output          string
	OutputTruncated bool
	ExitCode        int
	FailureTag      string    `gorm:"size:32"`
	Error           string
	SandboxID       string    `gorm:"size:64"`
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (runRecord) TableName() string { return "runs" }

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&agentRecord{}, &runRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toAgentRecord(def *types.AgentDefinition) (*agentRecord, error) {
	env := ""
	if len(def.Env) > 0 {
		data, err := json.Marshal(def.Env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agent env: %w", err)
		}
		env = string(data)
	}
	return &agentRecord{
		ID:             def.ID,
		Name:           def.Name,
		Version:        def.Version,
		Runtime:        string(def.Runtime),
		EntryPoint:     def.EntryPoint,
		BundleDir:      def.BundleDir,
		CPUPercent:     def.Limits.CPUPercent,
		MemoryMB:       def.Limits.MemoryMB,
		TimeoutNanos:   int64(def.Limits.Timeout),
		MaxOutputBytes: def.Limits.MaxOutputBytes,
		NetworkEnabled: def.NetworkEnabled,
		Env:            env,
		CreatedAt:      def.CreatedAt,
	}, nil
}

func (r *agentRecord) toDefinition() (*types.AgentDefinition, error) {
	var env map[string]string
	if r.Env != "" {
		if err := json.Unmarshal([]byte(r.Env), &env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent env: %w", err)
		}
	}
	return &types.AgentDefinition{
		ID:         r.ID,
		Name:       r.Name,
		Version:    r.Version,
		Runtime:    types.RuntimeKind(r.Runtime),
		EntryPoint: r.EntryPoint,
		BundleDir:  r.BundleDir,
		Limits: types.ResourceLimits{
			CPUPercent:     r.CPUPercent,
			MemoryMB:       r.MemoryMB,
			Timeout:        time.Duration(r.TimeoutNanos),
			MaxOutputBytes: r.MaxOutputBytes,
		},
		NetworkEnabled: r.NetworkEnabled,
		Env:            env,
		CreatedAt:      r.CreatedAt,
	}, nil
}

func toRunRecord(run *types.Run) *runRecord {
	return &runRecord{
		ID:              run.ID,
		AgentID:         run.AgentID,
		State:           string(run.State),
		Priority:        run.Priority,
		Input:           run.Input,
		Output:          run.Output,
		OutputTruncated: run.OutputTruncated,
		ExitCode:        run.ExitCode,
		FailureTag:      run.FailureTag,
		Error:           run.Error,
		SandboxID:       run.SandboxID,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
	}
}

func (r *runRecord) toRun() *types.Run {
	return &types.Run{
		ID:              r.ID,
		AgentID:         r.AgentID,
		State:           types.RunState(r.State),
		Priority:        r.Priority,
		Input:           r.Input,
		Output:          r.Output,
		OutputTruncated: r.OutputTruncated,
		ExitCode:        r.ExitCode,
		FailureTag:      r.FailureTag,
		Error:           r.Error,
		SandboxID:       r.SandboxID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}

// SaveAgent persists a definition.
func (s *SQLiteStore) SaveAgent(ctx context.Context, def *types.AgentDefinition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	rec, err := toAgentRecord(def)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(rec).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	return err
}

// GetAgent retrieves a definition by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*types.AgentDefinition, error) {
	var rec agentRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toDefinition()
}

// GetAgentByName retrieves the highest-version definition for a name.
func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*types.AgentDefinition, error) {
	var rec agentRecord
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Order("version DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toDefinition()
}

// ListAgents returns all definitions ordered by name then version.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*types.AgentDefinition, error) {
	var recs []agentRecord
	if err := s.db.WithContext(ctx).Order("name, version").Find(&recs).Error; err != nil {
		return nil, err
	}
	result := make([]*types.AgentDefinition, 0, len(recs))
	for i := range recs {
		def, err := recs[i].toDefinition()
		if err != nil {
			return nil, err
		}
		result = append(result, def)
	}
	return result, nil
}

// DeleteAgent removes a definition by ID.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&agentRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRun persists a run record, inserting or replacing by ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}
	rec := toRunRecord(run)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Save(rec).Error
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	var rec runRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toRun(), nil
}

// ListRuns retrieves runs matching the filter criteria.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	q := s.db.WithContext(ctx).Model(&runRecord{})
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		q = q.Where("state IN ?", states)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *filter.CreatedBefore)
	}
	order := "created_at"
	if filter.OrderDesc {
		order = "created_at DESC"
	}
	q = q.Order(order)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var recs []runRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	result := make([]*types.Run, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toRun())
	}
	return result, nil
}

// ListRecoverableRuns returns runs left in flight by a prior lifetime,
// highest priority first then oldest first.
func (s *SQLiteStore) ListRecoverableRuns(ctx context.Context) ([]*types.Run, error) {
	var recs []runRecord
	err := s.db.WithContext(ctx).
		Where("state IN ?", recoverableStates()).
		Order("priority DESC, created_at").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	result := make([]*types.Run, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toRun())
	}
	return result, nil
}

// CountActiveRuns counts non-terminal runs, optionally for one agent.
func (s *SQLiteStore) CountActiveRuns(ctx context.Context, agentID string) (int, error) {
	q := s.db.WithContext(ctx).Model(&runRecord{}).Where("state IN ?", recoverableStates())
	if agentID != "" {
		q = q.Where("agent_id = ?", agentID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// Cleanup removes terminal runs older than the specified duration.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("state NOT IN ?", recoverableStates()).
		Where("(completed_at IS NOT NULL AND completed_at < ?) OR (completed_at IS NULL AND updated_at < ?)", cutoff, cutoff).
		Delete(&runRecord{})
	return int(res.RowsAffected), res.Error
}

// Stats returns statistics about the store.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StateCounts: make(map[types.RunState]int64),
		AgentCounts: make(map[string]int64),
	}

	if err := s.db.WithContext(ctx).Model(&agentRecord{}).Count(&stats.TotalAgents).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&runRecord{}).Count(&stats.TotalRuns).Error; err != nil {
		return nil, err
	}

	type stateCount struct {
		State string
		N     int64
	}
	var byState []stateCount
	err := s.db.WithContext(ctx).Model(&runRecord{}).
		Select("state, count(*) as n").Group("state").Scan(&byState).Error
	if err != nil {
		return nil, err
	}
	for _, sc := range byState {
		stats.StateCounts[types.RunState(sc.State)] = sc.N
	}

	type agentCount struct {
		AgentID string
		N       int64
	}
	var byAgent []agentCount
	err = s.db.WithContext(ctx).Model(&runRecord{}).
		Select("agent_id, count(*) as n").Group("agent_id").Scan(&byAgent).Error
	if err != nil {
		return nil, err
	}
	for _, ac := range byAgent {
		if ac.AgentID != "" {
			stats.AgentCounts[ac.AgentID] = ac.N
		}
	}

	var oldest runRecord
	err = s.db.WithContext(ctx).
		Where("state = ?", string(types.RunQueued)).
		Order("created_at").
		First(&oldest).Error
	if err == nil {
		stats.OldestQueuedAge = time.Since(oldest.CreatedAt)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Average over succeeded runs with both timestamps recorded.
	var succeeded []runRecord
	err = s.db.WithContext(ctx).
		Where("state = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL", string(types.RunSucceeded)).
		Find(&succeeded).Error
	if err != nil {
		return nil, err
	}
	if len(succeeded) > 0 {
		var total time.Duration
		for i := range succeeded {
			total += succeeded[i].CompletedAt.Sub(*succeeded[i].StartedAt)
		}
		stats.AverageRunTime = total / time.Duration(len(succeeded))
	}
	return stats, nil
}

func recoverableStates() []string {
	return []string{
		string(types.RunQueued),
		string(types.RunProvisioning),
		string(types.RunRunning),
	}
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
