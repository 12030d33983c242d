// Package orchestrator admits agent workloads, queues them under a
// concurrency ceiling, executes each in an isolated sandbox, and persists
// every lifecycle transition durably. On startup it reconciles runs a prior
// process lifetime left in flight before admitting new work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfang/openfang/internal/metrics"
	"github.com/openfang/openfang/orchestrator/runtime"
	"github.com/openfang/openfang/orchestrator/sandbox"
	"github.com/openfang/openfang/orchestrator/store"
	"github.com/openfang/openfang/types"
)

// Options configures the orchestrator.
type Options struct {
	// MaxConcurrent is the ceiling on simultaneous provisioning+running runs.
	MaxConcurrent int

	// MaxQueue bounds the pending-run backlog; submissions beyond it are
	// rejected with QUEUE_FULL.
	MaxQueue int

	// ProvisionRetries is how many times a retryable provisioning failure is
	// retried before the run is marked sandbox_error.
	ProvisionRetries int

	// CancelGrace is how long a terminated workload gets to exit before the
	// forced kill.
	CancelGrace time.Duration

	// DefaultLimits fill zero-valued fields of registered agents' limits.
	DefaultLimits types.ResourceLimits
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:    4,
		MaxQueue:         256,
		ProvisionRetries: 2,
		CancelGrace:      5 * time.Second,
		DefaultLimits: types.ResourceLimits{
			CPUPercent:     100,
			MemoryMB:       512,
			Timeout:        5 * time.Minute,
			MaxOutputBytes: 1 << 20,
		},
	}
}

// inflightRun tracks a run between admission and terminal commit: its output
// buffer, its optional deadline, and the cancellation signal.
type inflightRun struct {
	output   *outputBuffer
	deadline *time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newInflightRun(maxOutput int, deadline *time.Time) *inflightRun {
	return &inflightRun{
		output:   newOutputBuffer(maxOutput),
		deadline: deadline,
		cancelCh: make(chan struct{}),
	}
}

// Cancel signals the owning supervisor. Safe to call more than once.
func (f *inflightRun) Cancel() {
	f.cancelOnce.Do(func() { close(f.cancelCh) })
}

// Cancelled reports whether cancellation has been requested.
func (f *inflightRun) Cancelled() bool {
	select {
	case <-f.cancelCh:
		return true
	default:
		return false
	}
}

// Orchestrator is the facade over registration, submission, dispatch,
// supervision, and persistence.
type Orchestrator struct {
	store       store.Store
	provisioner sandbox.Provisioner
	adapters    *runtime.Registry
	dispatcher  *Dispatcher
	sup         *supervisor
	metrics     *metrics.Collector
	logger      *zap.Logger
	opts        Options

	mu       sync.Mutex
	inflight map[string]*inflightRun

	wg       sync.WaitGroup
	stopLoop context.CancelFunc
	started  bool
}

// New creates an orchestrator. The metrics collector may be nil.
func New(st store.Store, prov sandbox.Provisioner, collector *metrics.Collector, logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultOptions().MaxQueue
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultOptions().CancelGrace
	}
	opts.DefaultLimits = opts.DefaultLimits.WithDefaults(DefaultOptions().DefaultLimits)

	adapters := runtime.NewRegistry()
	o := &Orchestrator{
		store:       st,
		provisioner: prov,
		adapters:    adapters,
		dispatcher:  NewDispatcher(opts.MaxConcurrent, opts.MaxQueue),
		metrics:     collector,
		logger:      logger.With(zap.String("component", "orchestrator")),
		opts:        opts,
		inflight:    make(map[string]*inflightRun),
	}
	o.sup = &supervisor{
		store:            st,
		provisioner:      prov,
		adapters:         adapters,
		metrics:          collector,
		logger:           o.logger,
		cancelGrace:      opts.CancelGrace,
		provisionRetries: opts.ProvisionRetries,
		killWait:         30 * time.Second,
	}
	return o
}

// Start reconciles state left by a prior lifetime, then begins dispatching.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	if err := o.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.stopLoop = cancel
	o.wg.Add(1)
	go o.dispatchLoop(loopCtx)
	return nil
}

// Stop halts dispatching and waits for in-flight runs, up to ctx's deadline.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	stop := o.stopLoop
	o.mu.Unlock()

	if stop != nil {
		stop()
	}
	o.dispatcher.Close()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait interrupted: %w", ctx.Err())
	}
}

// reconcile handles runs a prior lifetime left non-terminal: provisioning
// and running runs are marked sandbox_error (their sandboxes are gone),
// queued runs are re-admitted. Stray sandboxes are reaped.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	runs, err := o.store.ListRecoverableRuns(ctx)
	if err != nil {
		return err
	}

	recovered, requeued := 0, 0
	for _, run := range runs {
		switch run.State {
		case types.RunProvisioning, types.RunRunning:
			run.Error = "recovered after restart: sandbox lost"
			if run.ExitCode == 0 {
				run.ExitCode = -1
			}
			if err := run.TransitionTo(types.RunSandboxError); err != nil {
				o.logger.Error("reconcile transition failed",
					zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			if err := o.store.SaveRun(ctx, run); err != nil {
				return err
			}
			if o.metrics != nil {
				o.metrics.RecordRecovered()
			}
			recovered++

		case types.RunQueued:
			def, derr := o.store.GetAgent(ctx, run.AgentID)
			if derr != nil {
				run.Error = "recovered after restart: agent definition missing"
				if terr := run.TransitionTo(types.RunSandboxError); terr == nil {
					_ = o.store.SaveRun(ctx, run)
				}
				continue
			}
			o.mu.Lock()
			o.inflight[run.ID] = newInflightRun(def.Limits.MaxOutputBytes, nil)
			eerr := o.dispatcher.Enqueue(run.ID, run.Priority)
			o.mu.Unlock()
			if eerr != nil {
				run.Error = "recovered after restart: queue overflow"
				if terr := run.TransitionTo(types.RunCancelled); terr == nil {
					_ = o.store.SaveRun(ctx, run)
				}
				continue
			}
			requeued++
		}
	}

	if err := o.provisioner.Cleanup(ctx); err != nil {
		o.logger.Warn("sandbox cleanup failed", zap.Error(err))
	}
	if recovered > 0 || requeued > 0 {
		o.logger.Info("reconciled runs from prior lifetime",
			zap.Int("marked_sandbox_error", recovered),
			zap.Int("requeued", requeued))
	}
	return nil
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		runID, err := o.dispatcher.Next(ctx)
		if err != nil {
			return
		}
		if o.metrics != nil {
			o.metrics.SetQueueDepth(o.dispatcher.Len())
		}

		o.wg.Add(1)
		go func() {
			// Detached from the loop context so a shutdown mid-run cannot
			// prevent the terminal state commit.
			defer o.wg.Done()
			o.runOne(context.WithoutCancel(ctx), runID)
		}()
	}
}

// runOne executes one dequeued run and returns its concurrency slot after
// the terminal state is durable.
func (o *Orchestrator) runOne(ctx context.Context, runID string) {
	defer o.dispatcher.ReleaseSlot()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Error("dequeued run not loadable", zap.String("run_id", runID), zap.Error(err))
		return
	}
	def, err := o.store.GetAgent(ctx, run.AgentID)
	if err != nil {
		run.Error = "agent definition missing at dispatch"
		if terr := run.TransitionTo(types.RunSandboxError); terr == nil {
			_ = o.store.SaveRun(ctx, run)
		}
		return
	}

	o.mu.Lock()
	fl, ok := o.inflight[runID]
	if !ok {
		fl = newInflightRun(def.Limits.MaxOutputBytes, nil)
		o.inflight[runID] = fl
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RunStarted()
	}
	o.sup.execute(ctx, run, def, fl)
	fl.output.Close()

	o.mu.Lock()
	delete(o.inflight, runID)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RunFinished()
		o.metrics.RecordCompleted(string(run.State), run.Duration())
	}
}

// RegisterAgent validates and persists a new agent definition. Registering
// an existing name creates the next version.
func (o *Orchestrator) RegisterAgent(ctx context.Context, def *types.AgentDefinition) (*types.AgentDefinition, error) {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "agent name is required").WithHTTPStatus(400)
	}
	if !def.Runtime.Valid() {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unknown runtime kind %q", def.Runtime)).WithHTTPStatus(400)
	}
	if strings.TrimSpace(def.EntryPoint) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "agent entry point is required").WithHTTPStatus(400)
	}

	cp := *def
	cp.ID = uuid.NewString()
	cp.Limits = cp.Limits.WithDefaults(o.opts.DefaultLimits)
	cp.CreatedAt = time.Now()
	cp.Version = 1
	if prev, err := o.store.GetAgentByName(ctx, cp.Name); err == nil {
		cp.Version = prev.Version + 1
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storeError(err)
	}

	if err := o.store.SaveAgent(ctx, &cp); err != nil {
		return nil, storeError(err)
	}
	o.logger.Info("agent registered",
		zap.String("agent_id", cp.ID),
		zap.String("name", cp.Name),
		zap.Int("version", cp.Version),
		zap.String("runtime", string(cp.Runtime)))
	return &cp, nil
}

// GetAgent returns a definition by ID.
func (o *Orchestrator) GetAgent(ctx context.Context, id string) (*types.AgentDefinition, error) {
	def, err := o.store.GetAgent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewNotFoundError(types.ErrAgentNotFound,
			fmt.Sprintf("agent %q not found", id))
	}
	if err != nil {
		return nil, storeError(err)
	}
	return def, nil
}

// ListAgents returns all registered definitions.
func (o *Orchestrator) ListAgents(ctx context.Context) ([]*types.AgentDefinition, error) {
	defs, err := o.store.ListAgents(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return defs, nil
}

// DeleteAgent removes a definition. Refused while non-terminal runs
// reference it.
func (o *Orchestrator) DeleteAgent(ctx context.Context, id string) error {
	if _, err := o.GetAgent(ctx, id); err != nil {
		return err
	}
	active, err := o.store.CountActiveRuns(ctx, id)
	if err != nil {
		return storeError(err)
	}
	if active > 0 {
		return types.NewError(types.ErrAgentBusy,
			fmt.Sprintf("agent has %d non-terminal runs", active)).WithHTTPStatus(409)
	}
	if err := o.store.DeleteAgent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.NewNotFoundError(types.ErrAgentNotFound,
				fmt.Sprintf("agent %q not found", id))
		}
		return storeError(err)
	}
	o.logger.Info("agent deleted", zap.String("agent_id", id))
	return nil
}

// SubmitRun admits a run request. The run is durable in Queued state before
// Submit returns its ID.
func (o *Orchestrator) SubmitRun(ctx context.Context, req *types.RunRequest) (*types.Run, error) {
	if req == nil || req.AgentID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "agent_id is required").WithHTTPStatus(400)
	}
	def, err := o.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:        uuid.NewString(),
		AgentID:   def.ID,
		State:     types.RunQueued,
		Priority:  req.Priority,
		Input:     req.Input,
		ExitCode:  -1,
		CreatedAt: time.Now(),
	}

	// Admission is atomic with the backlog check: every Enqueue happens
	// under o.mu, so a passed Full check cannot be invalidated.
	o.mu.Lock()
	if o.dispatcher.Full() {
		o.mu.Unlock()
		return nil, types.NewError(types.ErrQueueFull, "run queue is full").
			WithHTTPStatus(429).WithRetryable(true)
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		o.mu.Unlock()
		return nil, storeError(err)
	}
	o.inflight[run.ID] = newInflightRun(def.Limits.MaxOutputBytes, req.Deadline)
	if err := o.dispatcher.Enqueue(run.ID, run.Priority); err != nil {
		delete(o.inflight, run.ID)
		// The run is already durable; park it in a terminal state rather
		// than leaving a queued record no dispatcher will ever drain.
		run.Error = "rejected at admission: " + err.Error()
		if terr := run.TransitionTo(types.RunCancelled); terr == nil {
			if serr := o.store.SaveRun(ctx, run); serr != nil {
				o.logger.Warn("failed to park rejected run",
					zap.String("run_id", run.ID), zap.Error(serr))
			}
		}
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordSubmitted()
		o.metrics.SetQueueDepth(o.dispatcher.Len())
	}
	o.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("agent_id", def.ID),
		zap.Int("priority", run.Priority))
	return run, nil
}

// GetRun returns the current run record. Safe to call at any time; queries
// never mutate state.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*types.Run, error) {
	run, err := o.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewNotFoundError(types.ErrRunNotFound,
			fmt.Sprintf("run %q not found", id))
	}
	if err != nil {
		return nil, storeError(err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter.
func (o *Orchestrator) ListRuns(ctx context.Context, filter store.RunFilter) ([]*types.Run, error) {
	runs, err := o.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return runs, nil
}

// CancelRun cancels a run with at-most-once effect: a queued run is removed
// and committed cancelled without ever provisioning; an in-flight run's
// supervisor is signalled; a terminal run is left untouched.
func (o *Orchestrator) CancelRun(ctx context.Context, id string) (*types.Run, error) {
	run, err := o.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.IsTerminal() {
		return run, nil
	}

	o.mu.Lock()
	removed := o.dispatcher.Remove(id)
	fl := o.inflight[id]
	if removed {
		delete(o.inflight, id)
	}
	o.mu.Unlock()

	if removed {
		if fl != nil {
			fl.output.Close()
		}
		run.Error = "cancelled while queued"
		if terr := run.TransitionTo(types.RunCancelled); terr != nil {
			// A supervisor won the race; fall through to the signal path.
			o.logger.Debug("queued cancel lost transition race", zap.String("run_id", id))
		} else if err := o.store.SaveRun(ctx, run); err != nil {
			return nil, storeError(err)
		} else {
			o.logger.Info("run cancelled while queued", zap.String("run_id", id))
			return run, nil
		}
	}

	if fl != nil {
		fl.Cancel()
		o.logger.Info("cancellation signalled", zap.String("run_id", id))
	}
	return o.GetRun(ctx, id)
}

// StreamOutput attaches to a run's live output. For terminal runs the full
// captured output is returned with a nil channel. The cancel function must
// be called when the caller is done.
func (o *Orchestrator) StreamOutput(ctx context.Context, id string) (snapshot string, ch <-chan []byte, cancel func(), err error) {
	run, err := o.GetRun(ctx, id)
	if err != nil {
		return "", nil, nil, err
	}

	o.mu.Lock()
	fl, ok := o.inflight[id]
	o.mu.Unlock()

	if !ok || run.IsTerminal() {
		return run.Output, nil, func() {}, nil
	}

	snap, c, cancelSub := fl.output.Subscribe()
	return string(snap), c, cancelSub, nil
}

// Stats returns store statistics plus the live queue depth.
func (o *Orchestrator) Stats(ctx context.Context) (*store.Stats, error) {
	st, err := o.store.Stats(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return st, nil
}

// QueueDepth returns the number of runs waiting for capacity.
func (o *Orchestrator) QueueDepth() int { return o.dispatcher.Len() }

// Healthy reports whether the persistence layer is reachable.
func (o *Orchestrator) Healthy(ctx context.Context) error {
	return o.store.Ping(ctx)
}

func storeError(err error) error {
	return types.NewError(types.ErrStoreUnavailable, "state store operation failed").
		WithCause(err).WithHTTPStatus(503).WithRetryable(true)
}
