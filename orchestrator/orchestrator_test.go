package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openfang/openfang/orchestrator/sandbox"
	"github.com/openfang/openfang/orchestrator/store"
	"github.com/openfang/openfang/types"
)

// runScript describes how the fake sandbox behaves for one agent.
type runScript struct {
	provisionFailures int   // fail this many provisions with a retryable error
	provisionErr      error // permanent provisioning error
	startPanic        bool  // panic inside Start instead of launching
	output            []byte
	exitCode          int
	runFor            time.Duration // how long the workload runs after writing output
}

type fakeProvisioner struct {
	mu             sync.Mutex
	scripts        map[string]runScript // by agent name
	provisionCalls map[string]int
	handles        []*fakeHandle
	startOrder     []string // inputs observed, in Start order

	active    int32
	maxActive int32
	cleanups  int32
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		scripts:        make(map[string]runScript),
		provisionCalls: make(map[string]int),
	}
}

func (p *fakeProvisioner) Name() string { return "fake" }

func (p *fakeProvisioner) Cleanup(ctx context.Context) error {
	atomic.AddInt32(&p.cleanups, 1)
	return nil
}

func (p *fakeProvisioner) script(name string) runScript {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scripts[name]
}

func (p *fakeProvisioner) Provision(ctx context.Context, def *types.AgentDefinition) (sandbox.Handle, error) {
	p.mu.Lock()
	p.provisionCalls[def.Name]++
	calls := p.provisionCalls[def.Name]
	script := p.scripts[def.Name]
	p.mu.Unlock()

	if script.provisionErr != nil {
		return nil, script.provisionErr
	}
	if calls <= script.provisionFailures {
		return nil, types.NewError(types.ErrResourceExhausted, "no capacity").WithRetryable(true)
	}

	h := &fakeHandle{prov: p, script: script, id: "fake-" + def.Name}
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

func (p *fakeProvisioner) maxConcurrent() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

func (p *fakeProvisioner) inputOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.startOrder))
	copy(out, p.startOrder)
	return out
}

type fakeHandle struct {
	prov     *fakeProvisioner
	script   runScript
	id       string
	releases int32
}

func (h *fakeHandle) ID() string         { return h.id }
func (h *fakeHandle) BundlePath() string { return "/agent" }
func (h *fakeHandle) ScratchDir() string { return "/scratch" }

func (h *fakeHandle) Start(ctx context.Context, inv *types.InvocationSpec, input io.Reader, output io.Writer) (sandbox.Process, error) {
	if h.script.startPanic {
		panic("sandbox start blew up")
	}
	payload, _ := io.ReadAll(input)

	h.prov.mu.Lock()
	h.prov.startOrder = append(h.prov.startOrder, string(payload))
	h.prov.active++
	if h.prov.active > h.prov.maxActive {
		h.prov.maxActive = h.prov.active
	}
	h.prov.mu.Unlock()

	p := &fakeProcess{
		prov:   h.prov,
		exit:   h.script.exitCode,
		runFor: h.script.runFor,
		killCh: make(chan struct{}),
	}
	go output.Write(h.script.output)
	return p, nil
}

func (h *fakeHandle) Release() error {
	atomic.AddInt32(&h.releases, 1)
	return nil
}

type fakeProcess struct {
	prov     *fakeProvisioner
	exit     int
	runFor   time.Duration
	killOnce sync.Once
	killCh   chan struct{}
}

func (p *fakeProcess) Wait() (int, error) {
	defer func() {
		p.prov.mu.Lock()
		p.prov.active--
		p.prov.mu.Unlock()
	}()
	select {
	case <-time.After(p.runFor):
		return p.exit, nil
	case <-p.killCh:
		return 137, nil
	}
}

func (p *fakeProcess) Terminate() error {
	p.killOnce.Do(func() { close(p.killCh) })
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killCh) })
	return nil
}

// testHarness wires an orchestrator against the fake provisioner.
type testHarness struct {
	orch *Orchestrator
	st   store.Store
	prov *fakeProvisioner
}

func newHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()
	st := store.NewMemoryStore()
	prov := newFakeProvisioner()
	orch := New(st, prov, nil, zap.NewNop(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
		_ = st.Close()
	})
	return &testHarness{orch: orch, st: st, prov: prov}
}

func (h *testHarness) register(t *testing.T, name string, script runScript, limits types.ResourceLimits) *types.AgentDefinition {
	t.Helper()
	h.prov.mu.Lock()
	h.prov.scripts[name] = script
	h.prov.mu.Unlock()

	def, err := h.orch.RegisterAgent(context.Background(), &types.AgentDefinition{
		Name:       name,
		Runtime:    types.RuntimeNative,
		EntryPoint: "run",
		Limits:     limits,
	})
	if err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	return def
}

func (h *testHarness) waitTerminal(t *testing.T, runID string, timeout time.Duration) *types.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := h.orch.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state within %s", runID, timeout)
	return nil
}

func TestRunSucceeds(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 2, CancelGrace: 100 * time.Millisecond})
	def := h.register(t, "echo", runScript{output: []byte("ok")}, types.ResourceLimits{Timeout: 5 * time.Second})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID, Input: "ping"})
	if err != nil {
		t.Fatalf("SubmitRun failed: %v", err)
	}
	if run.State != types.RunQueued {
		t.Errorf("submitted run state = %s, want queued", run.State)
	}

	final := h.waitTerminal(t, run.ID, 5*time.Second)
	if final.State != types.RunSucceeded {
		t.Fatalf("state = %s, want succeeded (error: %s)", final.State, final.Error)
	}
	if final.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", final.ExitCode)
	}
	if final.Output != "ok" {
		t.Errorf("output = %q, want %q", final.Output, "ok")
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("started/completed timestamps should be set")
	}

	// Payload was delivered on stdin.
	if order := h.prov.inputOrder(); len(order) != 1 || order[0] != "ping" {
		t.Errorf("stdin payload = %v, want [ping]", order)
	}
}

func TestRunFailsWithExitCode(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	def := h.register(t, "crash", runScript{exitCode: 3}, types.ResourceLimits{Timeout: 5 * time.Second})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err != nil {
		t.Fatal(err)
	}

	final := h.waitTerminal(t, run.ID, 5*time.Second)
	if final.State != types.RunFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", final.ExitCode)
	}
}

func TestRunTimesOut(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1, CancelGrace: 50 * time.Millisecond})
	def := h.register(t, "sleeper", runScript{runFor: time.Minute},
		types.ResourceLimits{Timeout: 100 * time.Millisecond})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err != nil {
		t.Fatal(err)
	}

	final := h.waitTerminal(t, run.ID, 5*time.Second)
	if final.State != types.RunTimedOut {
		t.Fatalf("state = %s, want timed_out", final.State)
	}
}

func TestConcurrencyCeilingAndFIFO(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	def := h.register(t, "worker", runScript{output: []byte("done"), runFor: 30 * time.Millisecond},
		types.ResourceLimits{Timeout: 5 * time.Second})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, input := range []string{"first", "second", "third"} {
		run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID, Input: input})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}
	for _, id := range ids {
		if final := h.waitTerminal(t, id, 10*time.Second); final.State != types.RunSucceeded {
			t.Fatalf("run %s state = %s, want succeeded", id, final.State)
		}
	}

	if max := h.prov.maxConcurrent(); max > 1 {
		t.Errorf("concurrency ceiling exceeded: %d simultaneous workloads", max)
	}
	order := h.prov.inputOrder()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("equal-priority runs not FIFO: %v", order)
	}
}

func TestPriorityOrdering(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	def := h.register(t, "worker", runScript{runFor: 50 * time.Millisecond},
		types.ResourceLimits{Timeout: 5 * time.Second})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Occupy the only slot, then queue low before high.
	blocker, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID, Input: "blocker"})
	if err != nil {
		t.Fatal(err)
	}
	low, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID, Input: "low", Priority: 0})
	if err != nil {
		t.Fatal(err)
	}
	high, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID, Input: "high", Priority: 5})
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{blocker.ID, low.ID, high.ID} {
		h.waitTerminal(t, id, 10*time.Second)
	}

	order := h.prov.inputOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 starts, got %v", order)
	}
	if order[1] != "high" || order[2] != "low" {
		t.Errorf("priority not honored, start order: %v", order)
	}
}

func TestQueueFull(t *testing.T) {
	// Not started: submissions stay queued.
	h := newHarness(t, Options{MaxConcurrent: 1, MaxQueue: 2})
	def := h.register(t, "worker", runScript{}, types.ResourceLimits{Timeout: time.Second})

	for i := 0; i < 2; i++ {
		if _, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID}); err != nil {
			t.Fatalf("submission %d failed: %v", i, err)
		}
	}

	_, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if types.CodeOf(err) != types.ErrQueueFull {
		t.Fatalf("expected QUEUE_FULL, got %v", err)
	}
}

func TestCancelQueuedRunNeverRuns(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	def := h.register(t, "worker", runScript{}, types.ResourceLimits{Timeout: time.Second})

	// Submit while the dispatcher is not draining, cancel, then start.
	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := h.orch.CancelRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if cancelled.State != types.RunCancelled {
		t.Fatalf("state = %s, want cancelled", cancelled.State)
	}

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	h.prov.mu.Lock()
	calls := h.prov.provisionCalls["worker"]
	h.prov.mu.Unlock()
	if calls != 0 {
		t.Errorf("cancelled queued run was provisioned %d times", calls)
	}

	// Cancelling a terminal run is a no-op.
	again, err := h.orch.CancelRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.State != types.RunCancelled {
		t.Errorf("second cancel changed state to %s", again.State)
	}
}

func TestCancelRunningRun(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1, CancelGrace: 50 * time.Millisecond})
	def := h.register(t, "sleeper", runScript{runFor: time.Minute},
		types.ResourceLimits{Timeout: time.Minute})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err != nil {
		t.Fatal(err)
	}

	// Wait until it is actually running.
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, err := h.orch.GetRun(context.Background(), run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.State == types.RunRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never reached running, state=%s", cur.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.orch.CancelRun(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	final := h.waitTerminal(t, run.ID, 5*time.Second)
	if final.State != types.RunCancelled {
		t.Fatalf("state = %s, want cancelled", final.State)
	}
}

func TestOutputOverflow(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1, CancelGrace: 50 * time.Millisecond})
	def := h.register(t, "chatty",
		runScript{output: bytes.Repeat([]byte("x"), 64), runFor: time.Minute},
		types.ResourceLimits{Timeout: time.Minute, MaxOutputBytes: 16})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err != nil {
		t.Fatal(err)
	}

	final := h.waitTerminal(t, run.ID, 5*time.Second)
	if final.State != types.RunFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.FailureTag != types.FailureTagOutputOverflow {
		t.Errorf("failure tag = %q, want %q", final.FailureTag, types.FailureTagOutputOverflow)
	}
	if !final.OutputTruncated {
		t.Error("output should be marked truncated")
	}
	if len(final.Output) > 16 {
		t.Errorf("output length %d exceeds cap 16", len(final.Output))
	}
}

func TestHandleReleasedExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	def := h.register(t, "echo", runScript{output: []byte("ok")},
		types.ResourceLimits{Timeout: time.Second})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err != nil {
		t.Fatal(err)
	}
	h.waitTerminal(t, run.ID, 5*time.Second)

	h.prov.mu.Lock()
	defer h.prov.mu.Unlock()
	if len(h.prov.handles) != 1 {
		t.Fatalf("expected 1 handle, got %d", len(h.prov.handles))
	}
	if n := atomic.LoadInt32(&h.prov.handles[0].releases); n != 1 {
		t.Errorf("handle released %d times, want exactly 1", n)
	}
}

func TestSupervisorPanicReleasesHandle(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	def := h.register(t, "volatile", runScript{startPanic: true},
		types.ResourceLimits{Timeout: time.Second})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err != nil {
		t.Fatal(err)
	}

	final := h.waitTerminal(t, run.ID, 5*time.Second)
	if final.State != types.RunSandboxError {
		t.Fatalf("state = %s, want sandbox_error", final.State)
	}
	if final.Error == "" {
		t.Error("run should carry the panic message")
	}

	h.prov.mu.Lock()
	defer h.prov.mu.Unlock()
	if len(h.prov.handles) != 1 {
		t.Fatalf("expected 1 handle, got %d", len(h.prov.handles))
	}
	if n := atomic.LoadInt32(&h.prov.handles[0].releases); n != 1 {
		t.Errorf("handle released %d times, want exactly 1", n)
	}
}

func TestRunDeadline(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1, CancelGrace: 50 * time.Millisecond})
	def := h.register(t, "sleeper", runScript{runFor: time.Minute},
		types.ResourceLimits{Timeout: time.Minute})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(150 * time.Millisecond)
	run, err := h.orch.SubmitRun(context.Background(),
		&types.RunRequest{AgentID: def.ID, Deadline: &deadline})
	if err != nil {
		t.Fatal(err)
	}

	final := h.waitTerminal(t, run.ID, 5*time.Second)
	if final.State != types.RunTimedOut {
		t.Fatalf("state = %s, want timed_out", final.State)
	}
	// The deadline undercut the one-minute limit, so the error must name
	// the deadline, not the limit.
	if !strings.Contains(final.Error, "deadline") {
		t.Errorf("error = %q, should reference the deadline", final.Error)
	}
	if final.Duration() > 5*time.Second {
		t.Errorf("run took %s, deadline was 150ms", final.Duration())
	}
}

func TestProvisionRetry(t *testing.T) {
	t.Run("RetryableThenSuccess", func(t *testing.T) {
		h := newHarness(t, Options{MaxConcurrent: 1, ProvisionRetries: 2})
		def := h.register(t, "flaky", runScript{provisionFailures: 1, output: []byte("ok")},
			types.ResourceLimits{Timeout: time.Second})
		if err := h.orch.Start(context.Background()); err != nil {
			t.Fatal(err)
		}

		run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
		if err != nil {
			t.Fatal(err)
		}
		final := h.waitTerminal(t, run.ID, 5*time.Second)
		if final.State != types.RunSucceeded {
			t.Fatalf("state = %s, want succeeded", final.State)
		}

		h.prov.mu.Lock()
		calls := h.prov.provisionCalls["flaky"]
		h.prov.mu.Unlock()
		if calls != 2 {
			t.Errorf("provision calls = %d, want 2", calls)
		}
	})

	t.Run("ExhaustedRetries", func(t *testing.T) {
		h := newHarness(t, Options{MaxConcurrent: 1, ProvisionRetries: 1})
		def := h.register(t, "doomed", runScript{provisionFailures: 10},
			types.ResourceLimits{Timeout: time.Second})
		if err := h.orch.Start(context.Background()); err != nil {
			t.Fatal(err)
		}

		run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
		if err != nil {
			t.Fatal(err)
		}
		final := h.waitTerminal(t, run.ID, 5*time.Second)
		if final.State != types.RunSandboxError {
			t.Fatalf("state = %s, want sandbox_error", final.State)
		}
	})

	t.Run("NonRetryableFailsImmediately", func(t *testing.T) {
		h := newHarness(t, Options{MaxConcurrent: 1, ProvisionRetries: 3})
		h.prov.scripts["broken"] = runScript{
			provisionErr: types.NewError(types.ErrSetupFailed, "bundle missing"),
		}
		def := h.register(t, "broken", h.prov.scripts["broken"], types.ResourceLimits{Timeout: time.Second})
		if err := h.orch.Start(context.Background()); err != nil {
			t.Fatal(err)
		}

		run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
		if err != nil {
			t.Fatal(err)
		}
		final := h.waitTerminal(t, run.ID, 5*time.Second)
		if final.State != types.RunSandboxError {
			t.Fatalf("state = %s, want sandbox_error", final.State)
		}
		h.prov.mu.Lock()
		calls := h.prov.provisionCalls["broken"]
		h.prov.mu.Unlock()
		if calls != 1 {
			t.Errorf("non-retryable error retried: %d calls", calls)
		}
	})
}

func TestStartupReconciliation(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	prov := newFakeProvisioner()
	prov.scripts["worker"] = runScript{output: []byte("ok")}

	def := &types.AgentDefinition{
		ID: "agent-1", Name: "worker", Runtime: types.RuntimeNative,
		EntryPoint: "run", Limits: types.ResourceLimits{Timeout: time.Second, MaxOutputBytes: 1 << 20},
		Version: 1, CreatedAt: time.Now(),
	}
	if err := st.SaveAgent(ctx, def); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: runs left in every non-terminal state.
	for _, seed := range []struct {
		id    string
		state types.RunState
	}{
		{"run-queued", types.RunQueued},
		{"run-provisioning", types.RunProvisioning},
		{"run-running", types.RunRunning},
	} {
		run := &types.Run{
			ID: seed.id, AgentID: def.ID, State: seed.state,
			ExitCode: -1, CreatedAt: time.Now(),
		}
		if err := st.SaveRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	orch := New(st, prov, nil, zap.NewNop(), Options{MaxConcurrent: 1})
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop(ctx)

	for _, id := range []string{"run-provisioning", "run-running"} {
		run, err := orch.GetRun(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if run.State != types.RunSandboxError {
			t.Errorf("%s state = %s, want sandbox_error", id, run.State)
		}
		if run.Error == "" {
			t.Errorf("%s should carry a recovery message", id)
		}
	}

	// The queued run is re-admitted and eventually executes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := orch.GetRun(ctx, "run-queued")
		if err != nil {
			t.Fatal(err)
		}
		if run.IsTerminal() {
			if run.State != types.RunSucceeded {
				t.Errorf("requeued run state = %s, want succeeded", run.State)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("requeued run never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if atomic.LoadInt32(&prov.cleanups) != 1 {
		t.Errorf("provisioner cleanup ran %d times, want 1", prov.cleanups)
	}
}

func TestAgentLifecycle(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	t.Run("Validation", func(t *testing.T) {
		_, err := h.orch.RegisterAgent(ctx, &types.AgentDefinition{Runtime: types.RuntimeGo, EntryPoint: "x"})
		if types.CodeOf(err) != types.ErrInvalidRequest {
			t.Errorf("missing name: got %v", err)
		}
		_, err = h.orch.RegisterAgent(ctx, &types.AgentDefinition{Name: "a", Runtime: "rust", EntryPoint: "x"})
		if types.CodeOf(err) != types.ErrInvalidRequest {
			t.Errorf("bad runtime: got %v", err)
		}
		_, err = h.orch.RegisterAgent(ctx, &types.AgentDefinition{Name: "a", Runtime: types.RuntimeGo})
		if types.CodeOf(err) != types.ErrInvalidRequest {
			t.Errorf("missing entry point: got %v", err)
		}
	})

	t.Run("Versioning", func(t *testing.T) {
		v1 := h.register(t, "versioned", runScript{}, types.ResourceLimits{})
		v2 := h.register(t, "versioned", runScript{}, types.ResourceLimits{})
		if v1.Version != 1 || v2.Version != 2 {
			t.Errorf("versions = %d, %d; want 1, 2", v1.Version, v2.Version)
		}
		if v1.ID == v2.ID {
			t.Error("re-registration must mint a new ID")
		}
	})

	t.Run("DefaultLimits", func(t *testing.T) {
		def := h.register(t, "defaulted", runScript{}, types.ResourceLimits{})
		if def.Limits.Timeout <= 0 || def.Limits.MaxOutputBytes <= 0 {
			t.Errorf("limits not defaulted: %+v", def.Limits)
		}
	})

	t.Run("DeleteBusyAgent", func(t *testing.T) {
		def := h.register(t, "busy", runScript{}, types.ResourceLimits{})
		if _, err := h.orch.SubmitRun(ctx, &types.RunRequest{AgentID: def.ID}); err != nil {
			t.Fatal(err)
		}
		// Not started, so the run stays queued (non-terminal).
		if err := h.orch.DeleteAgent(ctx, def.ID); types.CodeOf(err) != types.ErrAgentBusy {
			t.Errorf("expected AGENT_BUSY, got %v", err)
		}
	})

	t.Run("DeleteIdleAgent", func(t *testing.T) {
		def := h.register(t, "idle", runScript{}, types.ResourceLimits{})
		if err := h.orch.DeleteAgent(ctx, def.ID); err != nil {
			t.Fatalf("DeleteAgent failed: %v", err)
		}
		if _, err := h.orch.GetAgent(ctx, def.ID); types.CodeOf(err) != types.ErrAgentNotFound {
			t.Errorf("expected AGENT_NOT_FOUND, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := h.orch.GetRun(ctx, "nope"); types.CodeOf(err) != types.ErrRunNotFound {
			t.Errorf("expected RUN_NOT_FOUND, got %v", err)
		}
		if _, err := h.orch.SubmitRun(ctx, &types.RunRequest{AgentID: "nope"}); types.CodeOf(err) != types.ErrAgentNotFound {
			t.Errorf("expected AGENT_NOT_FOUND, got %v", err)
		}
	})
}

func TestStreamOutput(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1, CancelGrace: 50 * time.Millisecond})
	def := h.register(t, "streamer", runScript{output: []byte("hello world"), runFor: 200 * time.Millisecond},
		types.ResourceLimits{Timeout: 5 * time.Second})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err != nil {
		t.Fatal(err)
	}

	snapshot, ch, cancel, err := h.orch.StreamOutput(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("StreamOutput failed: %v", err)
	}
	defer cancel()

	var got bytes.Buffer
	got.WriteString(snapshot)
	if ch != nil {
		for chunk := range ch {
			got.Write(chunk)
		}
	}
	if got.String() != "hello world" {
		t.Errorf("streamed output = %q, want %q", got.String(), "hello world")
	}

	// Terminal run: full output, no live channel.
	h.waitTerminal(t, run.ID, 5*time.Second)
	full, ch2, cancel2, err := h.orch.StreamOutput(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel2()
	if ch2 != nil {
		t.Error("terminal run should not have a live channel")
	}
	if full != "hello world" {
		t.Errorf("terminal output = %q", full)
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	def := h.register(t, "worker", runScript{}, types.ResourceLimits{Timeout: time.Second})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := h.orch.SubmitRun(context.Background(), &types.RunRequest{AgentID: def.ID})
	if err == nil {
		t.Error("submission after stop should fail")
	}
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("expected dispatcher closed error, got %v", err)
	}

	// The rejected run must not linger as a queued record nothing will
	// ever drain.
	runs, err := h.orch.ListRuns(context.Background(), store.RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range runs {
		if !r.IsTerminal() {
			t.Errorf("run %s left in non-terminal state %s after rejection", r.ID, r.State)
		}
	}
}
