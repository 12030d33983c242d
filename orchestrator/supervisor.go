package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openfang/openfang/internal/metrics"
	"github.com/openfang/openfang/orchestrator/runtime"
	"github.com/openfang/openfang/orchestrator/sandbox"
	"github.com/openfang/openfang/orchestrator/store"
	"github.com/openfang/openfang/types"
)

// waitResult carries a workload's exit outcome.
type waitResult struct {
	code int
	err  error
}

// supervisor drives a single run from dequeue to terminal state: commit
// provisioning, provision the sandbox (bounded retries), launch, watch for
// exit / timeout / cancel / output overflow, terminate with grace, commit the
// terminal state. The sandbox handle is released exactly once on every path,
// including panic.
type supervisor struct {
	store       store.Store
	provisioner sandbox.Provisioner
	adapters    *runtime.Registry
	metrics     *metrics.Collector
	logger      *zap.Logger

	cancelGrace      time.Duration
	provisionRetries int
	killWait         time.Duration
}

// execute runs one run to its terminal state. The run is already loaded and
// in Queued state; fl carries the cancellation signal and output buffer.
func (s *supervisor) execute(ctx context.Context, run *types.Run, def *types.AgentDefinition, fl *inflightRun) {
	logger := s.logger.With(zap.String("run_id", run.ID), zap.String("agent_id", def.ID))

	var handle sandbox.Handle
	defer func() {
		r := recover()
		if r != nil {
			logger.Error("supervisor panicked", zap.Any("panic", r))
		}
		if handle != nil {
			// Release is idempotent; this is the backstop for every exit
			// path, panic included.
			if err := handle.Release(); err != nil {
				logger.Warn("sandbox release failed", zap.Error(err))
			}
		}
		if r != nil {
			s.commitInfra(ctx, run, fmt.Sprintf("supervisor panic: %v", r))
		}
	}()

	// A cancel that raced the dequeue wins before any work starts.
	if fl.Cancelled() {
		s.commitCancelled(ctx, run, "cancelled before provisioning")
		return
	}
	if fl.deadline != nil && time.Now().After(*fl.deadline) {
		s.commitCancelled(ctx, run, "deadline exceeded while queued")
		return
	}

	if err := s.commit(ctx, run, types.RunProvisioning); err != nil {
		s.commitInfra(ctx, run, "failed to commit provisioning state: "+err.Error())
		return
	}

	handle, err := s.provision(ctx, def, logger)
	if err != nil {
		logger.Warn("provisioning failed", zap.Error(err))
		s.commitInfra(ctx, run, err.Error())
		return
	}
	run.SandboxID = handle.ID()

	inv, err := s.adapters.BuildInvocation(def, handle.BundlePath())
	if err != nil {
		s.commitInfra(ctx, run, "failed to build invocation: "+err.Error())
		return
	}

	if fl.Cancelled() {
		s.commitCancelled(ctx, run, "cancelled during provisioning")
		return
	}

	if err := s.commit(ctx, run, types.RunRunning); err != nil {
		s.commitInfra(ctx, run, "failed to commit running state: "+err.Error())
		return
	}

	buf := fl.output
	proc, err := handle.Start(ctx, inv, strings.NewReader(run.Input), buf)
	if err != nil {
		s.commitInfra(ctx, run, "failed to launch workload: "+err.Error())
		return
	}

	waitCh := make(chan waitResult, 1)
	go func() {
		code, werr := proc.Wait()
		waitCh <- waitResult{code: code, err: werr}
	}()

	timeout := def.Limits.Timeout
	deadlineBound := false
	if fl.deadline != nil {
		if until := time.Until(*fl.deadline); until < timeout {
			timeout = until
			deadlineBound = true
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res waitResult
	var terminal types.RunState

	select {
	case res = <-waitCh:
		if res.err != nil {
			terminal = types.RunSandboxError
			run.Error = "workload wait failed: " + res.err.Error()
		} else if res.code == 0 {
			terminal = types.RunSucceeded
		} else {
			terminal = types.RunFailed
			run.Error = fmt.Sprintf("workload exited with code %d", res.code)
		}

	case <-timer.C:
		logger.Info("run exceeded its time limit", zap.Duration("timeout", timeout))
		res = s.stop(proc, waitCh)
		terminal = types.RunTimedOut
		if deadlineBound {
			run.Error = fmt.Sprintf("run exceeded its deadline of %s",
				fl.deadline.Format(time.RFC3339))
		} else {
			run.Error = fmt.Sprintf("run exceeded time limit of %s", def.Limits.Timeout)
		}

	case <-fl.cancelCh:
		logger.Info("run cancelled while running")
		res = s.stop(proc, waitCh)
		terminal = types.RunCancelled
		run.Error = "cancelled by request"

	case <-buf.Overflow():
		logger.Info("run exceeded its output cap",
			zap.Int("max_output_bytes", def.Limits.MaxOutputBytes))
		res = s.stop(proc, waitCh)
		terminal = types.RunFailed
		run.FailureTag = types.FailureTagOutputOverflow
		run.Error = fmt.Sprintf("output exceeded cap of %d bytes", def.Limits.MaxOutputBytes)
		if s.metrics != nil {
			s.metrics.RecordOutputOverflow()
		}
	}

	buf.Close()
	run.Output = buf.String()
	run.OutputTruncated = buf.Truncated()
	run.ExitCode = res.code

	if err := s.commit(ctx, run, terminal); err != nil {
		logger.Error("failed to commit terminal state", zap.Error(err))
		return
	}
	logger.Info("run finished",
		zap.String("state", string(terminal)),
		zap.Int("exit_code", run.ExitCode),
		zap.Duration("duration", run.Duration()))
}

// provision creates the sandbox, retrying retryable failures up to the
// configured bound.
func (s *supervisor) provision(ctx context.Context, def *types.AgentDefinition, logger *zap.Logger) (sandbox.Handle, error) {
	var lastErr error
	for attempt := 0; attempt <= s.provisionRetries; attempt++ {
		handle, err := s.provisioner.Provision(ctx, def)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if s.metrics != nil {
			s.metrics.RecordProvisionFailure()
		}
		if !types.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		logger.Warn("provisioning attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// stop terminates the workload: graceful first, forced after the grace
// period, and waits for the exit status either way.
func (s *supervisor) stop(proc sandbox.Process, waitCh <-chan waitResult) waitResult {
	_ = proc.Terminate()
	select {
	case res := <-waitCh:
		return res
	case <-time.After(s.cancelGrace):
	}

	_ = proc.Kill()
	select {
	case res := <-waitCh:
		return res
	case <-time.After(s.killWait):
		return waitResult{code: -1, err: fmt.Errorf("workload did not exit after kill")}
	}
}

// commit advances the run's state and persists it. Terminal states must be
// durable before the concurrency slot is released.
func (s *supervisor) commit(ctx context.Context, run *types.Run, next types.RunState) error {
	if err := run.TransitionTo(next); err != nil {
		return err
	}
	return s.store.SaveRun(ctx, run)
}

// commitInfra marks the run SandboxError with the given message.
func (s *supervisor) commitInfra(ctx context.Context, run *types.Run, msg string) {
	run.Error = msg
	if run.ExitCode == 0 {
		run.ExitCode = -1
	}
	if err := s.commit(ctx, run, types.RunSandboxError); err != nil {
		s.logger.Error("failed to commit sandbox_error state",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}

// commitCancelled marks the run Cancelled with the given message.
func (s *supervisor) commitCancelled(ctx context.Context, run *types.Run, msg string) {
	run.Error = msg
	if err := s.commit(ctx, run, types.RunCancelled); err != nil {
		s.logger.Error("failed to commit cancelled state",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}
