package types

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of a run. Transitions are monotonic along
// Queued -> Provisioning -> Running -> terminal; no transition reverses.
type RunState string

const (
	// RunQueued means the run is admitted and waiting for capacity.
	RunQueued RunState = "queued"

	// RunProvisioning means a sandbox is being created for the run.
	RunProvisioning RunState = "provisioning"

	// RunRunning means the workload process has been launched.
	RunRunning RunState = "running"

	// RunSucceeded means the process exited successfully before the deadline.
	RunSucceeded RunState = "succeeded"

	// RunFailed means the process exited with a non-success indicator, or was
	// terminated for exceeding its output cap.
	RunFailed RunState = "failed"

	// RunTimedOut means the wall-clock limit was reached and the process was
	// forcibly terminated.
	RunTimedOut RunState = "timed_out"

	// RunCancelled means an external cancellation was observed.
	RunCancelled RunState = "cancelled"

	// RunSandboxError means the isolation infrastructure faulted, as opposed
	// to the workload's own code failing.
	RunSandboxError RunState = "sandbox_error"
)

// FailureTagOutputOverflow marks runs terminated for exceeding the output cap.
const FailureTagOutputOverflow = "output-overflow"

// IsTerminal reports whether the state is final.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunTimedOut, RunCancelled, RunSandboxError:
		return true
	default:
		return false
	}
}

// IsRecoverable reports whether a run left in this state by a prior process
// lifetime needs attention from the startup reconciliation sweep.
func (s RunState) IsRecoverable() bool {
	switch s {
	case RunQueued, RunProvisioning, RunRunning:
		return true
	default:
		return false
	}
}

// rank orders states along the lifecycle so monotonicity can be checked.
func (s RunState) rank() int {
	switch s {
	case RunQueued:
		return 0
	case RunProvisioning:
		return 1
	case RunRunning:
		return 2
	default:
		return 3
	}
}

// CanTransitionTo reports whether s -> next is a legal forward transition.
// SandboxError is reachable from any non-terminal state.
func (s RunState) CanTransitionTo(next RunState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == RunSandboxError || next == RunCancelled {
		return true
	}
	switch next {
	case RunProvisioning:
		return s == RunQueued
	case RunRunning:
		return s == RunProvisioning
	case RunSucceeded, RunFailed, RunTimedOut:
		return s == RunRunning
	default:
		return false
	}
}

// RunRequest is a caller's request to execute an agent once. Immutable.
type RunRequest struct {
	// AgentID references the agent definition to execute.
	AgentID string `json:"agent_id"`

	// Input is the run-specific payload, delivered to the workload on stdin.
	Input string `json:"input,omitempty"`

	// Priority orders pending work; higher dequeues first, FIFO within equal
	// priority.
	Priority int `json:"priority,omitempty"`

	// Deadline optionally bounds how long the run may wait plus execute.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Run is the mutable execution record of one agent run.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// AgentID references the agent definition being executed.
	AgentID string `json:"agent_id"`

	// State is the current lifecycle state.
	State RunState `json:"state"`

	// Priority copied from the request at submission.
	Priority int `json:"priority"`

	// Input is the request payload.
	Input string `json:"input,omitempty"`

	// Output is the captured stdout+stderr, bounded by the agent's output cap
	// and truncated at a UTF-8 boundary when exceeded.
	Output string `json:"output,omitempty"`

	// OutputTruncated is set when the output cap was exceeded.
	OutputTruncated bool `json:"output_truncated,omitempty"`

	// ExitCode is the process exit code; -1 until the process has exited.
	ExitCode int `json:"exit_code"`

	// FailureTag classifies failures beyond the exit code, e.g.
	// "output-overflow".
	FailureTag string `json:"failure_tag,omitempty"`

	// Error holds the infrastructure or workload error message, if any.
	Error string `json:"error,omitempty"`

	// SandboxID identifies the sandbox that executed the run.
	SandboxID string `json:"sandbox_id,omitempty"`

	// CreatedAt is submission time.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the time of the last committed transition.
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt is set on the transition to Running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set on the terminal transition.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransitionTo advances the run to next, enforcing monotonicity and stamping
// StartedAt/CompletedAt as appropriate.
func (r *Run) TransitionTo(next RunState) error {
	if !r.State.CanTransitionTo(next) {
		return fmt.Errorf("illegal run transition %s -> %s", r.State, next)
	}
	now := time.Now()
	r.State = next
	r.UpdatedAt = now
	if next == RunRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if next.IsTerminal() && r.CompletedAt == nil {
		r.CompletedAt = &now
	}
	return nil
}

// IsTerminal reports whether the run has reached a final state.
func (r *Run) IsTerminal() bool { return r.State.IsTerminal() }

// Duration returns how long the run executed, or time since start while it
// is still running. Zero before the process started.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}
