// Package sandbox provisions isolated execution environments for agent runs.
// Two backends are provided: a docker backend that runs each workload in its
// own container with CPU, memory, and network restrictions, and a process
// backend that runs workloads in a local process group for trusted
// single-host deployments.
//
// A provisioner only creates and destroys environments. Deciding what to run
// inside one is the runtime adapters' job; supervising the run is the
// supervisor's. Release is idempotent on every handle and safe after partial
// failure.
package sandbox

import (
	"context"
	"io"

	"github.com/openfang/openfang/types"
)

// Backend names accepted by config.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

// Handle is a provisioned, ready-to-use sandbox for exactly one run.
// It is owned exclusively by the supervisor that provisioned it until
// Release.
type Handle interface {
	// ID identifies the sandbox (container name or scratch dir name).
	ID() string

	// BundlePath is where the read-only agent bundle is visible from inside
	// the sandbox. Runtime adapters resolve entry points against it.
	BundlePath() string

	// ScratchDir is the writable working directory of the sandbox.
	ScratchDir() string

	// Start launches the invocation with the given stdin payload, writing
	// combined stdout+stderr to output. The context bounds setup only;
	// terminating a launched process is the returned Process's job.
	Start(ctx context.Context, inv *types.InvocationSpec, input io.Reader, output io.Writer) (Process, error)

	// Release destroys the sandbox. Idempotent; safe to call multiple times
	// and after partial provisioning failure.
	Release() error
}

// Process is a launched workload inside a sandbox.
type Process interface {
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill forcibly destroys the process (and its children).
	Kill() error
}

// Provisioner creates sandboxes for agent definitions.
type Provisioner interface {
	// Provision allocates an isolated environment for one run of def,
	// applying its resource limits and filesystem/network policy. Fails fast
	// with a RESOURCE_EXHAUSTED, RUNTIME_UNAVAILABLE, or SETUP_FAILED coded
	// error; retry policy belongs to the caller.
	Provision(ctx context.Context, def *types.AgentDefinition) (Handle, error)

	// Cleanup reaps sandboxes left over from a prior process lifetime.
	// Called by the startup reconciliation sweep.
	Cleanup(ctx context.Context) error

	// Name identifies the backend.
	Name() string
}

func setupError(msg string, cause error) error {
	return types.NewError(types.ErrSetupFailed, msg).WithCause(cause).WithRetryable(true)
}
