package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfang/openfang/types"
)

// ProcessProvisioner runs workloads in local process groups. Filesystem
// isolation is limited to a per-run scratch directory; CPU and memory
// ceilings are not enforced at the OS level. Intended for trusted
// single-host deployments and tests; production images use the docker
// backend.
type ProcessProvisioner struct {
	scratchRoot string
	logger      *zap.Logger

	mu     sync.Mutex
	active map[string]*processHandle
}

// NewProcessProvisioner creates a process-based provisioner with scratch
// directories under scratchRoot.
func NewProcessProvisioner(scratchRoot string, logger *zap.Logger) *ProcessProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessProvisioner{
		scratchRoot: scratchRoot,
		logger:      logger.With(zap.String("component", "sandbox_process")),
		active:      make(map[string]*processHandle),
	}
}

func (p *ProcessProvisioner) Name() string { return BackendProcess }

// Provision creates the scratch directory and verifies the bundle exists.
func (p *ProcessProvisioner) Provision(ctx context.Context, def *types.AgentDefinition) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, setupError("provisioning interrupted", err)
	}

	if def.BundleDir != "" {
		if fi, err := os.Stat(def.BundleDir); err != nil || !fi.IsDir() {
			return nil, types.NewError(types.ErrSetupFailed,
				fmt.Sprintf("agent bundle directory %q is not accessible", def.BundleDir)).WithCause(err)
		}
	}

	id := "sbx-" + uuid.NewString()[:8]
	scratch := filepath.Join(p.scratchRoot, id)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, setupError("failed to create scratch dir", err)
	}

	h := &processHandle{
		id:          id,
		bundleDir:   def.BundleDir,
		scratch:     scratch,
		def:         def,
		provisioner: p,
		logger:      p.logger.With(zap.String("sandbox_id", id)),
	}

	p.mu.Lock()
	p.active[id] = h
	p.mu.Unlock()

	p.logger.Debug("provisioned process sandbox",
		zap.String("sandbox_id", id),
		zap.String("agent_id", def.ID),
		zap.String("scratch", scratch))
	return h, nil
}

// Cleanup removes leftover scratch directories from prior lifetimes. Any
// processes those runs owned died with the previous orchestrator process.
func (p *ProcessProvisioner) Cleanup(ctx context.Context) error {
	entries, err := os.ReadDir(p.scratchRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "sbx-") {
			continue
		}
		p.mu.Lock()
		_, live := p.active[e.Name()]
		p.mu.Unlock()
		if live {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.scratchRoot, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		p.logger.Info("reaped stale scratch directories", zap.Int("count", removed))
	}
	return nil
}

func (p *ProcessProvisioner) forget(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

type processHandle struct {
	id          string
	bundleDir   string
	scratch     string
	def         *types.AgentDefinition
	provisioner *ProcessProvisioner
	logger      *zap.Logger

	released atomic.Bool
}

func (h *processHandle) ID() string { return h.id }

// BundlePath is the bundle directory itself: a plain process sees the host
// filesystem directly.
func (h *processHandle) BundlePath() string { return h.bundleDir }

func (h *processHandle) ScratchDir() string { return h.scratch }

func (h *processHandle) Start(ctx context.Context, inv *types.InvocationSpec, input io.Reader, output io.Writer) (Process, error) {
	if h.released.Load() {
		return nil, types.NewError(types.ErrSandboxError, "sandbox already released")
	}
	if err := ctx.Err(); err != nil {
		return nil, setupError("launch interrupted", err)
	}

	cmd := exec.Command(inv.Program, inv.Args...)
	cmd.Dir = h.scratch
	if inv.WorkDir != "" {
		cmd.Dir = inv.WorkDir
	}
	cmd.Env = append(minimalEnv(), inv.Env...)
	cmd.Env = append(cmd.Env, "OPENFANG_SCRATCH="+h.scratch)
	cmd.Stdin = input
	cmd.Stdout = output
	cmd.Stderr = output
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, types.NewError(types.ErrSandboxError, "failed to launch workload").WithCause(err)
	}

	h.logger.Debug("launched workload",
		zap.String("program", inv.Program),
		zap.Int("pid", cmd.Process.Pid))
	return &localProcess{cmd: cmd}, nil
}

// Release kills nothing by itself (the supervisor terminates the process
// first) and removes the scratch directory. Idempotent.
func (h *processHandle) Release() error {
	if h.released.Swap(true) {
		return nil
	}
	h.provisioner.forget(h.id)
	err := os.RemoveAll(h.scratch)
	h.logger.Debug("released process sandbox", zap.Error(err))
	return err
}

// minimalEnv passes only PATH and HOME through to the workload instead of
// the orchestrator's full environment.
func minimalEnv() []string {
	env := make([]string, 0, 2)
	for _, key := range []string{"PATH", "HOME", "LANG"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

type localProcess struct {
	cmd *exec.Cmd
}

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	// Output writer errors and wait failures are sandbox-level faults.
	return -1, err
}

func (p *localProcess) Terminate() error { return terminateProcess(p.cmd) }

func (p *localProcess) Kill() error { return killProcess(p.cmd) }
