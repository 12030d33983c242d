package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfang/openfang/types"
)

const (
	// managedLabel marks containers owned by this orchestrator so the
	// startup sweep can find strays without touching unrelated containers.
	managedLabel = "io.openfang.managed=true"

	containerBundlePath  = "/agent"
	containerScratchPath = "/scratch"
)

// DefaultImages maps each runtime kind to the container image used for it.
var DefaultImages = map[types.RuntimeKind]string{
	types.RuntimeJava:   "eclipse-temurin:21-jre",
	types.RuntimeNode:   "node:20-slim",
	types.RuntimeGo:     "golang:1.24-alpine",
	types.RuntimePython: "python:3.12-slim",
	types.RuntimeNative: "debian:bookworm-slim",
}

// DockerProvisioner runs each workload in its own container via the docker
// CLI, with memory/CPU ceilings, a read-only bundle mount, a writable
// scratch mount, and network disabled unless the agent declares otherwise.
type DockerProvisioner struct {
	images      map[types.RuntimeKind]string
	scratchRoot string
	graceSecs   int
	logger      *zap.Logger
}

// DockerConfig configures the docker provisioner.
type DockerConfig struct {
	// Images overrides the per-kind container images; kinds absent here use
	// DefaultImages.
	Images map[types.RuntimeKind]string

	// ScratchRoot is where per-run scratch directories are created.
	ScratchRoot string

	// StopGrace is how long `docker stop` waits before SIGKILL.
	StopGrace time.Duration
}

// NewDockerProvisioner creates a docker-backed provisioner.
func NewDockerProvisioner(cfg DockerConfig, logger *zap.Logger) *DockerProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	images := make(map[types.RuntimeKind]string, len(DefaultImages))
	for k, v := range DefaultImages {
		images[k] = v
	}
	for k, v := range cfg.Images {
		images[k] = v
	}
	grace := int(cfg.StopGrace / time.Second)
	if grace <= 0 {
		grace = 5
	}
	return &DockerProvisioner{
		images:      images,
		scratchRoot: cfg.ScratchRoot,
		graceSecs:   grace,
		logger:      logger.With(zap.String("component", "sandbox_docker")),
	}
}

func (d *DockerProvisioner) Name() string { return BackendDocker }

// Provision verifies the runtime has an image, checks the docker daemon is
// reachable, and prepares the scratch directory. The container itself is
// created lazily by Start; a handle released before Start only cleans up the
// scratch dir.
func (d *DockerProvisioner) Provision(ctx context.Context, def *types.AgentDefinition) (Handle, error) {
	image, ok := d.images[def.Runtime]
	if !ok {
		return nil, types.NewError(types.ErrRuntimeUnavailable,
			fmt.Sprintf("no container image configured for runtime kind %q", def.Runtime))
	}

	if def.BundleDir != "" {
		if fi, err := os.Stat(def.BundleDir); err != nil || !fi.IsDir() {
			return nil, types.NewError(types.ErrSetupFailed,
				fmt.Sprintf("agent bundle directory %q is not accessible", def.BundleDir)).WithCause(err)
		}
	}

	probe := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err := probe.Run(); err != nil {
		return nil, types.NewError(types.ErrResourceExhausted, "docker daemon unavailable").
			WithCause(err).WithRetryable(true)
	}

	name := "openfang-run-" + uuid.NewString()[:12]
	scratch := filepath.Join(d.scratchRoot, name)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, setupError("failed to create scratch dir", err)
	}

	d.logger.Debug("provisioned docker sandbox",
		zap.String("container", name),
		zap.String("image", image),
		zap.String("agent_id", def.ID))

	return &dockerHandle{
		name:      name,
		image:     image,
		scratch:   scratch,
		def:       def,
		graceSecs: d.graceSecs,
		logger:    d.logger.With(zap.String("container", name)),
	}, nil
}

// Cleanup force-removes containers labelled as ours that survived a prior
// process lifetime, then reaps stale scratch directories.
func (d *DockerProvisioner) Cleanup(ctx context.Context) error {
	var out bytes.Buffer
	ls := exec.CommandContext(ctx, "docker", "ps", "-aq", "--filter", "label="+managedLabel)
	ls.Stdout = &out
	if err := ls.Run(); err != nil {
		return fmt.Errorf("listing stray containers: %w", err)
	}

	ids := strings.Fields(out.String())
	for _, id := range ids {
		rm := exec.CommandContext(ctx, "docker", "rm", "-f", id)
		if err := rm.Run(); err != nil {
			d.logger.Warn("failed to remove stray container", zap.String("id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		d.logger.Info("reaped stray containers", zap.Int("count", len(ids)))
	}

	entries, err := os.ReadDir(d.scratchRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "openfang-run-") {
			_ = os.RemoveAll(filepath.Join(d.scratchRoot, e.Name()))
		}
	}
	return nil
}

type dockerHandle struct {
	name      string
	image     string
	scratch   string
	def       *types.AgentDefinition
	graceSecs int
	logger    *zap.Logger

	released atomic.Bool
}

func (h *dockerHandle) ID() string { return h.name }

func (h *dockerHandle) BundlePath() string { return containerBundlePath }

func (h *dockerHandle) ScratchDir() string { return containerScratchPath }

// Start runs `docker run` with the invocation as the container command.
// Combined stdout+stderr goes to output; input is the container's stdin.
func (h *dockerHandle) Start(ctx context.Context, inv *types.InvocationSpec, input io.Reader, output io.Writer) (Process, error) {
	if h.released.Load() {
		return nil, types.NewError(types.ErrSandboxError, "sandbox already released")
	}
	if err := ctx.Err(); err != nil {
		return nil, setupError("launch interrupted", err)
	}

	args := h.buildRunArgs(inv)
	h.logger.Debug("starting container", zap.Strings("args", args))

	cmd := exec.Command("docker", args...)
	cmd.Stdin = input
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, types.NewError(types.ErrSandboxError, "failed to start container").WithCause(err)
	}
	return &dockerProcess{cmd: cmd, name: h.name, graceSecs: h.graceSecs}, nil
}

func (h *dockerHandle) buildRunArgs(inv *types.InvocationSpec) []string {
	args := []string{
		"run",
		"--name", h.name,
		"--label", managedLabel,
		"-i",
		"--rm",
	}

	limits := h.def.Limits
	if limits.MemoryMB > 0 {
		args = append(args,
			"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
			"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		)
	}
	if limits.CPUPercent > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", float64(limits.CPUPercent)/100.0))
	}
	if !h.def.NetworkEnabled {
		args = append(args, "--network", "none")
	}

	args = append(args,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--pids-limit", "256",
	)

	if h.def.BundleDir != "" {
		args = append(args, "-v", h.def.BundleDir+":"+containerBundlePath+":ro")
	}
	args = append(args, "-v", h.scratch+":"+containerScratchPath)
	args = append(args, "-w", containerScratchPath)

	for _, kv := range inv.Env {
		args = append(args, "-e", kv)
	}

	args = append(args, h.image, inv.Program)
	args = append(args, inv.Args...)
	return args
}

// Release force-removes the container and scratch dir. Idempotent; `docker
// rm -f` on a gone container is treated as success.
func (h *dockerHandle) Release() error {
	if h.released.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rm := exec.CommandContext(ctx, "docker", "rm", "-f", h.name)
	if err := rm.Run(); err != nil {
		h.logger.Debug("container removal", zap.Error(err))
	}

	err := os.RemoveAll(h.scratch)
	h.logger.Debug("released docker sandbox", zap.Error(err))
	return err
}

type dockerProcess struct {
	cmd       *exec.Cmd
	name      string
	graceSecs int
}

func (p *dockerProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		// 125-127 are docker's own statuses (daemon failure, command not
		// runnable, command not found), not the workload's exit code.
		if code >= 125 && code <= 127 {
			return code, fmt.Errorf("docker run failed with status %d", code)
		}
		return code, nil
	}
	return -1, err
}

// Terminate delivers SIGTERM inside the container and lets docker escalate
// to SIGKILL after the grace period.
func (p *dockerProcess) Terminate() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.graceSecs+5)*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "stop", "-t", fmt.Sprint(p.graceSecs), p.name).Run()
}

func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "kill", p.name).Run()
}
