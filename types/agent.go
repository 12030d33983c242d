package types

import "time"

// ResourceLimits bounds a single run of an agent.
type ResourceLimits struct {
	// CPUPercent caps CPU usage as a percentage of one core (100 = one core).
	CPUPercent int `json:"cpu_percent" yaml:"cpu_percent"`

	// MemoryMB caps resident memory in megabytes.
	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`

	// Timeout is the wall-clock limit for one run.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxOutputBytes caps captured stdout+stderr; exceeding it truncates the
	// output and terminates the run.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`
}

// WithDefaults fills zero-valued limits from the supplied defaults.
func (l ResourceLimits) WithDefaults(def ResourceLimits) ResourceLimits {
	if l.CPUPercent <= 0 {
		l.CPUPercent = def.CPUPercent
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = def.MemoryMB
	}
	if l.Timeout <= 0 {
		l.Timeout = def.Timeout
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = def.MaxOutputBytes
	}
	return l
}

// AgentDefinition describes a registered agent workload. Definitions are
// immutable after registration; re-registering the same name creates a new
// version rather than mutating the old one in place.
type AgentDefinition struct {
	// ID is the unique identifier assigned at registration.
	ID string `json:"id"`

	// Name is the caller-facing unique name of the agent.
	Name string `json:"name"`

	// Runtime is the declared runtime kind.
	Runtime RuntimeKind `json:"runtime"`

	// EntryPoint is the path of the entry file or binary inside the bundle.
	EntryPoint string `json:"entry_point"`

	// BundleDir is the on-disk directory holding the agent bundle. It is
	// mounted read-only into the sandbox.
	BundleDir string `json:"bundle_dir"`

	// Limits are the per-run resource limits.
	Limits ResourceLimits `json:"limits"`

	// NetworkEnabled grants the sandbox outbound network access.
	NetworkEnabled bool `json:"network_enabled"`

	// Env is extra environment passed to every run of this agent.
	Env map[string]string `json:"env,omitempty"`

	// Version increments each time the same name is re-registered.
	Version int `json:"version"`

	// CreatedAt is when this definition version was registered.
	CreatedAt time.Time `json:"created_at"`
}
