// Package runtime translates declarative agent definitions into concrete
// launch commands for each supported language runtime. Adapters are pure:
// they never touch sandbox lifecycle.
package runtime

import (
	"fmt"
	"path"
	"strings"

	"github.com/openfang/openfang/types"
)

// Adapter builds the concrete invocation for one runtime kind. The run
// payload is always delivered on stdin, for every kind.
type Adapter interface {
	Kind() types.RuntimeKind

	// BuildInvocation produces the launch spec for def with the agent bundle
	// visible at bundleRoot inside the sandbox.
	BuildInvocation(def *types.AgentDefinition, bundleRoot string) (*types.InvocationSpec, error)
}

// Registry holds the closed set of adapters, one per runtime kind.
type Registry struct {
	adapters map[types.RuntimeKind]Adapter
}

// NewRegistry creates a registry with all supported adapters installed.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[types.RuntimeKind]Adapter)}
	for _, a := range []Adapter{
		javaAdapter{},
		nodeAdapter{},
		goAdapter{},
		pythonAdapter{},
		nativeAdapter{},
	} {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Adapter returns the adapter for kind.
func (r *Registry) Adapter(kind types.RuntimeKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, types.NewError(types.ErrRuntimeUnavailable,
			fmt.Sprintf("no adapter for runtime kind %q", kind))
	}
	return a, nil
}

// BuildInvocation looks up the adapter for def's kind and builds the spec.
func (r *Registry) BuildInvocation(def *types.AgentDefinition, bundleRoot string) (*types.InvocationSpec, error) {
	a, err := r.Adapter(def.Runtime)
	if err != nil {
		return nil, err
	}
	return a.BuildInvocation(def, bundleRoot)
}

func entryPath(def *types.AgentDefinition, bundleRoot string) (string, error) {
	entry := strings.TrimSpace(def.EntryPoint)
	if entry == "" {
		return "", types.NewError(types.ErrInvalidRequest, "agent entry point is empty")
	}
	if path.IsAbs(entry) || strings.Contains(entry, "..") {
		return "", types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("entry point %q must be a relative path inside the bundle", entry))
	}
	return path.Join(bundleRoot, entry), nil
}

func envSlice(def *types.AgentDefinition) []string {
	if len(def.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(def.Env))
	for k, v := range def.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// javaAdapter launches JARs with `java -jar` and loose classes with
// `java -cp <bundle> <class>`. The memory limit is mirrored into -Xmx so the
// JVM fails allocation gracefully before the sandbox ceiling kills it.
type javaAdapter struct{}

func (javaAdapter) Kind() types.RuntimeKind { return types.RuntimeJava }

func (javaAdapter) BuildInvocation(def *types.AgentDefinition, bundleRoot string) (*types.InvocationSpec, error) {
	args := []string{}
	if def.Limits.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("-Xmx%dm", def.Limits.MemoryMB))
	}
	if strings.HasSuffix(def.EntryPoint, ".jar") {
		entry, err := entryPath(def, bundleRoot)
		if err != nil {
			return nil, err
		}
		args = append(args, "-jar", entry)
	} else {
		// Entry point is a fully qualified main class on the bundle classpath.
		if strings.TrimSpace(def.EntryPoint) == "" {
			return nil, types.NewError(types.ErrInvalidRequest, "agent entry point is empty")
		}
		args = append(args, "-cp", bundleRoot, def.EntryPoint)
	}
	return &types.InvocationSpec{Program: "java", Args: args, Env: envSlice(def)}, nil
}

// nodeAdapter launches the entry script with node.
type nodeAdapter struct{}

func (nodeAdapter) Kind() types.RuntimeKind { return types.RuntimeNode }

func (nodeAdapter) BuildInvocation(def *types.AgentDefinition, bundleRoot string) (*types.InvocationSpec, error) {
	entry, err := entryPath(def, bundleRoot)
	if err != nil {
		return nil, err
	}
	return &types.InvocationSpec{Program: "node", Args: []string{entry}, Env: envSlice(def)}, nil
}

// goAdapter runs .go entry points through `go run` and anything else as a
// pre-built binary from the bundle.
type goAdapter struct{}

func (goAdapter) Kind() types.RuntimeKind { return types.RuntimeGo }

func (goAdapter) BuildInvocation(def *types.AgentDefinition, bundleRoot string) (*types.InvocationSpec, error) {
	entry, err := entryPath(def, bundleRoot)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(def.EntryPoint, ".go") {
		return &types.InvocationSpec{Program: "go", Args: []string{"run", entry}, Env: envSlice(def)}, nil
	}
	return &types.InvocationSpec{Program: entry, Env: envSlice(def)}, nil
}

// pythonAdapter launches the entry script unbuffered so output streams
// promptly into the capture buffer.
type pythonAdapter struct{}

func (pythonAdapter) Kind() types.RuntimeKind { return types.RuntimePython }

func (pythonAdapter) BuildInvocation(def *types.AgentDefinition, bundleRoot string) (*types.InvocationSpec, error) {
	entry, err := entryPath(def, bundleRoot)
	if err != nil {
		return nil, err
	}
	return &types.InvocationSpec{Program: "python3", Args: []string{"-u", entry}, Env: envSlice(def)}, nil
}

// nativeAdapter executes the entry point directly.
type nativeAdapter struct{}

func (nativeAdapter) Kind() types.RuntimeKind { return types.RuntimeNative }

func (nativeAdapter) BuildInvocation(def *types.AgentDefinition, bundleRoot string) (*types.InvocationSpec, error) {
	entry, err := entryPath(def, bundleRoot)
	if err != nil {
		return nil, err
	}
	return &types.InvocationSpec{Program: entry, Env: envSlice(def)}, nil
}
