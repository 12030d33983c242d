package types

import "fmt"

// RuntimeKind identifies the language runtime an agent is executed with.
type RuntimeKind string

const (
	RuntimeJava   RuntimeKind = "java"
	RuntimeNode   RuntimeKind = "node"
	RuntimeGo     RuntimeKind = "go"
	RuntimePython RuntimeKind = "python"
	RuntimeNative RuntimeKind = "native"
)

// RuntimeKinds lists every supported runtime kind. The set is closed: adding
// a kind means adding an adapter, not subclassing anything.
func RuntimeKinds() []RuntimeKind {
	return []RuntimeKind{RuntimeJava, RuntimeNode, RuntimeGo, RuntimePython, RuntimeNative}
}

// Valid reports whether k is a supported runtime kind.
func (k RuntimeKind) Valid() bool {
	switch k {
	case RuntimeJava, RuntimeNode, RuntimeGo, RuntimePython, RuntimeNative:
		return true
	default:
		return false
	}
}

// ParseRuntimeKind parses a runtime kind from its string form.
func ParseRuntimeKind(s string) (RuntimeKind, error) {
	k := RuntimeKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown runtime kind: %q", s)
	}
	return k, nil
}

// InvocationSpec is the concrete launch command a runtime adapter produces
// from an agent definition. Program and Args are interpreted inside the
// sandbox; Env entries are KEY=VALUE pairs appended to the sandbox
// environment.
type InvocationSpec struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}
