// Package types defines the shared data model of the openfang orchestrator:
// agent definitions, run records and their state machine, resource limits,
// invocation specs, and the structured error type used across the codebase.
// It contains no business logic.
package types
