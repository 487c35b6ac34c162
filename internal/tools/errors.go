// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// UnknownToolError is returned when a call targets a tool that is not
// in the registry. The registry is a closed set, so this indicates the
// model hallucinated a capability, not a transient failure. Callers
// should feed the error back to the model rather than retrying.
type UnknownToolError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}

// ValidationError reports arguments that fail a tool's own checks
// (missing required fields, unknown product codes). It is fed back to
// the model as a function result so it can correct itself.
type ValidationError struct {
	Tool   string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
}
