package workflow

import "fmt"

// ErrorKind classifies a structural graph error. Kinds are surfaced
// verbatim to API callers.
type ErrorKind string

const (
	ErrCycleDetected ErrorKind = "CycleDetected"
	ErrDanglingEdge  ErrorKind = "DanglingEdge"
	ErrOrphanNode    ErrorKind = "OrphanNode"
	ErrDuplicateID   ErrorKind = "DuplicateId"
)

// GraphError describes a structural problem in a graph. A graph that
// fails validation is rejected whole; no part of it is applied.
type GraphError struct {
	Kind    ErrorKind
	NodeID  string
	Message string
}

func (e *GraphError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ConfigError reports an invalid node configuration. Configuration
// errors are rejected before any credit reservation; the node keeps its
// previous config and status.
type ConfigError struct {
	NodeID  string
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("node %q: field %q: %s", e.NodeID, e.Field, e.Message)
}
