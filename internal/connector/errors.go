package connector

import (
	"errors"
	"fmt"
)

// ErrNotRunning reports that no provider is registered for the requested
// tool id. Check with [errors.Is].
var ErrNotRunning = errors.New("provider is not running")

// ConfigurationError reports a tool descriptor that can never connect as
// written: an unknown connection kind, a stdio tool without a command, or an
// HTTP/SSE tool without a URL. Starting such a tool fails immediately without
// any connection attempt.
type ConfigurationError struct {
	// ToolID is the offending tool's id.
	ToolID int64

	// Reason describes what is wrong with the descriptor.
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("connector: tool %d misconfigured: %s", e.ToolID, e.Reason)
}

// ActivationError reports that a well-formed descriptor failed to produce a
// live connection: the transport could not be established or the initial tool
// listing failed, after all configured retries.
type ActivationError struct {
	// ToolID is the tool that failed to start.
	ToolID int64

	// Name is the tool's configured name, for log and error readability.
	Name string

	// Err is the underlying connect or listing failure.
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("connector: tool %d (%s) failed to activate: %v", e.ToolID, e.Name, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }
