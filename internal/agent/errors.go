package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// Sentinel errors for orchestrator and runtime operations.
var (
	// ErrEmptyMessage indicates a send with no content.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrAlreadyExecuting indicates an execution attempt is already in
	// flight for the tool message.
	ErrAlreadyExecuting = errors.New("tool is already executing")

	// ErrUnknownTool indicates the proposed tool has no registered handler.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrClosed indicates the runtime or orchestrator has been shut down.
	ErrClosed = errors.New("runtime is closed")
)

// InvalidStatusError reports a tool operation attempted against an
// invocation whose status does not permit it.
type InvalidStatusError struct {
	Op     string
	Status models.ToolStatus
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("cannot %s tool in status: %s", e.Op, e.Status)
}

// ValidationError reports tool arguments rejected by the tool's JSON
// Schema before execution. It is terminal for the invocation but carries
// no side effects.
type ValidationError struct {
	ToolName string
	Cause    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// userFacingStreamError maps a stream failure to the string shown in the
// conversation. Cancellation is not an error and never reaches here.
func userFacingStreamError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"),
		strings.Contains(lower, "overloaded"):
		return "The assistant is overloaded right now. Please try again in a moment."
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "401"),
		strings.Contains(lower, "api key"):
		return "The assistant rejected our credentials. Check the configured API key."
	default:
		return "The assistant ran into a problem: " + msg
	}
}
