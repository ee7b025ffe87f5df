package agent

import (
	"errors"
	"fmt"
)

// Loop phases for error reporting.
const (
	PhaseProvider = "provider"
	PhaseTool     = "tool"
)

var (
	// ErrMaxIterations is returned when the loop hits its iteration budget
	// with the model still requesting tools.
	ErrMaxIterations = errors.New("agent: max iterations reached")

	// ErrNoProvider is returned when a provider selection cannot be
	// resolved to a configured driver.
	ErrNoProvider = errors.New("agent: no such provider")
)

// LoopError records where in the tool loop a fatal error occurred. Tool
// failures never produce a LoopError; they are fed back to the model as
// error results. Only provider-level failures are fatal.
type LoopError struct {
	Phase     string
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agent: %s failed at iteration %d: %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }
