package pipeline

import (
	"context"
	"errors"
	"fmt"

	"quirk/internal/llm"
)

// ErrorCategory classifies node failures for logging and UI presentation.
type ErrorCategory int

const (
	ErrorUnknown ErrorCategory = iota
	ErrorGraph                 // start node missing or graph empty
	ErrorIteration             // per-node iteration cap exceeded
	ErrorLLM                   // transport failure: HTTP non-2xx, abort, stream parse
	ErrorScript                // uncaught exception in user code
	ErrorImage                 // image generation failure
	ErrorAborted               // run stopped by the user
	ErrorRecovered             // executor returned without a terminal transition
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorGraph:
		return "graph"
	case ErrorIteration:
		return "iteration_limit"
	case ErrorLLM:
		return "llm_transport"
	case ErrorScript:
		return "script_runtime"
	case ErrorImage:
		return "image_generation"
	case ErrorAborted:
		return "aborted"
	case ErrorRecovered:
		return "auto_recovered"
	default:
		return "unknown"
	}
}

// ExecutionError carries the failing node and a classification alongside the
// underlying cause.
type ExecutionError struct {
	Category  ErrorCategory
	NodeID    int64
	NodeTitle string
	Message   string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.NodeTitle != "" {
		return fmt.Sprintf("%s: %s", e.NodeTitle, e.Message)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// nodeError wraps err for the given node, classifying transport and
// cancellation causes so the orchestrator can present them distinctly.
func nodeError(category ErrorCategory, nodeID int64, title string, err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	if errors.Is(err, context.Canceled) {
		return &ExecutionError{
			Category:  ErrorAborted,
			NodeID:    nodeID,
			NodeTitle: title,
			Message:   "Execution stopped by user",
			Err:       err,
		}
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		category = ErrorLLM
	}
	return &ExecutionError{
		Category:  category,
		NodeID:    nodeID,
		NodeTitle: title,
		Message:   err.Error(),
		Err:       err,
	}
}
