package tools

import (
	"errors"
	"fmt"

	"github.com/tablepilot/tablepilot/dataset"
	"github.com/tablepilot/tablepilot/numeric"
	"github.com/tablepilot/tablepilot/pipeline"
)

// ToolError reports a problem with a tool invocation that the agent can
// correct by changing its arguments: bad argument counts, malformed JSON
// fields, values out of range.
type ToolError struct {
	Tool    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *ToolError) Unwrap() error { return e.Cause }

// Errorf builds a ToolError with a formatted message.
func Errorf(tool, format string, args ...any) *ToolError {
	return &ToolError{Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// recoverable reports whether the error should be surfaced to the agent as an
// observation so it can self-correct, rather than terminating the request.
// Store and transport failures are not recoverable here; the loop's retry
// policy owns those.
func recoverable(err error) bool {
	var (
		toolErr    *ToolError
		unknownCol *pipeline.UnknownColumnError
		filterErr  *pipeline.FilterGrammarError
		derivedErr *pipeline.DerivedColumnError
		temporal   *pipeline.NotTemporalError
		invalid    *pipeline.ValidationError
	)
	switch {
	case errors.As(err, &toolErr),
		errors.As(err, &unknownCol),
		errors.As(err, &filterErr),
		errors.As(err, &derivedErr),
		errors.As(err, &temporal),
		errors.As(err, &invalid):
		return true
	case errors.Is(err, dataset.ErrFileNotFound),
		errors.Is(err, dataset.ErrTableNotFound),
		errors.Is(err, pipeline.ErrMedianTooLarge),
		errors.Is(err, numeric.ErrSyntax),
		errors.Is(err, numeric.ErrName),
		errors.Is(err, numeric.ErrMath):
		return true
	}
	return false
}

// errorPayload renders a recoverable error as an observation document. An
// unknown column lists the available columns so the agent can pick another.
func errorPayload(err error) map[string]any {
	payload := map[string]any{"error": err.Error()}
	var unknownCol *pipeline.UnknownColumnError
	if errors.As(err, &unknownCol) {
		payload["available_columns"] = unknownCol.Available
	}
	return payload
}
