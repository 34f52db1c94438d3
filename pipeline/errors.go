// Package pipeline translates tool requests into deterministic, side-effect
// free aggregation pipelines against the document store. Every pipeline opens
// with the tenant prelude ($match on user_id, file_id, table_name); no query
// ever omits it.
package pipeline

import (
	"fmt"
	"strings"
)

// UnknownColumnError reports a reference to a column the table does not have,
// listing the available columns so the agent can self-correct.
type UnknownColumnError struct {
	Column    string
	Available []string
}

// Error implements the error interface.
func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("unknown column %q (available: %s)", e.Column, strings.Join(e.Available, ", "))
}

// FilterGrammarError reports a filter document that does not conform to the
// supported grammar.
type FilterGrammarError struct {
	Detail string
}

// Error implements the error interface.
func (e *FilterGrammarError) Error() string {
	return "invalid filter: " + e.Detail
}

// DerivedColumnError reports a failed composite-column extraction.
type DerivedColumnError struct {
	Source  string
	Pattern string
	Detail  string
}

// Error implements the error interface.
func (e *DerivedColumnError) Error() string {
	return fmt.Sprintf("cannot derive column from %q with pattern %q: %s", e.Source, e.Pattern, e.Detail)
}

// ValidationError reports a request the executor refuses before touching the
// store: an aggregate over the wrong column type, an unknown operation or
// frequency, or an entity with no matching rows. The caller can correct the
// request and retry.
type ValidationError struct {
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string { return e.Detail }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// NotTemporalError reports a time-series or date-range request over a column
// whose sampled values are not dates.
type NotTemporalError struct {
	Column string
}

// Error implements the error interface.
func (e *NotTemporalError) Error() string {
	return fmt.Sprintf("column %q is not temporal", e.Column)
}
