// Package tools exposes the agent's nine data tools behind a string
// calling convention: a stable name plus positional pipe-delimited arguments.
// Every tool is read-only, tenant-scoped, and returns JSON, so the model can
// retry or change course without side effects.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/tablepilot/tablepilot/dataset"
	"github.com/tablepilot/tablepilot/pipeline"
	"github.com/tablepilot/tablepilot/resolver"
)

type (
	// Tool is one registered tool.
	Tool struct {
		Name        string
		Signature   string
		Description string
		Example     string

		run func(ctx context.Context, userID string, args []string) (*Result, error)
	}

	// Result is the outcome of one tool invocation. Payload marshals to the
	// observation the agent sees; the rest feeds provenance and the
	// date-range handshake.
	Result struct {
		Payload     any
		Traces      []pipeline.Trace
		MatchedRows int64

		// Failed marks a recoverable tool failure surfaced as an
		// observation. The agent counts these toward its abort limits.
		Failed bool

		// DateRange is set when the tool needs the user to narrow the time
		// window before it can proceed.
		DateRange *DateRangeRequest
	}

	// DateRangeRequest is the handshake sentinel returned when an unbounded
	// query spans too much data.
	DateRangeRequest struct {
		RequiresDateRange bool      `json:"requires_date_range"`
		MinDate           time.Time `json:"min_date"`
		MaxDate           time.Time `json:"max_date"`
		TimeColumn        string    `json:"time_column"`
		FileID            string    `json:"file_id"`
		Table             string    `json:"table"`
	}

	// ProbeEntry describes one tool for diagnostics.
	ProbeEntry struct {
		Name      string `json:"name"`
		Signature string `json:"signature"`
		Example   string `json:"example"`
	}

	// Options configures the registry.
	Options struct {
		Catalog  *dataset.Catalog
		Executor *pipeline.Executor

		// Resolver maps unknown column names to real ones. Optional; without
		// it an unknown column is simply an error observation.
		Resolver *resolver.Resolver

		// DefaultLimit and MaxLimit bound row-returning tools. Defaults 100
		// and 1000.
		DefaultLimit int64
		MaxLimit     int64

		// MaxRawRows triggers the truncation policy. Default 500.
		MaxRawRows int64

		// LargeRows and LargeDays trigger the date-range handshake on
		// unbounded time-series queries. Defaults 10000 and 90.
		LargeRows int64
		LargeDays int

		// Timeout bounds each tool invocation. Default 30s.
		Timeout time.Duration
	}

	// Registry holds the tool set and dispatches invocations.
	Registry struct {
		catalog  *dataset.Catalog
		exec     *pipeline.Executor
		resolver *resolver.Resolver
		opts     Options

		tools  []*Tool
		byName map[string]*Tool
	}
)

// New builds the registry with the full tool set.
func New(opts Options) (*Registry, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 1000
	}
	if opts.MaxRawRows <= 0 {
		opts.MaxRawRows = 500
	}
	if opts.LargeRows <= 0 {
		opts.LargeRows = 10000
	}
	if opts.LargeDays <= 0 {
		opts.LargeDays = 90
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	r := &Registry{
		catalog:  opts.Catalog,
		exec:     opts.Executor,
		resolver: opts.Resolver,
		opts:     opts,
		byName:   make(map[string]*Tool),
	}
	r.register()
	return r, nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Probe returns name, signature and example for every tool.
func (r *Registry) Probe() []ProbeEntry {
	out := make([]ProbeEntry, len(r.tools))
	for i, t := range r.tools {
		out[i] = ProbeEntry{Name: t.Name, Signature: t.Signature, Example: t.Example}
	}
	return out
}

// Describe renders the tool list for the agent's system prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, t := range r.tools {
		fmt.Fprintf(&b, "- %s(%s): %s\n  Example: %s\n", t.Name, t.Signature, t.Description, t.Example)
	}
	return b.String()
}

// Dispatch runs a tool by name. Recoverable failures come back as a failed
// Result whose payload describes the problem; only resource-level failures
// (store unavailable, cancellation) return an error.
func (r *Registry) Dispatch(ctx context.Context, userID, name, input string) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	t, ok := r.byName[name]
	if !ok {
		return failed(Errorf(name, "unknown tool (available: %s)", strings.Join(r.Names(), ", "))), nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	args := splitArgs(input)
	res, err := t.run(ctx, userID, args)
	if err != nil {
		if recoverable(err) {
			log.Infof(ctx, "tool %s failed recoverably: %v", name, err)
			return failed(err), nil
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// Observation marshals the result payload to the JSON string shown to the
// model.
func (res *Result) Observation() string {
	raw, err := json.Marshal(res.Payload)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(raw)
}

func failed(err error) *Result {
	return &Result{Payload: errorPayload(err), Failed: true}
}

// splitArgs parses the pipe-delimited convention. Fields are trimmed; empty
// fields select defaults.
func splitArgs(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	parts := strings.Split(input, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// sortedColumns lists schema columns for prompts and error payloads.
func sortedColumns(ts *dataset.TableSchema) []string {
	cols := make([]string, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		cols = append(cols, c.Name)
	}
	sort.Strings(cols)
	return cols
}
