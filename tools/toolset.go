package tools

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tablepilot/tablepilot/dataset"
	"github.com/tablepilot/tablepilot/numeric"
	"github.com/tablepilot/tablepilot/pipeline"
	"github.com/tablepilot/tablepilot/resolver"
)

func (r *Registry) register() {
	add := func(t *Tool) {
		r.tools = append(r.tools, t)
		r.byName[t.Name] = t
	}
	add(&Tool{
		Name:        "list_user_files",
		Signature:   "",
		Description: "List the caller's uploaded files with their tables and row counts.",
		Example:     "Action: list_user_files\nAction Input:",
		run:         r.listUserFiles,
	})
	add(&Tool{
		Name:        "table_loader",
		Signature:   "file_id|table|filters_json|fields_json|limit",
		Description: "Load the schema and a bounded row sample of one table.",
		Example:     `Action: table_loader` + "\n" + `Action Input: f-1|production|{"Line": "Line-1"}||50`,
		run:         r.tableLoader,
	})
	add(&Tool{
		Name:        "agg_helper",
		Signature:   "file_id|table|filters_json|metrics_json",
		Description: "Aggregate metrics (sum, avg, count, count_distinct, min, max, median, stddev), optionally grouped.",
		Example:     `Action: agg_helper` + "\n" + `Action Input: f-1|production|{}|[{"op": "sum", "field": "Actual_Qty", "alias": "total", "group_by": "Line"}]`,
		run:         r.aggHelper,
	})
	add(&Tool{
		Name:        "timeseries_analyzer",
		Signature:   "file_id|table|time_col|metric_col|freq|agg|start?|end?",
		Description: "Bucket a metric over time (day, week, month, quarter, year) with trend statistics.",
		Example:     "Action: timeseries_analyzer\nAction Input: f-1|production|Date|Actual_Qty|week|sum|2024-01-01|2024-03-31",
		run:         r.timeseriesAnalyzer,
	})
	add(&Tool{
		Name:        "compare_entities",
		Signature:   "file_id|table|key_col|metric_col|entity_a|entity_b|agg|filters_json",
		Description: "Compare one metric between two entities of a key column, with percent difference.",
		Example:     "Action: compare_entities\nAction Input: f-1|production|Line|Actual_Qty|Line-1|Line-2|sum|{}",
		run:         r.compareEntities,
	})
	add(&Tool{
		Name:        "statistical_summary",
		Signature:   "file_id|table|columns_json|filters_json",
		Description: "Min, max, mean, median, stddev, count and null count for numeric columns.",
		Example:     `Action: statistical_summary` + "\n" + `Action Input: f-1|production|["Actual_Qty", "Target_Qty"]|{}`,
		run:         r.statisticalSummary,
	})
	add(&Tool{
		Name:        "rank_entities",
		Signature:   "file_id|table|key_col|metric_col|agg|n|order|filters_json",
		Description: "Rank entities by an aggregated metric; order is asc or desc.",
		Example:     "Action: rank_entities\nAction Input: f-1|production|Line|Actual_Qty|sum|3|desc|{}",
		run:         r.rankEntities,
	})
	add(&Tool{
		Name:        "calc_eval",
		Signature:   "expr|vars_json?",
		Description: "Evaluate an arithmetic expression in exact decimal. Operators + - * / % **, functions abs, round, min, max.",
		Example:     `Action: calc_eval` + "\n" + `Action Input: round(actual / target * 100, 2)|{"actual": 95.5, "target": 100}`,
		run:         r.calcEval,
	})
	add(&Tool{
		Name:        "get_date_range",
		Signature:   "file_id|table|time_col",
		Description: "Report the min and max of a temporal column plus the row count.",
		Example:     "Action: get_date_range\nAction Input: f-1|production|Date",
		run:         r.getDateRange,
	})
}

// tableContext loads the file, infers the table schema, and assembles the
// tenant scope every pipeline opens with.
func (r *Registry) tableContext(ctx context.Context, tool, userID string, args []string) (*dataset.File, *dataset.TableSchema, *pipeline.Schema, pipeline.Scope, error) {
	fileID, table := arg(args, 0), arg(args, 1)
	if fileID == "" || table == "" {
		return nil, nil, nil, pipeline.Scope{}, Errorf(tool, "file_id and table are required")
	}
	f, err := r.catalog.GetFile(ctx, userID, fileID)
	if err != nil {
		return nil, nil, nil, pipeline.Scope{}, err
	}
	ts, err := r.catalog.Schema(ctx, userID, fileID, table)
	if err != nil {
		return nil, nil, nil, pipeline.Scope{}, err
	}
	scope := pipeline.Scope{UserID: userID, FileID: fileID, Table: table}
	return f, ts, pipeline.NewSchema(ts), scope, nil
}

func (r *Registry) listUserFiles(ctx context.Context, userID string, _ []string) (*Result, error) {
	files, err := r.catalog.ListFiles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: files}, nil
}

func (r *Registry) tableLoader(ctx context.Context, userID string, args []string) (*Result, error) {
	const tool = "table_loader"
	_, ts, schema, scope, err := r.tableContext(ctx, tool, userID, args)
	if err != nil {
		return nil, err
	}
	filters, err := parseFilters(tool, arg(args, 2))
	if err != nil {
		return nil, err
	}
	var fields []string
	if raw := arg(args, 3); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, &ToolError{Tool: tool, Message: "fields_json must be a JSON array of column names", Cause: err}
		}
	}
	limit, err := parseLimit(tool, arg(args, 4), r.opts.DefaultLimit, r.opts.MaxLimit)
	if err != nil {
		return nil, err
	}
	res, err := r.exec.Load(ctx, scope, schema, filters, fields, limit)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"schema":      schemaPayload(ts),
		"sample_rows": res.Rows,
		"row_count":   res.RowCount,
	}
	traces := res.Traces

	// Raw scans past the threshold come back truncated: a 100-row head plus
	// summary statistics instead of the full payload.
	returned := min64(limit, res.RowCount)
	if returned > r.opts.MaxRawRows {
		rows := res.Rows
		if int64(len(rows)) > 100 {
			rows = rows[:100]
		}
		payload["sample_rows"] = rows
		payload["truncated"] = true
		if numericCols := numericColumns(ts); len(numericCols) > 0 {
			if sum, err := r.exec.Summarize(ctx, scope, schema, filters, numericCols); err == nil {
				payload["summary"] = sum.Columns
				traces = append(traces, sum.Traces...)
			}
		}
	}
	return &Result{Payload: payload, Traces: traces, MatchedRows: res.RowCount}, nil
}

// metricSpec is the wire form of one aggregation metric.
type metricSpec struct {
	Op      string `json:"op"`
	Field   string `json:"field"`
	Alias   string `json:"alias"`
	GroupBy string `json:"group_by"`
}

func (r *Registry) aggHelper(ctx context.Context, userID string, args []string) (*Result, error) {
	const tool = "agg_helper"
	f, ts, schema, scope, err := r.tableContext(ctx, tool, userID, args)
	if err != nil {
		return nil, err
	}
	filters, err := parseFilters(tool, arg(args, 2))
	if err != nil {
		return nil, err
	}
	raw := arg(args, 3)
	if raw == "" {
		return nil, Errorf(tool, "metrics_json is required")
	}
	var specs []metricSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, &ToolError{Tool: tool, Message: "metrics_json must be a JSON array of {op, field, alias?, group_by?}", Cause: err}
	}
	if len(specs) == 0 {
		return nil, Errorf(tool, "metrics_json must name at least one metric")
	}

	var (
		groupBy string
		derived []pipeline.Derived
		metrics []pipeline.Metric
	)
	for _, s := range specs {
		field, d, err := r.resolveColumn(ctx, s.Field, f, ts, scope.Table, derived)
		if err != nil {
			return nil, err
		}
		derived = d
		if s.GroupBy != "" && groupBy == "" {
			groupBy, derived, err = r.resolveColumn(ctx, s.GroupBy, f, ts, scope.Table, derived)
			if err != nil {
				return nil, err
			}
		}
		metrics = append(metrics, pipeline.Metric{Op: s.Op, Field: field, Alias: s.Alias})
	}

	res, err := r.exec.Aggregate(ctx, scope, schema, filters, derived, groupBy, metrics)
	if err != nil {
		return nil, err
	}
	if groupBy == "" {
		payload := map[string]any{}
		for k, v := range res.Groups[0].Values {
			payload[k] = v
		}
		return &Result{Payload: payload, Traces: res.Traces, MatchedRows: res.MatchedRows}, nil
	}
	groups := make([]map[string]any, 0, len(res.Groups))
	for _, g := range res.Groups {
		row := map[string]any{"group_key": g.Key}
		for k, v := range g.Values {
			row[k] = v
		}
		groups = append(groups, row)
	}
	return &Result{Payload: groups, Traces: res.Traces, MatchedRows: res.MatchedRows}, nil
}

func (r *Registry) timeseriesAnalyzer(ctx context.Context, userID string, args []string) (*Result, error) {
	const tool = "timeseries_analyzer"
	f, ts, _, scope, err := r.tableContext(ctx, tool, userID, args)
	if err != nil {
		return nil, err
	}
	timeCol := arg(args, 2)
	metricCol := arg(args, 3)
	freq := arg(args, 4)
	agg := arg(args, 5)
	if agg == "" {
		agg = pipeline.OpSum
	}
	var derived []pipeline.Derived
	metricCol, derived, err = r.resolveColumn(ctx, metricCol, f, ts, scope.Table, derived)
	if err != nil {
		return nil, err
	}
	if len(derived) > 0 {
		// Bucketing stages have no derive step; the metric must be a real
		// column here.
		return nil, Errorf(tool, "column %q must exist in the table for time-series analysis", metricCol)
	}
	schema := pipeline.NewSchema(ts)

	start, err := parseOptionalDate(tool, "start", arg(args, 6))
	if err != nil {
		return nil, err
	}
	end, err := parseOptionalDate(tool, "end", arg(args, 7))
	if err != nil {
		return nil, err
	}

	// Unbounded window over a large dataset: hand back the available range
	// and let the orchestrator ask the user to narrow it.
	if start == nil && end == nil {
		dr, err := r.exec.DateRange(ctx, scope, schema, timeCol)
		if err != nil {
			return nil, err
		}
		if r.needsDateRange(dr) {
			req := &DateRangeRequest{
				RequiresDateRange: true,
				MinDate:           dr.MinDate,
				MaxDate:           dr.MaxDate,
				TimeColumn:        timeCol,
				FileID:            scope.FileID,
				Table:             scope.Table,
			}
			return &Result{Payload: req, Traces: dr.Traces, DateRange: req}, nil
		}
	}

	res, err := r.exec.TimeSeries(ctx, scope, schema, nil, timeCol, metricCol, freq, agg, start, end)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"series":           res.Series,
		"trend_pct_change": res.TrendPctChange,
		"slope":            res.Slope,
	}
	return &Result{Payload: payload, Traces: res.Traces, MatchedRows: int64(len(res.Series))}, nil
}

func (r *Registry) needsDateRange(dr *pipeline.RangeResult) bool {
	if dr.RowCount == 0 {
		return false
	}
	if dr.RowCount > r.opts.LargeRows {
		return true
	}
	days := int(dr.MaxDate.Sub(dr.MinDate).Hours() / 24)
	return days >= r.opts.LargeDays
}

func (r *Registry) compareEntities(ctx context.Context, userID string, args []string) (*Result, error) {
	const tool = "compare_entities"
	f, ts, _, scope, err := r.tableContext(ctx, tool, userID, args)
	if err != nil {
		return nil, err
	}
	keyCol := arg(args, 2)
	metricCol := arg(args, 3)
	entityA := arg(args, 4)
	entityB := arg(args, 5)
	agg := arg(args, 6)
	if agg == "" {
		agg = pipeline.OpSum
	}
	if entityA == "" || entityB == "" {
		return nil, Errorf(tool, "entity_a and entity_b are required")
	}
	filters, err := parseFilters(tool, arg(args, 7))
	if err != nil {
		return nil, err
	}
	var derived []pipeline.Derived
	keyCol, derived, err = r.resolveColumn(ctx, keyCol, f, ts, scope.Table, derived)
	if err != nil {
		return nil, err
	}
	metricCol, derived, err = r.resolveColumn(ctx, metricCol, f, ts, scope.Table, derived)
	if err != nil {
		return nil, err
	}
	if len(derived) > 0 {
		// Compare filters on the key column value, which a derived column
		// cannot support without rewriting the filter path.
		return nil, Errorf(tool, "column %q must exist in the table for comparison", keyCol)
	}
	schema := pipeline.NewSchema(ts)

	res, err := r.exec.Compare(ctx, scope, schema, filters, keyCol, metricCol, entityA, entityB, agg)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"a": res.A, "b": res.B, "pct_diff": res.PctDiff}
	return &Result{Payload: payload, Traces: res.Traces}, nil
}

func (r *Registry) statisticalSummary(ctx context.Context, userID string, args []string) (*Result, error) {
	const tool = "statistical_summary"
	_, ts, schema, scope, err := r.tableContext(ctx, tool, userID, args)
	if err != nil {
		return nil, err
	}
	raw := arg(args, 2)
	var columns []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &columns); err != nil {
			return nil, &ToolError{Tool: tool, Message: "columns_json must be a JSON array of column names", Cause: err}
		}
	}
	if len(columns) == 0 {
		columns = numericColumns(ts)
	}
	if len(columns) == 0 {
		return nil, Errorf(tool, "table has no numeric columns to summarize")
	}
	filters, err := parseFilters(tool, arg(args, 3))
	if err != nil {
		return nil, err
	}
	res, err := r.exec.Summarize(ctx, scope, schema, filters, columns)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: res.Columns, Traces: res.Traces, MatchedRows: res.MatchedRows}, nil
}

func (r *Registry) rankEntities(ctx context.Context, userID string, args []string) (*Result, error) {
	const tool = "rank_entities"
	f, ts, _, scope, err := r.tableContext(ctx, tool, userID, args)
	if err != nil {
		return nil, err
	}
	keyCol := arg(args, 2)
	metricCol := arg(args, 3)
	agg := arg(args, 4)
	if agg == "" {
		agg = pipeline.OpSum
	}
	n, err := strconv.Atoi(arg(args, 5))
	if err != nil || n <= 0 {
		return nil, Errorf(tool, "n must be a positive integer, got %q", arg(args, 5))
	}
	descending := true
	switch strings.ToLower(arg(args, 6)) {
	case "", "desc":
	case "asc":
		descending = false
	default:
		return nil, Errorf(tool, "order must be asc or desc, got %q", arg(args, 6))
	}
	filters, err := parseFilters(tool, arg(args, 7))
	if err != nil {
		return nil, err
	}
	var derived []pipeline.Derived
	keyCol, derived, err = r.resolveColumn(ctx, keyCol, f, ts, scope.Table, derived)
	if err != nil {
		return nil, err
	}
	metricCol, derived, err = r.resolveColumn(ctx, metricCol, f, ts, scope.Table, derived)
	if err != nil {
		return nil, err
	}

	res, err := r.exec.Rank(ctx, scope, pipeline.NewSchema(ts), filters, derived, keyCol, metricCol, agg, n, descending)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: res.Entities, Traces: res.Traces}, nil
}

func (r *Registry) calcEval(ctx context.Context, _ string, args []string) (*Result, error) {
	const tool = "calc_eval"
	expr := arg(args, 0)
	if expr == "" {
		return nil, Errorf(tool, "expr is required")
	}
	vars := map[string]decimal.Decimal{}
	if raw := arg(args, 1); raw != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, &ToolError{Tool: tool, Message: "vars_json must be a JSON object", Cause: err}
		}
		for name, v := range parsed {
			d, ok := toDecimalVar(v)
			if !ok {
				return nil, Errorf(tool, "variable %q is not numeric", name)
			}
			vars[name] = d
		}
	}
	value, err := numeric.Eval(expr, vars)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: map[string]any{"value": numeric.N(value)}}, nil
}

func (r *Registry) getDateRange(ctx context.Context, userID string, args []string) (*Result, error) {
	const tool = "get_date_range"
	_, _, schema, scope, err := r.tableContext(ctx, tool, userID, args)
	if err != nil {
		return nil, err
	}
	timeCol := arg(args, 2)
	res, err := r.exec.DateRange(ctx, scope, schema, timeCol)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"min_date":  res.MinDate,
		"max_date":  res.MaxDate,
		"row_count": res.RowCount,
	}
	return &Result{Payload: payload, Traces: res.Traces, MatchedRows: res.RowCount}, nil
}

// resolveColumn maps a requested column to a real one. Exact matches pass
// through; otherwise the semantic resolver gets one shot, and an extraction
// spec becomes a derived column appended to derived.
func (r *Registry) resolveColumn(ctx context.Context, col string, f *dataset.File, ts *dataset.TableSchema, table string, derived []pipeline.Derived) (string, []pipeline.Derived, error) {
	if col == "" {
		return "", derived, nil
	}
	schema := pipeline.NewSchema(ts)
	for _, d := range derived {
		schema = schema.WithDerived(d.Name)
		if d.Name == col {
			return col, derived, nil
		}
	}
	if schema.Has(col) {
		return col, derived, nil
	}
	if r.resolver == nil {
		return "", derived, &pipeline.UnknownColumnError{Column: col, Available: schema.Columns()}
	}
	mapping, err := r.resolver.Resolve(ctx, &resolver.Request{
		Purpose:     "map the requested column, extracting from a composite column if needed: " + col,
		Roles:       []string{col},
		Columns:     sortedColumns(ts),
		SampleRow:   ts.SampleRow,
		Definitions: tableDefinitions(f, table),
	})
	if err != nil {
		return "", derived, err
	}
	if mapping.Extraction != nil {
		d := pipeline.Derived{
			Name:    col,
			Source:  mapping.Extraction.SourceColumn,
			Pattern: mapping.Extraction.Pattern,
		}
		return col, append(derived, d), nil
	}
	if resolved, ok := mapping.Columns[col]; ok && resolved != "" {
		return resolved, derived, nil
	}
	return "", derived, &pipeline.UnknownColumnError{Column: col, Available: schema.Columns()}
}

// tableDefinitions extracts the user's column descriptions for one table.
func tableDefinitions(f *dataset.File, table string) map[string]string {
	if f == nil || len(f.UserDefinitions) == 0 {
		return nil
	}
	prefix := table + "::"
	out := map[string]string{}
	for key, desc := range f.UserDefinitions {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = desc
		}
	}
	return out
}

func parseFilters(tool, raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var filters map[string]any
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil, &ToolError{Tool: tool, Message: "filters_json must be a JSON object", Cause: err}
	}
	return filters, nil
}

func parseLimit(tool, raw string, def, max int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, Errorf(tool, "limit must be a positive integer, got %q", raw)
	}
	if n > max {
		return max, nil
	}
	return n, nil
}

func parseOptionalDate(tool, name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := dataset.ParseISODate(raw)
	if err != nil {
		return nil, &ToolError{Tool: tool, Message: name + " must be an ISO-8601 date", Cause: err}
	}
	return &t, nil
}

func schemaPayload(ts *dataset.TableSchema) []map[string]string {
	out := make([]map[string]string, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		out = append(out, map[string]string{"column": c.Name, "inferred_type": c.Type})
	}
	return out
}

func numericColumns(ts *dataset.TableSchema) []string {
	var cols []string
	for _, c := range ts.Columns {
		if c.Type == dataset.TypeNumber {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

func toDecimalVar(v any) (decimal.Decimal, bool) {
	if s, ok := v.(string); ok {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return numeric.ToDecimal(v)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
