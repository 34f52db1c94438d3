package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tablepilot/tablepilot/dataset"
	"github.com/tablepilot/tablepilot/numeric"
	"github.com/tablepilot/tablepilot/store"
)

// medianExactLimit caps exact median computation. Beyond it the builder
// refuses rather than silently approximating.
const medianExactLimit = 1_000_000

// ErrMedianTooLarge indicates an exact median was requested over more rows
// than the documented exactness cap.
var ErrMedianTooLarge = errors.New("median is exact only up to 1000000 rows")

type (
	// Executor runs built pipelines against the store and reduces staged
	// values in exact decimal. It records every emitted pipeline so callers
	// can attach them to the audit trail.
	Executor struct {
		store store.Store
	}

	// Trace captures one executed pipeline for provenance. Re-executing the
	// trace against unchanged rows reproduces the reported values.
	Trace struct {
		Collection string   `bson:"collection" json:"collection"`
		Pipeline   []bson.D `bson:"pipeline" json:"pipeline"`
	}

	// Group is one reduced aggregation group. Key is nil for ungrouped
	// aggregations.
	Group struct {
		Key    any
		Values map[string]any
		Rows   int64
	}

	// AggregateResult carries reduced groups plus provenance traces.
	AggregateResult struct {
		Groups      []Group
		MatchedRows int64
		Traces      []Trace
	}

	// Bucket is one time-series point.
	Bucket struct {
		Bucket time.Time `json:"bucket"`
		Value  any       `json:"value"`
	}

	// SeriesResult is a bucketed time series with simple trend statistics.
	SeriesResult struct {
		Series         []Bucket
		TrendPctChange *numeric.Number
		Slope          *float64
		Traces         []Trace
	}

	// CompareResult reports two entity aggregates and their percent
	// difference ((a-b)/|b|*100, nil when b is zero).
	CompareResult struct {
		A       any
		B       any
		PctDiff *numeric.Number
		Traces  []Trace
	}

	// RankedEntity is one ranking row.
	RankedEntity struct {
		Entity any `json:"entity"`
		Value  any `json:"value"`
	}

	// RankResult is an ordered ranking with provenance.
	RankResult struct {
		Entities []RankedEntity
		Traces   []Trace
	}

	// RangeResult reports the bounds of a temporal column.
	RangeResult struct {
		MinDate  time.Time
		MaxDate  time.Time
		RowCount int64
		Traces   []Trace
	}

	// LoadResult carries a bounded row sample plus the independent count of
	// all matching rows.
	LoadResult struct {
		Rows     []map[string]any
		RowCount int64
		Traces   []Trace
	}

	// ColumnStats is the descriptive summary of one numeric column.
	ColumnStats struct {
		Min       *numeric.Number `json:"min"`
		Max       *numeric.Number `json:"max"`
		Mean      *numeric.Number `json:"mean"`
		Median    *numeric.Number `json:"median"`
		Stddev    *numeric.Number `json:"stddev"`
		Count     int64           `json:"count"`
		NullCount int64           `json:"null_count"`
	}

	// SummaryResult maps columns to their statistics.
	SummaryResult struct {
		Columns     map[string]ColumnStats
		MatchedRows int64
		Traces      []Trace
	}
)

// NewExecutor returns an Executor over the given store.
func NewExecutor(s store.Store) *Executor {
	return &Executor{store: s}
}

// Load returns a bounded, stably ordered sample of rows matching the filter,
// along with the total matched count obtained by an independent fast count.
func (e *Executor) Load(ctx context.Context, scope Scope, schema *Schema, filters map[string]any, fields []string, limit int64) (*LoadResult, error) {
	if err := schema.Validate(fields...); err != nil {
		return nil, err
	}
	filter, err := BuildFilter(filters, schema)
	if err != nil {
		return nil, err
	}
	stages := LoadStages(scope, filter, fields, limit)
	docs, err := e.store.Aggregate(ctx, dataset.RowsCollection, stages)
	if err != nil {
		return nil, err
	}
	countFilter := TenantFilter(scope)
	for k, v := range filter {
		countFilter[k] = v
	}
	count, err := e.store.Count(ctx, dataset.RowsCollection, countFilter)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, asRow(doc))
	}
	return &LoadResult{
		Rows:     rows,
		RowCount: count,
		Traces:   []Trace{{Collection: dataset.RowsCollection, Pipeline: stages}},
	}, nil
}

// Aggregate validates the metrics, runs the group pipeline, and reduces the
// staged values with the decimal kernel.
func (e *Executor) Aggregate(ctx context.Context, scope Scope, schema *Schema, filters map[string]any, derived []Derived, groupBy string, metrics []Metric) (*AggregateResult, error) {
	if len(metrics) == 0 {
		return nil, errors.New("at least one metric is required")
	}
	var deriveStages []bson.D
	for _, d := range derived {
		stage, err := DeriveStage(d, schema)
		if err != nil {
			return nil, err
		}
		deriveStages = append(deriveStages, stage)
		schema = schema.WithDerived(d.Name)
	}
	if err := schema.Validate(groupBy); err != nil {
		return nil, err
	}
	for _, m := range metrics {
		if err := validateMetric(m, schema); err != nil {
			return nil, err
		}
	}
	filter, err := BuildFilter(filters, schema)
	if err != nil {
		return nil, err
	}
	stages := GroupStages(scope, filter, deriveStages, groupBy, metrics)
	docs, err := e.store.Aggregate(ctx, dataset.RowsCollection, stages)
	if err != nil {
		return nil, err
	}
	result := &AggregateResult{Traces: []Trace{{Collection: dataset.RowsCollection, Pipeline: stages}}}
	for _, doc := range docs {
		n := asInt64(doc["n"])
		result.MatchedRows += n
		group := Group{Key: doc["_id"], Rows: n, Values: map[string]any{}}
		for i, m := range metrics {
			// The median exactness cap applies to the group's own staged
			// values, not the running total across groups.
			v, err := reduceMetric(m, doc, metricKey(i), n)
			if err != nil {
				return nil, err
			}
			group.Values[m.ResultName()] = v
		}
		result.Groups = append(result.Groups, group)
	}
	if len(result.Groups) == 0 {
		// Empty input still yields well-defined aggregates: zero for
		// sum/count, null where the operation is undefined.
		group := Group{Values: map[string]any{}}
		for _, m := range metrics {
			group.Values[m.ResultName()] = emptyValue(m.Op)
		}
		result.Groups = append(result.Groups, group)
	}
	return result, nil
}

// TimeSeries buckets a metric over a temporal column and reduces each bucket.
func (e *Executor) TimeSeries(ctx context.Context, scope Scope, schema *Schema, filters map[string]any, timeCol, metricCol, freq, agg string, start, end *time.Time) (*SeriesResult, error) {
	if err := schema.Validate(timeCol, metricCol); err != nil {
		return nil, err
	}
	if !schema.Temporal(timeCol) {
		return nil, &NotTemporalError{Column: timeCol}
	}
	unit, ok := Frequencies[freq]
	if !ok {
		return nil, validationErrorf("unknown frequency %q (valid: day, week, month, quarter, year)", freq)
	}
	if err := validateMetric(Metric{Op: agg, Field: metricCol}, schema); err != nil {
		return nil, err
	}
	merged := mergeWindow(filters, timeCol, start, end, schema)
	filter, err := BuildFilter(merged, schema)
	if err != nil {
		return nil, err
	}
	stages := TimeSeriesStages(scope, filter, timeCol, metricCol, unit)
	docs, err := e.store.Aggregate(ctx, dataset.RowsCollection, stages)
	if err != nil {
		return nil, err
	}
	result := &SeriesResult{Traces: []Trace{{Collection: dataset.RowsCollection, Pipeline: stages}}}
	for _, doc := range docs {
		bucket, ok := asTime(doc["_id"])
		if !ok {
			continue
		}
		v, err := reduceMetric(Metric{Op: agg, Field: metricCol}, doc, "m0", asInt64(doc["n"]))
		if err != nil {
			return nil, err
		}
		result.Series = append(result.Series, Bucket{Bucket: bucket, Value: v})
	}
	result.TrendPctChange, result.Slope = trend(result.Series)
	return result, nil
}

// Compare aggregates one metric for two entities of a key column and reports
// the percent difference.
func (e *Executor) Compare(ctx context.Context, scope Scope, schema *Schema, filters map[string]any, keyCol, metricCol, entityA, entityB, agg string) (*CompareResult, error) {
	if err := schema.Validate(keyCol, metricCol); err != nil {
		return nil, err
	}
	result := &CompareResult{}
	values := make([]any, 2)
	for i, entity := range []string{entityA, entityB} {
		merged := make(map[string]any, len(filters)+1)
		for k, v := range filters {
			merged[k] = v
		}
		merged[keyCol] = entity
		res, err := e.Aggregate(ctx, scope, schema, merged, nil, "", []Metric{{Op: agg, Field: metricCol, Alias: "value"}})
		if err != nil {
			return nil, err
		}
		if res.MatchedRows == 0 {
			return nil, validationErrorf("no rows found for %s = %q", keyCol, entity)
		}
		values[i] = res.Groups[0].Values["value"]
		result.Traces = append(result.Traces, res.Traces...)
	}
	result.A, result.B = values[0], values[1]
	result.PctDiff = pctDiff(values[0], values[1])
	return result, nil
}

// Rank groups by a key column, reduces the metric per group, and returns the
// top (or bottom) n entities. Ties break by key ascending.
func (e *Executor) Rank(ctx context.Context, scope Scope, schema *Schema, filters map[string]any, derived []Derived, keyCol, metricCol, agg string, n int, descending bool) (*RankResult, error) {
	if n <= 0 {
		return nil, errors.New("n must be positive")
	}
	aggResult, err := e.Aggregate(ctx, scope, schema, filters, derived, keyCol, []Metric{{Op: agg, Field: metricCol, Alias: "value"}})
	if err != nil {
		return nil, err
	}
	entities := make([]RankedEntity, 0, len(aggResult.Groups))
	for _, g := range aggResult.Groups {
		if g.Key == nil && g.Rows == 0 {
			continue
		}
		entities = append(entities, RankedEntity{Entity: g.Key, Value: g.Values["value"]})
	}
	sort.SliceStable(entities, func(i, j int) bool {
		cmp := compareValues(entities[i].Value, entities[j].Value)
		if cmp == 0 {
			return fmt.Sprint(entities[i].Entity) < fmt.Sprint(entities[j].Entity)
		}
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
	if len(entities) > n {
		entities = entities[:n]
	}
	return &RankResult{Entities: entities, Traces: aggResult.Traces}, nil
}

// Summarize computes descriptive statistics for numeric columns in one pass.
// Every column's raw values are staged and reduced with the decimal kernel;
// null_count reports rows whose value was absent or non-numeric.
func (e *Executor) Summarize(ctx context.Context, scope Scope, schema *Schema, filters map[string]any, columns []string) (*SummaryResult, error) {
	if len(columns) == 0 {
		return nil, errors.New("at least one column is required")
	}
	metrics := make([]Metric, len(columns))
	for i, col := range columns {
		// Median staging pushes raw values and requires a numeric column,
		// which is exactly the contract of a statistical summary.
		metrics[i] = Metric{Op: OpMedian, Field: col}
		if err := validateMetric(metrics[i], schema); err != nil {
			return nil, err
		}
	}
	filter, err := BuildFilter(filters, schema)
	if err != nil {
		return nil, err
	}
	stages := GroupStages(scope, filter, nil, "", metrics)
	docs, err := e.store.Aggregate(ctx, dataset.RowsCollection, stages)
	if err != nil {
		return nil, err
	}
	result := &SummaryResult{
		Columns: make(map[string]ColumnStats, len(columns)),
		Traces:  []Trace{{Collection: dataset.RowsCollection, Pipeline: stages}},
	}
	if len(docs) == 0 {
		for _, col := range columns {
			result.Columns[col] = ColumnStats{}
		}
		return result, nil
	}
	doc := docs[0]
	rows := asInt64(doc["n"])
	result.MatchedRows = rows
	for i, col := range columns {
		values := asSlice(doc[metricKey(i)])
		result.Columns[col] = ColumnStats{
			Min:       numeric.NP(numeric.Min(values)),
			Max:       numeric.NP(numeric.Max(values)),
			Mean:      numeric.NP(numeric.Mean(values)),
			Median:    numeric.NP(numeric.Median(values)),
			Stddev:    numeric.NP(numeric.Stddev(values)),
			Count:     rows,
			NullCount: rows - int64(numeric.NumericCount(values)),
		}
	}
	return result, nil
}

// DateRange reports the min/max of a temporal column plus the row count.
func (e *Executor) DateRange(ctx context.Context, scope Scope, schema *Schema, timeCol string) (*RangeResult, error) {
	if err := schema.Validate(timeCol); err != nil {
		return nil, err
	}
	if !schema.Temporal(timeCol) {
		return nil, &NotTemporalError{Column: timeCol}
	}
	stages := RangeStages(scope, timeCol)
	docs, err := e.store.Aggregate(ctx, dataset.RowsCollection, stages)
	if err != nil {
		return nil, err
	}
	result := &RangeResult{Traces: []Trace{{Collection: dataset.RowsCollection, Pipeline: stages}}}
	if len(docs) == 0 {
		return result, nil
	}
	if t, ok := asTime(docs[0]["min_date"]); ok {
		result.MinDate = t
	}
	if t, ok := asTime(docs[0]["max_date"]); ok {
		result.MaxDate = t
	}
	result.RowCount = asInt64(docs[0]["n"])
	return result, nil
}

func validateMetric(m Metric, schema *Schema) error {
	switch m.Op {
	case OpCount:
		return nil
	case OpCountDistinct, OpMin, OpMax:
		return schema.Validate(m.Field)
	case OpSum, OpAvg, OpMedian, OpStddev:
		if err := schema.Validate(m.Field); err != nil {
			return err
		}
		if !schema.Numeric(m.Field) {
			return validationErrorf("operation %q requires a numeric column, %q is not", m.Op, m.Field)
		}
		return nil
	default:
		return validationErrorf("unknown operation %q (valid: %v)", m.Op, ValidOps)
	}
}

// ResultName is the key under which the metric's value is reported.
func (m Metric) ResultName() string {
	if m.Alias != "" {
		return m.Alias
	}
	if m.Field != "" {
		return m.Op + "_" + m.Field
	}
	return m.Op
}

func reduceMetric(m Metric, doc bson.M, key string, totalRows int64) (any, error) {
	switch m.Op {
	case OpCount:
		return asInt64(doc["n"]), nil
	case OpCountDistinct:
		return int64(len(asSlice(doc[key]))), nil
	}
	values := asSlice(doc[key])
	if m.Op == OpMedian && totalRows > medianExactLimit {
		return nil, ErrMedianTooLarge
	}
	switch m.Op {
	case OpSum:
		return numeric.N(numeric.Sum(values)), nil
	case OpAvg:
		return numeric.NP(numeric.Mean(values)), nil
	case OpMedian:
		return numeric.NP(numeric.Median(values)), nil
	case OpMin:
		return numeric.NP(numeric.Min(values)), nil
	case OpMax:
		return numeric.NP(numeric.Max(values)), nil
	case OpStddev:
		return numeric.NP(numeric.Stddev(values)), nil
	default:
		return nil, validationErrorf("unknown operation %q", m.Op)
	}
}

func emptyValue(op string) any {
	switch op {
	case OpSum:
		return numeric.N(decimal.Zero)
	case OpCount, OpCountDistinct:
		return int64(0)
	default:
		return nil
	}
}

func mergeWindow(filters map[string]any, timeCol string, start, end *time.Time, schema *Schema) map[string]any {
	if start == nil && end == nil {
		return filters
	}
	merged := make(map[string]any, len(filters)+1)
	for k, v := range filters {
		merged[k] = v
	}
	window := map[string]any{}
	if start != nil {
		window["$gte"] = formatBound(*start, schema.NativeDate(timeCol), false)
	}
	if end != nil {
		window["$lte"] = formatBound(*end, schema.NativeDate(timeCol), true)
	}
	merged[timeCol] = window
	return merged
}

// formatBound renders a window bound for comparison against stored dates.
// Native datetime columns compare against time.Time directly. String columns
// compare lexicographically, so a date-only lower bound stays short ("2024-03-01"
// sorts before any datetime of that day) while a date-only upper bound extends
// to end of day so it covers both date-only and datetime values.
func formatBound(t time.Time, native, upper bool) any {
	if native {
		return t
	}
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		if upper {
			return t.Format("2006-01-02") + "T23:59:59"
		}
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02T15:04:05")
}

func trend(series []Bucket) (*numeric.Number, *float64) {
	if len(series) < 2 {
		return nil, nil
	}
	first, okF := valueDecimal(series[0].Value)
	last, okL := valueDecimal(series[len(series)-1].Value)
	var pct *numeric.Number
	if okF && okL && !first.IsZero() {
		p := last.Sub(first).Div(first.Abs()).Mul(decimal.NewFromInt(100))
		pct = numeric.NP(&p)
	}
	// Least-squares slope over bucket index; informational only, so float64
	// precision is acceptable here.
	var sumX, sumY, sumXY, sumXX float64
	n := 0
	for i, b := range series {
		d, ok := valueDecimal(b.Value)
		if !ok {
			continue
		}
		y, _ := d.Float64()
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		n++
	}
	if n < 2 {
		return pct, nil
	}
	denom := float64(n)*sumXX - sumX*sumX
	if denom == 0 {
		return pct, nil
	}
	slope := (float64(n)*sumXY - sumX*sumY) / denom
	return pct, &slope
}

func pctDiff(a, b any) *numeric.Number {
	da, okA := valueDecimal(a)
	db, okB := valueDecimal(b)
	if !okA || !okB || db.IsZero() {
		return nil
	}
	p := da.Sub(db).Div(db.Abs()).Mul(decimal.NewFromInt(100))
	return numeric.NP(&p)
}

func valueDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case numeric.Number:
		return x.Decimal, true
	case *numeric.Number:
		if x == nil {
			return decimal.Zero, false
		}
		return x.Decimal, true
	default:
		return numeric.ToDecimal(v)
	}
}

func compareValues(a, b any) int {
	da, okA := valueDecimal(a)
	db, okB := valueDecimal(b)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	return da.Cmp(db)
}

func asRow(doc bson.M) map[string]any {
	out := map[string]any{}
	if id, ok := doc["row_id"]; ok {
		out["row_id"] = id
	}
	switch row := doc["row"].(type) {
	case bson.M:
		for k, v := range row {
			out[k] = v
		}
	case map[string]any:
		for k, v := range row {
			out[k] = v
		}
	}
	return out
}

func asSlice(v any) []any {
	switch x := v.(type) {
	case bson.A:
		return []any(x)
	case []any:
		return x
	default:
		return nil
	}
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case primitive.DateTime:
		return x.Time().UTC(), true
	default:
		return time.Time{}, false
	}
}
