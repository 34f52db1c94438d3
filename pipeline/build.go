package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tablepilot/tablepilot/dataset"
)

type (
	// Scope pins a pipeline to one tenant's table. Every pipeline this
	// package emits opens with Prelude(scope); tenant isolation is a
	// correctness invariant, not a convenience.
	Scope struct {
		UserID string
		FileID string
		Table  string
	}

	// Schema captures what the builder knows about a table's columns:
	// inferred types plus whether temporal values are stored as native
	// datetimes (affecting filter coercion).
	Schema struct {
		cols map[string]colInfo
	}

	colInfo struct {
		typ        string
		nativeDate bool
	}

	// Derived describes a column synthesized from a composite column by a
	// single-capture-group regex, injected as an upstream projection stage.
	Derived struct {
		Name    string
		Source  string
		Pattern string
	}

	// Metric is one requested reduction.
	Metric struct {
		Op      string `json:"op"`
		Field   string `json:"field"`
		Alias   string `json:"alias,omitempty"`
		GroupBy string `json:"group_by,omitempty"`
	}
)

// Supported reduction operators.
const (
	OpSum           = "sum"
	OpAvg           = "avg"
	OpCount         = "count"
	OpCountDistinct = "count_distinct"
	OpMin           = "min"
	OpMax           = "max"
	OpMedian        = "median"
	OpStddev        = "stddev"
)

// Time-series bucket frequencies.
var Frequencies = map[string]string{
	"day":     "day",
	"week":    "week",
	"month":   "month",
	"quarter": "quarter",
	"year":    "year",
}

// ValidOps enumerates the reduction operators for error messages.
var ValidOps = []string{OpSum, OpAvg, OpCount, OpCountDistinct, OpMin, OpMax, OpMedian, OpStddev}

// NewSchema builds a Schema from the catalog's inferred columns and the
// sample row used for inference.
func NewSchema(ts *dataset.TableSchema) *Schema {
	cols := make(map[string]colInfo, len(ts.Columns))
	for _, c := range ts.Columns {
		info := colInfo{typ: c.Type}
		switch ts.SampleRow[c.Name].(type) {
		case time.Time, primitive.DateTime:
			info.nativeDate = true
		}
		cols[c.Name] = info
	}
	return &Schema{cols: cols}
}

// WithDerived returns a copy of the schema extended with a derived string
// column, so downstream validation accepts references to it.
func (s *Schema) WithDerived(name string) *Schema {
	cols := make(map[string]colInfo, len(s.cols)+1)
	for k, v := range s.cols {
		cols[k] = v
	}
	cols[name] = colInfo{typ: dataset.TypeString}
	return &Schema{cols: cols}
}

// Has reports whether the column exists.
func (s *Schema) Has(col string) bool {
	_, ok := s.cols[col]
	return ok
}

// Temporal reports whether the column holds dates.
func (s *Schema) Temporal(col string) bool {
	return s.cols[col].typ == dataset.TypeDate
}

// NativeDate reports whether the column stores native datetimes (as opposed
// to ISO strings). Filter scalars are only coerced for native columns;
// ISO strings compare chronologically as-is.
func (s *Schema) NativeDate(col string) bool {
	return s.cols[col].nativeDate
}

// Numeric reports whether the column holds numbers.
func (s *Schema) Numeric(col string) bool {
	return s.cols[col].typ == dataset.TypeNumber
}

// Columns lists the known column names in stable order.
func (s *Schema) Columns() []string {
	out := make([]string, 0, len(s.cols))
	for name := range s.cols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate returns an UnknownColumnError unless every named column exists.
func (s *Schema) Validate(cols ...string) error {
	for _, col := range cols {
		if col != "" && !s.Has(col) {
			return &UnknownColumnError{Column: col, Available: s.Columns()}
		}
	}
	return nil
}

// rowField addresses a column inside the nested row document.
func rowField(col string) string {
	return "row." + col
}

// Prelude is the invariant first stage of every pipeline: a $match pinning
// user, file and table.
func Prelude(scope Scope) bson.D {
	return bson.D{{Key: "$match", Value: bson.M{
		"user_id":    scope.UserID,
		"file_id":    scope.FileID,
		"table_name": scope.Table,
	}}}
}

// TenantFilter is the prelude in filter (non-pipeline) form, used for counts.
func TenantFilter(scope Scope) bson.M {
	return bson.M{
		"user_id":    scope.UserID,
		"file_id":    scope.FileID,
		"table_name": scope.Table,
	}
}

// DeriveStage validates the extraction pattern and returns the projection
// stage that synthesizes the derived column from its composite source. The
// pattern must compile and contain exactly one capture group.
func DeriveStage(d Derived, schema *Schema) (bson.D, error) {
	if !schema.Has(d.Source) {
		return nil, &UnknownColumnError{Column: d.Source, Available: schema.Columns()}
	}
	re, err := regexp.Compile(d.Pattern)
	if err != nil {
		return nil, &DerivedColumnError{Source: d.Source, Pattern: d.Pattern, Detail: err.Error()}
	}
	if re.NumSubexp() != 1 {
		return nil, &DerivedColumnError{
			Source:  d.Source,
			Pattern: d.Pattern,
			Detail:  fmt.Sprintf("pattern must have exactly one capture group, has %d", re.NumSubexp()),
		}
	}
	// $regexFind exposes capture group 1 as captures[0].
	extract := bson.M{
		"$arrayElemAt": bson.A{
			bson.M{"$getField": bson.M{
				"field": "captures",
				"input": bson.M{"$regexFind": bson.M{
					"input": "$" + rowField(d.Source),
					"regex": d.Pattern,
				}},
			}},
			0,
		},
	}
	return bson.D{{Key: "$addFields", Value: bson.M{rowField(d.Name): extract}}}, nil
}

// LoadStages builds the row-loading pipeline: prelude, filters, stable
// row_id order, limit, and an optional field projection.
func LoadStages(scope Scope, filter bson.M, fields []string, limit int64) []bson.D {
	stages := []bson.D{Prelude(scope)}
	if len(filter) > 0 {
		stages = append(stages, bson.D{{Key: "$match", Value: filter}})
	}
	stages = append(stages, bson.D{{Key: "$sort", Value: bson.D{{Key: "row_id", Value: 1}}}})
	if limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: limit}})
	}
	if len(fields) > 0 {
		proj := bson.M{"_id": 0, "row_id": 1}
		for _, f := range fields {
			proj[rowField(f)] = 1
		}
		stages = append(stages, bson.D{{Key: "$project", Value: proj}})
	} else {
		stages = append(stages, bson.D{{Key: "$project", Value: bson.M{"_id": 0, "row_id": 1, "row": 1}}})
	}
	return stages
}

// GroupStages builds the aggregation pipeline for a set of metrics sharing
// one optional group-by key. Metric values are staged with $push and reduced
// application-side in exact decimal; counts are computed server-side. Output
// is ordered by group key ascending for stability.
func GroupStages(scope Scope, filter bson.M, derive []bson.D, groupBy string, metrics []Metric) []bson.D {
	stages := []bson.D{Prelude(scope)}
	stages = append(stages, derive...)
	if len(filter) > 0 {
		stages = append(stages, bson.D{{Key: "$match", Value: filter}})
	}
	groupID := any(nil)
	if groupBy != "" {
		groupID = "$" + rowField(groupBy)
	}
	group := bson.D{{Key: "_id", Value: groupID}, {Key: "n", Value: bson.M{"$sum": 1}}}
	for i, m := range metrics {
		key := metricKey(i)
		switch m.Op {
		case OpCount:
			// Raw group size; already captured as n.
		case OpCountDistinct:
			group = append(group, bson.E{Key: key, Value: bson.M{"$addToSet": "$" + rowField(m.Field)}})
		default:
			group = append(group, bson.E{Key: key, Value: bson.M{"$push": "$" + rowField(m.Field)}})
		}
	}
	stages = append(stages, bson.D{{Key: "$group", Value: group}})
	stages = append(stages, bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}})
	return stages
}

// metricKey names the staged value array for the i-th metric.
func metricKey(i int) string {
	return fmt.Sprintf("m%d", i)
}

// TimeSeriesStages builds the bucketing pipeline: the time column is
// truncated to the bucket boundary (Monday-start weeks, first-of-month, and
// so on) and groups carry the staged metric values, ordered by bucket.
func TimeSeriesStages(scope Scope, filter bson.M, timeCol, metricCol, freq string) []bson.D {
	stages := []bson.D{Prelude(scope)}
	if len(filter) > 0 {
		stages = append(stages, bson.D{{Key: "$match", Value: filter}})
	}
	// $toDate passes native datetimes through and parses ISO-8601 strings, so
	// the same pipeline serves both storage forms.
	trunc := bson.M{"$dateTrunc": bson.M{
		"date":        bson.M{"$toDate": "$" + rowField(timeCol)},
		"unit":        freq,
		"startOfWeek": "monday",
	}}
	stages = append(stages,
		bson.D{{Key: "$match", Value: bson.M{rowField(timeCol): bson.M{"$ne": nil}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: trunc},
			{Key: "n", Value: bson.M{"$sum": 1}},
			{Key: "m0", Value: bson.M{"$push": "$" + rowField(metricCol)}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	)
	return stages
}

// RangeStages builds the min/max pipeline for a temporal column.
func RangeStages(scope Scope, timeCol string) []bson.D {
	return []bson.D{
		Prelude(scope),
		{{Key: "$match", Value: bson.M{rowField(timeCol): bson.M{"$ne": nil}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "min_date", Value: bson.M{"$min": bson.M{"$toDate": "$" + rowField(timeCol)}}},
			{Key: "max_date", Value: bson.M{"$max": bson.M{"$toDate": "$" + rowField(timeCol)}}},
			{Key: "n", Value: bson.M{"$sum": 1}},
		}}},
	}
}
