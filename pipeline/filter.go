package pipeline

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tablepilot/tablepilot/dataset"
)

// comparison operators accepted at filter leaves.
var comparisonOps = map[string]string{
	"$eq":  "$eq",
	"$ne":  "$ne",
	"$gt":  "$gt",
	"$gte": "$gte",
	"$lt":  "$lt",
	"$lte": "$lte",
}

// BuildFilter translates the JSON filter grammar into a match document over
// the nested row fields. Column names are validated against the schema and
// ISO-8601 date scalars are coerced to native datetimes when the target
// column is temporal.
//
// Grammar, per column:
//
//	{"col": v}                                  equality
//	{"col": {"$eq"|"$ne"|"$gt"|...: v}}         comparison
//	{"col": {"$in": [...]}} / {"$nin": [...]}   membership
//	{"col": {"$between": [lo, hi]}}             inclusive range
//	{"col": {"$regex": "...", "$options": "i"}} pattern match
func BuildFilter(filters map[string]any, schema *Schema) (bson.M, error) {
	if len(filters) == 0 {
		return bson.M{}, nil
	}
	out := bson.M{}
	for col, cond := range filters {
		if !schema.Has(col) {
			return nil, &UnknownColumnError{Column: col, Available: schema.Columns()}
		}
		field := rowField(col)
		// Coerce date scalars only when the stored values are native
		// datetimes; ISO-8601 strings already compare chronologically.
		temporal := schema.NativeDate(col)
		switch v := cond.(type) {
		case map[string]any:
			clause, err := buildOperatorClause(col, v, temporal)
			if err != nil {
				return nil, err
			}
			out[field] = clause
		default:
			out[field] = coerceScalar(v, temporal)
		}
	}
	return out, nil
}

func buildOperatorClause(col string, ops map[string]any, temporal bool) (bson.M, error) {
	clause := bson.M{}
	var regexOptions string
	for op, v := range ops {
		switch {
		case comparisonOps[op] != "":
			clause[op] = coerceScalar(v, temporal)
		case op == "$in" || op == "$nin":
			list, ok := v.([]any)
			if !ok {
				return nil, &FilterGrammarError{Detail: fmt.Sprintf("%s on %q requires an array", op, col)}
			}
			coerced := make([]any, len(list))
			for i, item := range list {
				coerced[i] = coerceScalar(item, temporal)
			}
			clause[op] = coerced
		case op == "$between":
			bounds, ok := v.([]any)
			if !ok || len(bounds) != 2 {
				return nil, &FilterGrammarError{Detail: fmt.Sprintf("$between on %q requires [lo, hi]", col)}
			}
			clause["$gte"] = coerceScalar(bounds[0], temporal)
			clause["$lte"] = coerceScalar(bounds[1], temporal)
		case op == "$regex":
			s, ok := v.(string)
			if !ok {
				return nil, &FilterGrammarError{Detail: fmt.Sprintf("$regex on %q requires a string", col)}
			}
			clause["$regex"] = s
		case op == "$options":
			s, ok := v.(string)
			if !ok {
				return nil, &FilterGrammarError{Detail: fmt.Sprintf("$options on %q requires a string", col)}
			}
			regexOptions = s
		default:
			return nil, &FilterGrammarError{Detail: fmt.Sprintf("unknown operator %q on %q", op, col)}
		}
	}
	if regexOptions != "" {
		if _, ok := clause["$regex"]; !ok {
			return nil, &FilterGrammarError{Detail: fmt.Sprintf("$options on %q requires $regex", col)}
		}
		clause["$options"] = regexOptions
	}
	return clause, nil
}

// coerceScalar converts ISO-8601 strings to native datetimes for temporal
// columns so range comparisons work against stored dates.
func coerceScalar(v any, temporal bool) any {
	if !temporal {
		return v
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	if t, err := dataset.ParseISODate(s); err == nil {
		return t
	}
	return v
}
