// Package numeric is the decimal arithmetic kernel. Every user-facing value
// is computed in arbitrary-precision decimal rather than binary float so that
// aggregates reconcile exactly with spreadsheet totals, and is JSON-encoded
// without precision loss.
package numeric

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ToDecimal converts a raw store scalar into a decimal. The second return is
// false for non-numeric values (null, bool, string, date), which aggregate
// functions skip rather than zero-fill.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt32(x), true
	case int64:
		return decimal.NewFromInt(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	case decimal.Decimal:
		return x, true
	case primitive.Decimal128:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// decimals filters a raw value sequence down to its numeric members.
func decimals(values []any) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		if d, ok := ToDecimal(v); ok {
			out = append(out, d)
		}
	}
	return out
}

// Sum returns the exact decimal sum of the numeric values in the sequence.
// An empty or all-non-numeric sequence sums to zero.
func Sum(values []any) decimal.Decimal {
	total := decimal.Zero
	for _, d := range decimals(values) {
		total = total.Add(d)
	}
	return total
}

// Count returns the raw length of the sequence, including non-numeric entries.
func Count(values []any) int {
	return len(values)
}

// Mean returns the decimal mean of the numeric values, or nil when the
// sequence holds no numeric value.
func Mean(values []any) *decimal.Decimal {
	ds := decimals(values)
	if len(ds) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	m := total.Div(decimal.NewFromInt(int64(len(ds))))
	return &m
}

// Median returns the middle numeric value (mean of the two middles for even
// counts), or nil when the sequence holds no numeric value.
func Median(values []any) *decimal.Decimal {
	ds := decimals(values)
	if len(ds) == 0 {
		return nil
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].LessThan(ds[j]) })
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return &ds[mid]
	}
	m := ds[mid-1].Add(ds[mid]).Div(decimal.NewFromInt(2))
	return &m
}

// Min returns the smallest numeric value, or nil when none exists.
func Min(values []any) *decimal.Decimal {
	ds := decimals(values)
	if len(ds) == 0 {
		return nil
	}
	min := ds[0]
	for _, d := range ds[1:] {
		if d.LessThan(min) {
			min = d
		}
	}
	return &min
}

// Max returns the largest numeric value, or nil when none exists.
func Max(values []any) *decimal.Decimal {
	ds := decimals(values)
	if len(ds) == 0 {
		return nil
	}
	max := ds[0]
	for _, d := range ds[1:] {
		if d.GreaterThan(max) {
			max = d
		}
	}
	return &max
}

// Stddev returns the sample standard deviation of the numeric values. Fewer
// than two numeric values yield nil, never zero. The variance is accumulated
// in decimal; the final square root goes through float64, which is acceptable
// because standard deviations are irrational in general.
func Stddev(values []any) *decimal.Decimal {
	ds := decimals(values)
	if len(ds) < 2 {
		return nil
	}
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	mean := total.Div(decimal.NewFromInt(int64(len(ds))))
	sumSq := decimal.Zero
	for _, d := range ds {
		diff := d.Sub(mean)
		sumSq = sumSq.Add(diff.Mul(diff))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(len(ds) - 1)))
	f, _ := variance.Float64()
	if f < 0 {
		f = 0
	}
	sd := decimal.NewFromFloat(math.Sqrt(f))
	return &sd
}

// NumericCount returns the number of numeric values in the sequence. Used by
// statistical summaries to report null/non-numeric counts alongside Count.
func NumericCount(values []any) int {
	return len(decimals(values))
}
