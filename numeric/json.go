package numeric

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Number wraps a decimal for lossless JSON encoding. Values that round-trip
// through float64 without precision loss serialize as JSON numbers; all
// others serialize as strings of the canonical decimal form. The agent prompt
// instructs the model to treat either representation as numeric.
type Number struct {
	decimal.Decimal
}

// N wraps a decimal as a Number.
func N(d decimal.Decimal) Number {
	return Number{Decimal: d}
}

// NP wraps an optional decimal; nil stays nil so undefined aggregates encode
// as JSON null rather than NaN.
func NP(d *decimal.Decimal) *Number {
	if d == nil {
		return nil
	}
	n := N(*d)
	return &n
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	s := n.Decimal.String()
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if rt, err := decimal.NewFromString(strconv.FormatFloat(f, 'g', -1, 64)); err == nil && rt.Equal(n.Decimal) {
			return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
		}
	}
	return []byte(strconv.Quote(s)), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting both encodings.
func (n *Number) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = unq
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	n.Decimal = d
	return nil
}
