package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDateRange(t *testing.T) {
	maxDate := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		input      string
		start, end time.Time
		ok         bool
	}{
		{
			name:  "explicit to range",
			input: "2024-01-01 to 2024-03-31",
			start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "between phrasing",
			input: "between 2024-02-01 and 2024-02-29 please",
			start: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "since resolves end to dataset max",
			input: "since 2024-06-01",
			start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			end:   maxDate,
			ok:    true,
		},
		{
			name:  "last N days from dataset max",
			input: "last 30 days",
			start: maxDate.AddDate(0, 0, -30),
			end:   maxDate,
			ok:    true,
		},
		{
			name:  "last N weeks",
			input: "the last 2 weeks",
			start: maxDate.AddDate(0, 0, -14),
			end:   maxDate,
			ok:    true,
		},
		{
			name:  "last N months",
			input: "Last 3 Months",
			start: maxDate.AddDate(0, -3, 0),
			end:   maxDate,
			ok:    true,
		},
		{
			name:  "bare pair without connector",
			input: "2024-01-15 2024-01-31",
			start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{name: "no range at all", input: "just show me everything", ok: false},
		{name: "single date is ambiguous", input: "2024-01-15", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, ok := ParseDateRange(tc.input, maxDate)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.start, start)
				require.Equal(t, tc.end, end)
			}
		})
	}
}
