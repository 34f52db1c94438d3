package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tablepilot/tablepilot/dataset"
)

// Relative and absolute date-range phrasings accepted from the user when the
// agent asks for a time window. Relative phrases resolve against the
// dataset's max date, not wall-clock time, so answers are reproducible.
var (
	lastNRe   = regexp.MustCompile(`(?i)\blast\s+(\d+)\s+(day|week|month)s?\b`)
	rangeRe   = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\s+to\s+(\d{4}-\d{2}-\d{2})`)
	sinceRe   = regexp.MustCompile(`(?i)\bsince\s+(\d{4}-\d{2}-\d{2})`)
	betweenRe = regexp.MustCompile(`(?i)\bbetween\s+(\d{4}-\d{2}-\d{2})\s+and\s+(\d{4}-\d{2}-\d{2})`)
)

// ParseDateRange extracts a [start, end] window from free-form user input.
// ok is false when the input holds no recognizable range.
func ParseDateRange(input string, maxDate time.Time) (start, end time.Time, ok bool) {
	input = strings.TrimSpace(input)
	if m := rangeRe.FindStringSubmatch(input); m != nil {
		return mustDate(m[1]), mustDate(m[2]), true
	}
	if m := betweenRe.FindStringSubmatch(input); m != nil {
		return mustDate(m[1]), mustDate(m[2]), true
	}
	if m := sinceRe.FindStringSubmatch(input); m != nil {
		return mustDate(m[1]), maxDate, true
	}
	if m := lastNRe.FindStringSubmatch(input); m != nil {
		n, _ := strconv.Atoi(m[1])
		end = maxDate
		switch strings.ToLower(m[2]) {
		case "day":
			start = end.AddDate(0, 0, -n)
		case "week":
			start = end.AddDate(0, 0, -7*n)
		case "month":
			start = end.AddDate(0, -n, 0)
		}
		return start, end, true
	}
	// A bare ISO pair without a connector still reads as a range.
	dates := regexp.MustCompile(`\d{4}-\d{2}-\d{2}`).FindAllString(input, 3)
	if len(dates) == 2 {
		return mustDate(dates[0]), mustDate(dates[1]), true
	}
	return time.Time{}, time.Time{}, false
}

func mustDate(s string) time.Time {
	t, _ := dataset.ParseISODate(s)
	return t
}
