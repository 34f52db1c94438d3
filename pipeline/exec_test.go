package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tablepilot/tablepilot/numeric"
)

// fakeStore returns canned aggregation documents and records every pipeline
// it executes.
type fakeStore struct {
	docs      [][]bson.M
	count     int64
	pipelines [][]bson.D
}

func (f *fakeStore) Aggregate(_ context.Context, _ string, pipeline []bson.D) ([]bson.M, error) {
	f.pipelines = append(f.pipelines, pipeline)
	if len(f.docs) == 0 {
		return nil, nil
	}
	docs := f.docs[0]
	f.docs = f.docs[1:]
	return docs, nil
}

func (f *fakeStore) Count(context.Context, string, bson.M) (int64, error) {
	return f.count, nil
}

func (f *fakeStore) FindOne(context.Context, string, bson.M, bson.M) (bson.M, error) {
	return nil, nil
}

func (f *fakeStore) UpdateOne(context.Context, string, bson.M, bson.M, bool) error {
	return nil
}

func (f *fakeStore) DeleteMany(context.Context, string, bson.M) (int64, error) {
	return 0, nil
}

func TestAggregateReducesInExactDecimal(t *testing.T) {
	staged := make(bson.A, 1000)
	for i := range staged {
		staged[i] = 0.1
	}
	fs := &fakeStore{docs: [][]bson.M{{
		{"_id": nil, "n": int32(1000), "m0": staged},
	}}}
	exec := NewExecutor(fs)

	res, err := exec.Aggregate(context.Background(), testScope, testSchema(), nil, nil, "", []Metric{
		{Op: OpSum, Field: "Actual_Qty", Alias: "total"},
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	total := res.Groups[0].Values["total"].(numeric.Number)
	require.Equal(t, "100", total.String())
	require.Equal(t, int64(1000), res.MatchedRows)
	require.Len(t, res.Traces, 1)
	requirePrelude(t, res.Traces[0].Pipeline)
}

func TestAggregateEmptyDataset(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	res, err := exec.Aggregate(context.Background(), testScope, testSchema(), nil, nil, "", []Metric{
		{Op: OpSum, Field: "Actual_Qty", Alias: "sum"},
		{Op: OpCount, Alias: "count"},
		{Op: OpAvg, Field: "Actual_Qty", Alias: "mean"},
		{Op: OpMedian, Field: "Actual_Qty", Alias: "median"},
		{Op: OpMin, Field: "Actual_Qty", Alias: "min"},
		{Op: OpMax, Field: "Actual_Qty", Alias: "max"},
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	v := res.Groups[0].Values
	require.Equal(t, "0", v["sum"].(numeric.Number).String())
	require.Equal(t, int64(0), v["count"])
	require.Nil(t, v["mean"])
	require.Nil(t, v["median"])
	require.Nil(t, v["min"])
	require.Nil(t, v["max"])
}

func TestAggregateRejectsNonNumericMetric(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	_, err := exec.Aggregate(context.Background(), testScope, testSchema(), nil, nil, "", []Metric{
		{Op: OpSum, Field: "Line"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "numeric")
}

func TestAggregateUnknownOp(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	_, err := exec.Aggregate(context.Background(), testScope, testSchema(), nil, nil, "", []Metric{
		{Op: "variance", Field: "Actual_Qty"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown operation")
}

func TestAggregateValidationErrorsAreTyped(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	_, err := exec.Aggregate(context.Background(), testScope, testSchema(), nil, nil, "", []Metric{
		{Op: OpSum, Field: "Line"},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGroupedMedianCapAppliesPerGroup(t *testing.T) {
	// Two groups whose counts sum past the exactness cap; each group on its
	// own is within it, so grouped medians still compute.
	fs := &fakeStore{docs: [][]bson.M{{
		{"_id": "Line-1", "n": int64(600_000), "m0": bson.A{int64(10), int64(20), int64(30)}},
		{"_id": "Line-2", "n": int64(600_000), "m0": bson.A{int64(40), int64(50), int64(60)}},
	}}}
	exec := NewExecutor(fs)

	res, err := exec.Aggregate(context.Background(), testScope, testSchema(), nil, nil, "Line", []Metric{
		{Op: OpMedian, Field: "Actual_Qty", Alias: "median"},
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	require.Equal(t, "20", res.Groups[0].Values["median"].(*numeric.Number).String())
	require.Equal(t, "50", res.Groups[1].Values["median"].(*numeric.Number).String())

	fs = &fakeStore{docs: [][]bson.M{{
		{"_id": "Line-1", "n": int64(1_000_001), "m0": bson.A{int64(10)}},
	}}}
	_, err = NewExecutor(fs).Aggregate(context.Background(), testScope, testSchema(), nil, nil, "Line", []Metric{
		{Op: OpMedian, Field: "Actual_Qty", Alias: "median"},
	})
	require.ErrorIs(t, err, ErrMedianTooLarge)
}

func TestRankOrdersWithTieBreak(t *testing.T) {
	fs := &fakeStore{docs: [][]bson.M{{
		{"_id": "Assembly-Z", "n": int32(3), "m0": bson.A{int64(111), int64(111), int64(111)}},
		{"_id": "Assembly-A", "n": int32(2), "m0": bson.A{int64(200), int64(10)}},
		{"_id": "Widget-B", "n": int32(1), "m0": bson.A{int64(210)}},
	}}}
	exec := NewExecutor(fs)

	res, err := exec.Rank(context.Background(), testScope, testSchema(), nil, nil, "Line", "Actual_Qty", OpSum, 2, true)
	require.NoError(t, err)
	require.Len(t, res.Entities, 2)
	// 333 beats the two 210s; the tie between Assembly-A and Widget-B breaks
	// by key ascending.
	require.Equal(t, "Assembly-Z", res.Entities[0].Entity)
	require.Equal(t, "333", res.Entities[0].Value.(numeric.Number).String())
	require.Equal(t, "Assembly-A", res.Entities[1].Entity)
}

func TestRankRejectsNonPositiveN(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	_, err := exec.Rank(context.Background(), testScope, testSchema(), nil, nil, "Line", "Actual_Qty", OpSum, 0, true)
	require.Error(t, err)
}

func TestCompareComputesPctDiff(t *testing.T) {
	fs := &fakeStore{docs: [][]bson.M{
		{{"_id": nil, "n": int32(2), "m0": bson.A{int64(150), int64(150)}}},
		{{"_id": nil, "n": int32(2), "m0": bson.A{int64(100), int64(100)}}},
	}}
	exec := NewExecutor(fs)

	res, err := exec.Compare(context.Background(), testScope, testSchema(), nil, "Line", "Actual_Qty", "Line-1", "Line-2", OpSum)
	require.NoError(t, err)
	require.Equal(t, "300", res.A.(numeric.Number).String())
	require.Equal(t, "200", res.B.(numeric.Number).String())
	require.NotNil(t, res.PctDiff)
	require.Equal(t, "50", res.PctDiff.String())
	require.Len(t, res.Traces, 2)
}

func TestCompareMissingEntity(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	_, err := exec.Compare(context.Background(), testScope, testSchema(), nil, "Line", "Actual_Qty", "Line-1", "Line-9", OpSum)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no rows found")
}

func TestTimeSeriesBucketsAndTrend(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	fs := &fakeStore{docs: [][]bson.M{{
		{"_id": day(1), "n": int32(1), "m0": bson.A{int64(100)}},
		{"_id": day(2), "n": int32(1), "m0": bson.A{int64(110)}},
		{"_id": day(3), "n": int32(1), "m0": bson.A{int64(120)}},
	}}}
	exec := NewExecutor(fs)

	res, err := exec.TimeSeries(context.Background(), testScope, testSchema(), nil, "Date", "Actual_Qty", "day", OpSum, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Series, 3)
	require.Equal(t, day(1), res.Series[0].Bucket)
	require.NotNil(t, res.TrendPctChange)
	require.Equal(t, "20", res.TrendPctChange.String())
	require.NotNil(t, res.Slope)
	require.InDelta(t, 10.0, *res.Slope, 0.0001)
}

func TestTimeSeriesRejectsNonTemporalColumn(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	var nte *NotTemporalError
	_, err := exec.TimeSeries(context.Background(), testScope, testSchema(), nil, "Line", "Actual_Qty", "day", OpSum, nil, nil)
	require.ErrorAs(t, err, &nte)
}

func TestTimeSeriesRejectsUnknownFrequency(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	_, err := exec.TimeSeries(context.Background(), testScope, testSchema(), nil, "Date", "Actual_Qty", "fortnight", OpSum, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "frequency")
}

func TestTimeSeriesWindowBeyondDataIsEmptyNotError(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	res, err := exec.TimeSeries(context.Background(), testScope, testSchema(), nil, "Date", "Actual_Qty", "day", OpSum, &start, &end)
	require.NoError(t, err)
	require.Empty(t, res.Series)
}

func TestDateRange(t *testing.T) {
	min := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	max := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	fs := &fakeStore{docs: [][]bson.M{{
		{"_id": nil, "min_date": min, "max_date": max, "n": int32(15000)},
	}}}
	exec := NewExecutor(fs)

	res, err := exec.DateRange(context.Background(), testScope, testSchema(), "Date")
	require.NoError(t, err)
	require.Equal(t, min, res.MinDate)
	require.Equal(t, max, res.MaxDate)
	require.Equal(t, int64(15000), res.RowCount)
}

func TestLoadSamplesAndCountsIndependently(t *testing.T) {
	fs := &fakeStore{
		docs: [][]bson.M{{
			{"row_id": int32(0), "row": bson.M{"Actual_Qty": int64(120)}},
			{"row_id": int32(1), "row": bson.M{"Actual_Qty": int64(130)}},
		}},
		count: 872,
	}
	exec := NewExecutor(fs)

	res, err := exec.Load(context.Background(), testScope, testSchema(), nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Equal(t, int64(872), res.RowCount)
	require.Equal(t, int64(120), res.Rows[0]["Actual_Qty"])
}

func TestSummarizeComputesStatsAndNullCount(t *testing.T) {
	fs := &fakeStore{docs: [][]bson.M{{
		{"_id": nil, "n": int32(5), "m0": bson.A{int64(10), int64(20), int64(30), nil}},
	}}}
	exec := NewExecutor(fs)

	res, err := exec.Summarize(context.Background(), testScope, testSchema(), nil, []string{"Actual_Qty"})
	require.NoError(t, err)
	stats := res.Columns["Actual_Qty"]
	require.Equal(t, "10", stats.Min.String())
	require.Equal(t, "30", stats.Max.String())
	require.Equal(t, "20", stats.Mean.String())
	require.Equal(t, "20", stats.Median.String())
	require.Equal(t, "10", stats.Stddev.String())
	require.Equal(t, int64(5), stats.Count)
	require.Equal(t, int64(2), stats.NullCount)
}

func TestSummarizeRejectsNonNumericColumn(t *testing.T) {
	exec := NewExecutor(&fakeStore{})
	_, err := exec.Summarize(context.Background(), testScope, testSchema(), nil, []string{"Line"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "numeric")
}

func TestAggregateWithDerivedColumnGroups(t *testing.T) {
	fs := &fakeStore{docs: [][]bson.M{{
		{"_id": "Line-1", "n": int32(2), "m0": bson.A{int64(100), int64(100)}},
		{"_id": "Line-2", "n": int32(1), "m0": bson.A{int64(50)}},
		{"_id": "Line-3", "n": int32(1), "m0": bson.A{int64(75)}},
	}}}
	exec := NewExecutor(fs)

	res, err := exec.Aggregate(context.Background(), testScope, testSchema(), nil,
		[]Derived{{Name: "LineOnly", Source: "Line", Pattern: `^(Line-\d+)`}},
		"LineOnly",
		[]Metric{{Op: OpSum, Field: "Actual_Qty", Alias: "total"}})
	require.NoError(t, err)
	require.Len(t, res.Groups, 3)

	// The derive stage must run before the group stage.
	pipeline := fs.pipelines[0]
	var addFieldsIdx, groupIdx int
	for i, s := range pipeline {
		switch s[0].Key {
		case "$addFields":
			addFieldsIdx = i
		case "$group":
			groupIdx = i
		}
	}
	require.Less(t, addFieldsIdx, groupIdx)
}
