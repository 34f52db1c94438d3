package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var testScope = Scope{UserID: "u-1", FileID: "f-1", Table: "production"}

func requirePrelude(t *testing.T, stages []bson.D) {
	t.Helper()
	require.NotEmpty(t, stages)
	require.Equal(t, "$match", stages[0][0].Key)
	match := stages[0][0].Value.(bson.M)
	require.Equal(t, "u-1", match["user_id"])
	require.Equal(t, "f-1", match["file_id"])
	require.Equal(t, "production", match["table_name"])
}

func TestEveryPipelineOpensWithTenantPrelude(t *testing.T) {
	requirePrelude(t, LoadStages(testScope, bson.M{}, nil, 10))
	requirePrelude(t, GroupStages(testScope, bson.M{}, nil, "", []Metric{{Op: OpSum, Field: "Actual_Qty"}}))
	requirePrelude(t, TimeSeriesStages(testScope, bson.M{}, "Date", "Actual_Qty", "day"))
	requirePrelude(t, RangeStages(testScope, "Date"))
}

func TestLoadStagesOrderAndLimit(t *testing.T) {
	stages := LoadStages(testScope, bson.M{"row.Line": "Line-1"}, []string{"Actual_Qty"}, 100)
	keys := make([]string, len(stages))
	for i, s := range stages {
		keys[i] = s[0].Key
	}
	require.Equal(t, []string{"$match", "$match", "$sort", "$limit", "$project"}, keys)
	sortDoc := stages[2][0].Value.(bson.D)
	require.Equal(t, "row_id", sortDoc[0].Key)
}

func TestGroupStagesStageValuesForDecimalReduction(t *testing.T) {
	stages := GroupStages(testScope, bson.M{}, nil, "Line", []Metric{
		{Op: OpSum, Field: "Actual_Qty"},
		{Op: OpCountDistinct, Field: "Shift"},
		{Op: OpCount},
	})
	var group bson.D
	for _, s := range stages {
		if s[0].Key == "$group" {
			group = s[0].Value.(bson.D)
		}
	}
	require.NotNil(t, group)
	require.Equal(t, "$row.Line", group[0].Value)
	// Metric 0 stages raw values for application-side decimal reduction.
	require.Equal(t, bson.M{"$push": "$row.Actual_Qty"}, group.Map()["m0"])
	require.Equal(t, bson.M{"$addToSet": "$row.Shift"}, group.Map()["m1"])
	// Output sorted by group key for stable ordering.
	last := stages[len(stages)-1]
	require.Equal(t, "$sort", last[0].Key)
}

func TestTimeSeriesStagesTruncateWithMondayWeeks(t *testing.T) {
	stages := TimeSeriesStages(testScope, bson.M{}, "Date", "Actual_Qty", "week")
	var group bson.D
	for _, s := range stages {
		if s[0].Key == "$group" {
			group = s[0].Value.(bson.D)
		}
	}
	require.NotNil(t, group)
	trunc := group[0].Value.(bson.M)["$dateTrunc"].(bson.M)
	require.Equal(t, "week", trunc["unit"])
	require.Equal(t, "monday", trunc["startOfWeek"])
}

func TestDeriveStageValidatesPattern(t *testing.T) {
	schema := testSchema()

	stage, err := DeriveStage(Derived{Name: "LineOnly", Source: "Line", Pattern: `^(Line-\d+)`}, schema)
	require.NoError(t, err)
	require.Equal(t, "$addFields", stage[0].Key)
	fields := stage[0].Value.(bson.M)
	require.Contains(t, fields, "row.LineOnly")

	var dce *DerivedColumnError
	_, err = DeriveStage(Derived{Name: "X", Source: "Line", Pattern: `^Line-\d+`}, schema)
	require.ErrorAs(t, err, &dce, "no capture group")

	_, err = DeriveStage(Derived{Name: "X", Source: "Line", Pattern: `^(Line)-(\d+)`}, schema)
	require.ErrorAs(t, err, &dce, "two capture groups")

	_, err = DeriveStage(Derived{Name: "X", Source: "Line", Pattern: `([`}, schema)
	require.ErrorAs(t, err, &dce, "malformed pattern")

	var uce *UnknownColumnError
	_, err = DeriveStage(Derived{Name: "X", Source: "Missing", Pattern: `^(x)`}, schema)
	require.ErrorAs(t, err, &uce)
}
