package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablepilot/tablepilot/model"
)

// scriptedModel returns canned replies and counts calls.
type scriptedModel struct {
	replies []string
	err     error
	calls   int
}

func (s *scriptedModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return &model.Response{Text: reply, FinishReason: model.FinishStop}, nil
}

func (s *scriptedModel) Name() string { return "scripted" }

var testColumns = []string{"Date", "Line_Machine", "Actual_Qty", "Target_Qty", "Shift"}

func testRequest() *Request {
	return &Request{
		Purpose: "calculate efficiency (actual vs target)",
		Roles:   []string{"actual", "target"},
		Columns: testColumns,
		SampleRow: map[string]any{
			"Date": "2024-03-01", "Actual_Qty": 120, "Target_Qty": 150,
		},
	}
}

func TestResolveUsesModelMapping(t *testing.T) {
	m := &scriptedModel{replies: []string{`{"actual": "Actual_Qty", "target": "Target_Qty"}`}}
	r := New(Options{Client: m})

	got, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, SourceLLM, got.Source)
	require.Equal(t, "Actual_Qty", got.Columns["actual"])
	require.Equal(t, "Target_Qty", got.Columns["target"])
}

func TestResolveStripsCodeFence(t *testing.T) {
	m := &scriptedModel{replies: []string{"```json\n{\"actual\": \"Actual_Qty\", \"target\": null}\n```"}}
	r := New(Options{Client: m})

	got, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, SourceLLM, got.Source)
	require.Equal(t, "Actual_Qty", got.Columns["actual"])
	_, ok := got.Columns["target"]
	require.False(t, ok, "null role stays unresolved")
}

func TestResolveFallsBackOnModelError(t *testing.T) {
	m := &scriptedModel{err: model.ErrUnavailable}
	r := New(Options{Client: m})

	got, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, SourceFallback, got.Source)
	require.Equal(t, "Actual_Qty", got.Columns["actual"])
	require.Equal(t, "Target_Qty", got.Columns["target"])
}

func TestResolveFallsBackOnUnknownColumn(t *testing.T) {
	m := &scriptedModel{replies: []string{`{"actual": "Produced_Units"}`}}
	r := New(Options{Client: m})

	got, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, SourceFallback, got.Source)
}

func TestResolveAcceptsValidExtraction(t *testing.T) {
	m := &scriptedModel{replies: []string{
		`{"line": "Line_Machine", "source_column": "Line_Machine", "extraction_pattern": "^(Line-\\d+)"}`,
	}}
	r := New(Options{Client: m})

	req := testRequest()
	req.Purpose = "extract the line from the composite Line_Machine column"
	req.Roles = []string{"line"}
	got, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, got.Extraction)
	require.Equal(t, "Line_Machine", got.Extraction.SourceColumn)
	require.Equal(t, `^(Line-\d+)`, got.Extraction.Pattern)
}

func TestResolveDropsInvalidExtraction(t *testing.T) {
	// Two capture groups: the extraction is dropped but the mapping survives.
	m := &scriptedModel{replies: []string{
		`{"line": "Line_Machine", "source_column": "Line_Machine", "extraction_pattern": "^(Line)-(\\d+)"}`,
	}}
	r := New(Options{Client: m})

	req := testRequest()
	req.Roles = []string{"line"}
	got, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, got.Extraction)
	require.Equal(t, "Line_Machine", got.Columns["line"])
}

func TestResolveCachesWithinTTL(t *testing.T) {
	m := &scriptedModel{replies: []string{`{"actual": "Actual_Qty", "target": "Target_Qty"}`}}
	r := New(Options{Client: m})

	first, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, first.Columns, second.Columns)
	require.Equal(t, 1, m.calls, "second call served from cache")
}

func TestResolveWithoutClientUsesFallback(t *testing.T) {
	r := New(Options{})
	req := testRequest()
	req.Roles = []string{"actual quantity", "timestamp", "nonsense"}
	got, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, SourceFallback, got.Source)
	require.Equal(t, "Actual_Qty", got.Columns["actual quantity"])
	require.Equal(t, "Date", got.Columns["timestamp"])
	_, ok := got.Columns["nonsense"]
	require.False(t, ok)
}

func TestUserDefinitionsWinOverModel(t *testing.T) {
	m := &scriptedModel{replies: []string{`{"target": "Actual_Qty"}`}}
	r := New(Options{Client: m})

	req := testRequest()
	req.Roles = []string{"target"}
	req.Definitions = map[string]string{
		"Target_Qty": "the planned output for the shift",
	}
	got, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "Target_Qty", got.Columns["target"])
	require.Equal(t, SourceDefinition, got.Source)
}

func TestResolveValidatesRequest(t *testing.T) {
	r := New(Options{})
	_, err := r.Resolve(context.Background(), &Request{Roles: []string{"x"}})
	require.Error(t, err)
	_, err = r.Resolve(context.Background(), &Request{Columns: testColumns})
	require.Error(t, err)
}
