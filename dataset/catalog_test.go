package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tablepilot/tablepilot/store"
)

type fakeStore struct {
	aggregateDocs []bson.M
	aggregateGot  []bson.D
	findOneDocs   map[string]bson.M
	countValue    int64
}

func (f *fakeStore) Aggregate(_ context.Context, _ string, pipeline []bson.D) ([]bson.M, error) {
	f.aggregateGot = pipeline
	return f.aggregateDocs, nil
}

func (f *fakeStore) Count(context.Context, string, bson.M) (int64, error) {
	return f.countValue, nil
}

func (f *fakeStore) FindOne(_ context.Context, collection string, _ bson.M, _ bson.M) (bson.M, error) {
	doc, ok := f.findOneDocs[collection]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) UpdateOne(context.Context, string, bson.M, bson.M, bool) error {
	return nil
}

func (f *fakeStore) DeleteMany(context.Context, string, bson.M) (int64, error) {
	return 0, nil
}

func TestListFilesScopesToUser(t *testing.T) {
	fs := &fakeStore{aggregateDocs: []bson.M{{
		"file_id":           "f-1",
		"user_id":           "u-1",
		"original_filename": "production.xlsx",
		"file_type":         "xlsx",
		"sheet_names":       bson.A{"production", "quality"},
		"row_count":         int64(872),
		"created_at":        time.Now(),
	}}}
	c := NewCatalog(fs)

	files, err := c.ListFiles(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "production.xlsx", files[0].Filename)
	require.Equal(t, []string{"production", "quality"}, files[0].TableNames)

	require.NotEmpty(t, fs.aggregateGot)
	match := fs.aggregateGot[0]
	require.Equal(t, "$match", match[0].Key)
	require.Equal(t, bson.M{"user_id": "u-1"}, match[0].Value)
}

func TestGetFileMissingIsNotFound(t *testing.T) {
	c := NewCatalog(&fakeStore{findOneDocs: map[string]bson.M{}})
	_, err := c.GetFile(context.Background(), "u-1", "f-404")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestSchemaInfersColumnTypes(t *testing.T) {
	fs := &fakeStore{
		findOneDocs: map[string]bson.M{
			FilesCollection: {
				"file_id":     "f-1",
				"user_id":     "u-1",
				"sheet_names": bson.A{"production"},
			},
			RowsCollection: {
				"row": bson.M{
					"Actual_Qty": int64(120),
					"Date":       "2024-03-01",
					"Line":       "Line-1",
					"Approved":   true,
					"Notes":      nil,
				},
			},
		},
		countValue: 872,
	}
	c := NewCatalog(fs)

	schema, err := c.Schema(context.Background(), "u-1", "f-1", "production")
	require.NoError(t, err)
	require.Equal(t, int64(872), schema.RowCount)

	types := map[string]string{}
	for _, col := range schema.Columns {
		types[col.Name] = col.Type
	}
	require.Equal(t, map[string]string{
		"Actual_Qty": TypeNumber,
		"Date":       TypeDate,
		"Line":       TypeString,
		"Approved":   TypeBool,
		"Notes":      TypeNull,
	}, types)
}

func TestSchemaUnknownTable(t *testing.T) {
	fs := &fakeStore{findOneDocs: map[string]bson.M{
		FilesCollection: {"file_id": "f-1", "user_id": "u-1", "sheet_names": bson.A{"production"}},
	}}
	c := NewCatalog(fs)
	_, err := c.Schema(context.Background(), "u-1", "f-1", "nope")
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestParseISODate(t *testing.T) {
	for _, s := range []string{"2024-03-01", "2024-03-01T10:30:00", "2024-03-01T10:30:00Z"} {
		ts, err := ParseISODate(s)
		require.NoError(t, err, s)
		require.Equal(t, time.March, ts.Month())
	}
	_, err := ParseISODate("last tuesday")
	require.Error(t, err)
}

func TestUserDefinitionLookup(t *testing.T) {
	f := &File{UserDefinitions: map[string]string{"production::Actual_Qty": "units actually produced"}}
	d, ok := f.Definition("production", "Actual_Qty")
	require.True(t, ok)
	require.Equal(t, "units actually produced", d)
	_, ok = f.Definition("production", "Other")
	require.False(t, ok)
}
