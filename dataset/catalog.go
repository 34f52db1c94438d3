package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tablepilot/tablepilot/numeric"
	"github.com/tablepilot/tablepilot/store"
)

// Catalog answers discovery questions about a user's datasets. All lookups
// filter by user_id; a file owned by another tenant is indistinguishable from
// a missing one.
type Catalog struct {
	store store.Store
}

// NewCatalog returns a catalog over the given store.
func NewCatalog(s store.Store) *Catalog {
	return &Catalog{store: s}
}

// ListFiles returns summaries for every file the user owns, oldest first.
func (c *Catalog) ListFiles(ctx context.Context, userID string) ([]Summary, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	pipeline := []bson.D{
		{{Key: "$match", Value: bson.M{"user_id": userID}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: 1}}}},
	}
	docs, err := c.store.Aggregate(ctx, FilesCollection, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out := make([]Summary, 0, len(docs))
	for _, doc := range docs {
		var f File
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, err
		}
		if err := bson.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		out = append(out, Summary{
			FileID:     f.FileID,
			Filename:   f.OriginalFilename,
			TableNames: f.SheetNames,
			RowCount:   f.RowCount,
		})
	}
	return out, nil
}

// GetFile loads a file owned by the user or returns ErrFileNotFound.
func (c *Catalog) GetFile(ctx context.Context, userID, fileID string) (*File, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	doc, err := c.store.FindOne(ctx, FilesCollection, bson.M{"user_id": userID, "file_id": fileID}, nil)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var f File
	if err := bson.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Schema returns the inferred schema of a table: column names with inferred
// types, one sample row, and the table's row count.
func (c *Catalog) Schema(ctx context.Context, userID, fileID, table string) (*TableSchema, error) {
	f, err := c.GetFile(ctx, userID, fileID)
	if err != nil {
		return nil, err
	}
	if !hasTable(f, table) {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrTableNotFound, table, f.SheetNames)
	}
	filter := bson.M{"user_id": userID, "file_id": fileID, "table_name": table}
	doc, err := c.store.FindOne(ctx, RowsCollection, filter, bson.M{"row": 1})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &TableSchema{Columns: []Column{}, SampleRow: map[string]any{}}, nil
		}
		return nil, err
	}
	count, err := c.store.Count(ctx, RowsCollection, filter)
	if err != nil {
		return nil, err
	}
	sample := extractRow(doc)
	cols := make([]Column, 0, len(sample))
	for name, v := range sample {
		cols = append(cols, Column{Name: name, Type: InferType(v)})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return &TableSchema{Columns: cols, SampleRow: sample, RowCount: count}, nil
}

func hasTable(f *File, table string) bool {
	for _, name := range f.SheetNames {
		if name == table {
			return true
		}
	}
	return false
}

func extractRow(doc bson.M) map[string]any {
	row, ok := doc["row"].(bson.M)
	if !ok {
		if m, ok := doc["row"].(map[string]any); ok {
			return m
		}
		return map[string]any{}
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// InferType classifies a stored scalar into one of the dataset type names.
// ISO-8601 strings count as dates so temporal columns survive CSV ingestion.
func InferType(v any) string {
	switch x := v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBool
	case time.Time, primitive.DateTime:
		return TypeDate
	case string:
		if IsISODate(x) {
			return TypeDate
		}
		return TypeString
	default:
		if _, ok := numeric.ToDecimal(v); ok {
			return TypeNumber
		}
		return TypeString
	}
}

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// IsISODate reports whether s parses as an ISO-8601 date or datetime.
func IsISODate(s string) bool {
	_, err := ParseISODate(s)
	return err == nil
}

// ParseISODate parses an ISO-8601 date or datetime string in UTC.
func ParseISODate(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 date: %q", s)
}
