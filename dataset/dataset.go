// Package dataset exposes the user-scoped tabular data model: uploaded files,
// their table rows, and a catalog for discovery and schema inference. Rows
// are immutable after upload; files own their rows and cascade on delete.
package dataset

import (
	"errors"
	"time"
)

// Collection names in the document store.
const (
	FilesCollection = "files"
	RowsCollection  = "table_rows"
)

// ErrFileNotFound indicates the file does not exist for the calling user.
// Tenant mismatches surface identically so ownership is never leaked.
var ErrFileNotFound = errors.New("dataset: file not found")

// ErrTableNotFound indicates the named table holds no rows for the file.
var ErrTableNotFound = errors.New("dataset: table not found")

type (
	// File describes an uploaded workbook or CSV. Immutable except for
	// UserDefinitions, which users edit to document their columns.
	File struct {
		FileID           string            `bson:"file_id" json:"file_id"`
		UserID           string            `bson:"user_id" json:"user_id"`
		OriginalFilename string            `bson:"original_filename" json:"original_filename"`
		FileType         string            `bson:"file_type" json:"file_type"`
		SheetNames       []string          `bson:"sheet_names" json:"sheet_names"`
		RowCount         int64             `bson:"row_count" json:"row_count"`
		UserDefinitions  map[string]string `bson:"user_definitions,omitempty" json:"user_definitions,omitempty"`
		CreatedAt        time.Time         `bson:"created_at" json:"created_at"`
	}

	// Summary is the catalog listing entry returned to the agent.
	Summary struct {
		FileID     string   `json:"file_id"`
		Filename   string   `json:"filename"`
		TableNames []string `json:"table_names"`
		RowCount   int64    `json:"row_count"`
	}

	// Column pairs a column name with its inferred scalar type.
	Column struct {
		Name string `json:"column"`
		Type string `json:"inferred_type"`
	}

	// TableSchema describes a table: its columns with inferred types and one
	// sample row for the resolver and the agent prompt.
	TableSchema struct {
		Columns   []Column       `json:"schema"`
		SampleRow map[string]any `json:"sample_row"`
		RowCount  int64          `json:"row_count"`
	}
)

// Inferred scalar types. Column types are derived from sample values, not
// declared, because source files carry no type metadata.
const (
	TypeNull   = "null"
	TypeBool   = "bool"
	TypeNumber = "number"
	TypeString = "string"
	TypeDate   = "date"
)

// Definition returns the user-supplied description for a column, if any.
// Keys follow the "<sheet>::<column>" convention.
func (f *File) Definition(table, column string) (string, bool) {
	if f == nil || f.UserDefinitions == nil {
		return "", false
	}
	d, ok := f.UserDefinitions[table+"::"+column]
	return d, ok
}
