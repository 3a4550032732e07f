// Package smartquery defines the data model shared by the stages of the smart query workflow:
// sources, selections, loaded datasets, execution results and the canonical result table.
package smartquery

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/malbeclabs/smartquery/pkg/frame"
)

// MaxQueryLength is the longest natural-language question accepted.
const MaxQueryLength = 1000

var (
	ErrEmptyQuery   = errors.New("query is required")
	ErrQueryTooLong = errors.New("query must be at most 1000 characters")
)

// Kind distinguishes uploaded spreadsheets from database tables.
type Kind string

const (
	KindFile  Kind = "file"
	KindTable Kind = "table"
)

// Column describes one column of a source.
type Column struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Source is one queryable dataset known to the catalog. Sources are owned by the metadata
// store and are never mutated by the workflow.
type Source struct {
	ID               string    `json:"id" yaml:"id"`
	DisplayName      string    `json:"display_name" yaml:"display_name"`
	Kind             Kind      `json:"kind" yaml:"kind"`
	OwnerID          string    `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	Columns          []Column  `json:"columns" yaml:"columns"`
	RowCountEstimate int64     `json:"row_count_estimate" yaml:"row_count_estimate"`
	PreviewRows      [][]any   `json:"preview_rows,omitempty" yaml:"preview_rows,omitempty"`
	Description      string    `json:"description,omitempty" yaml:"description,omitempty"`
	BusinessContext  string    `json:"business_context,omitempty" yaml:"business_context,omitempty"`
	EnabledForQA     bool      `json:"enabled_for_qa" yaml:"enabled_for_qa"`
	// ArtifactKey locates the data: the stored file for a file source, the table for a table source.
	ArtifactKey      string    `json:"artifact_key,omitempty" yaml:"artifact_key,omitempty"`
	Sheet            string    `json:"sheet,omitempty" yaml:"sheet,omitempty"`
	ModifiedAt       time.Time `json:"modified_at,omitempty" yaml:"modified_at,omitempty"`
}

// Name returns the name the LLM sees for the source.
func (s Source) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// Table returns the physical table name of a table source: ArtifactKey when set, else Name.
func (s Source) Table() string {
	if s.ArtifactKey != "" {
		return s.ArtifactKey
	}
	return s.Name()
}

// ColumnNames returns the ordered column names.
func (s Source) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// SelectionResult is the outcome of source selection. SourceIDs is never empty and every id
// is a member of the catalog the selector was given.
type SelectionResult struct {
	SourceIDs []string `json:"selected_source_ids"`
	Rationale string   `json:"rationale"`
	UsedLLM   bool     `json:"used_llm"`
	Fallback  bool     `json:"fallback"`
}

// LoadedSource is a selected source with its materialized content: a frame for files, or the
// catalog-known sample rows for tables, which execute over the user's pooled connection.
type LoadedSource struct {
	Source     Source
	VarName    string
	Frame      *frame.Frame
	SampleRows [][]any
}

// FileVarNames returns the dataset variable names used for n loaded files: df when there is
// one, df_1..df_n otherwise.
func FileVarNames(n int) []string {
	if n == 1 {
		return []string{"df"}
	}
	names := make([]string, n)
	for i := range names {
		names[i] = "df_" + strconv.Itoa(i+1)
	}
	return names
}

// ValidateQuery rejects empty and overlong questions.
func ValidateQuery(q string) error {
	q = strings.TrimSpace(q)
	if q == "" {
		return ErrEmptyQuery
	}
	if utf8.RuneCountInString(q) > MaxQueryLength {
		return ErrQueryTooLong
	}
	return nil
}
