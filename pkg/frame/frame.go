// Package frame holds the in-memory tabular datasets that uploaded spreadsheets are
// decoded into, along with the column operations exposed to generated analysis scripts.
package frame

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DateTimeLayout is the layout used when a time value is rendered as text.
const DateTimeLayout = "2006-01-02 15:04:05"

// Frame is an ordered set of named columns over row-major values. Cell values are one of
// nil, string, int64, float64, bool or time.Time.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// New returns a frame over the given columns and rows. Short rows are padded with nil and
// long rows are cut to the column count.
func New(columns []string, rows [][]any) *Frame {
	cols := make([]string, len(columns))
	copy(cols, columns)
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		row := make([]any, len(cols))
		copy(row, r)
		out = append(out, row)
	}
	return &Frame{Columns: cols, Rows: out}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// ColumnIndex returns the position of the named column, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (f *Frame) mustColumn(name string) (int, error) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return -1, fmt.Errorf("column %q not found (available: %s)", name, strings.Join(f.Columns, ", "))
	}
	return idx, nil
}

// Column returns a copy of the values of the named column.
func (f *Frame) Column(name string) ([]any, error) {
	idx, err := f.mustColumn(name)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r[idx]
	}
	return out, nil
}

// Record returns row i as a column name to value map.
func (f *Frame) Record(i int) map[string]any {
	rec := make(map[string]any, len(f.Columns))
	for j, c := range f.Columns {
		rec[c] = f.Rows[i][j]
	}
	return rec
}

// Records returns every row as a column name to value map.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, len(f.Rows))
	for i := range f.Rows {
		out[i] = f.Record(i)
	}
	return out
}

// Clone returns a deep copy of the frame's row slices. Cell values are immutable and shared.
func (f *Frame) Clone() *Frame {
	return New(f.Columns, f.Rows)
}

// Preview renders the first n rows as a pipe-separated block for LLM prompts. Cell text is
// cut to maxLen characters.
func (f *Frame) Preview(n, maxLen int) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(f.Columns, " | "))
	sb.WriteString("\n")
	for i := 0; i < n && i < len(f.Rows); i++ {
		cells := make([]string, len(f.Columns))
		for j, v := range f.Rows[i] {
			cells[j] = truncate(FormatValue(v), maxLen)
		}
		sb.WriteString(strings.Join(cells, " | "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// InferTypes returns a type name per column based on the non-nil values it holds.
func (f *Frame) InferTypes() []string {
	types := make([]string, len(f.Columns))
	for j := range f.Columns {
		kind := ""
		for _, r := range f.Rows {
			k := typeName(r[j])
			if k == "" {
				continue
			}
			switch {
			case kind == "":
				kind = k
			case kind == "int64" && k == "float64", kind == "float64" && k == "int64":
				kind = "float64"
			case kind != k:
				kind = "string"
			}
		}
		if kind == "" {
			kind = "string"
		}
		types[j] = kind
	}
	return types
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case int64:
		return "int64"
	case float64:
		return "float64"
	case bool:
		return "bool"
	case time.Time:
		return "datetime"
	default:
		return "string"
	}
}

// FormatValue renders a cell value as display text. Missing values and NaN render empty.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return ""
		}
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%g", val)
	case time.Time:
		return val.Format(DateTimeLayout)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
