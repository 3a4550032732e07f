// Package normalize converts raw execution results into the canonical result table.
// Normalization is pure and never fails: unrecognized shapes degrade to a single cell.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/smartquery/pkg/frame"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

const (
	ResultKey   = "result"
	ResultLabel = "result"
)

// Normalizer converts ExecutionResults into CanonicalTables.
type Normalizer struct {
	// MaxRows caps the rows kept in the table; zero keeps all rows. When rows are dropped
	// Total keeps the full count and Truncated is set.
	MaxRows int
}

// Normalize dispatches on the result kind.
func (n Normalizer) Normalize(res smartquery.ExecutionResult) smartquery.CanonicalTable {
	var t smartquery.CanonicalTable
	switch res.Kind {
	case smartquery.ResultTabular:
		t = Tabular(res.Columns, res.Rows)
	case smartquery.ResultScalar:
		t = Scalar(res.Scalar)
	case smartquery.ResultText:
		t = ParseTextTable(res.Text)
	default:
		t = singleCell(fmt.Sprintf("%v", res))
	}
	return n.cap(t, res.Truncated)
}

// cap applies MaxRows. A result the executor already cut stays truncated; its Total is the
// count that was read since the full count is unknown.
func (n Normalizer) cap(t smartquery.CanonicalTable, cut bool) smartquery.CanonicalTable {
	t.Total = len(t.Rows)
	t.Truncated = cut
	if n.MaxRows > 0 && len(t.Rows) > n.MaxRows {
		t.Rows = t.Rows[:n.MaxRows]
		t.Truncated = true
	}
	return t
}

// Tabular copies columns and rows through. Keys are the column names, deduplicated, with
// col_i standing in for an empty name. Numbers and booleans are preserved; missing values
// become empty strings.
func Tabular(columns []string, rows [][]any) smartquery.CanonicalTable {
	cols := make([]smartquery.TableColumn, len(columns))
	used := make(map[string]bool, len(columns))
	for i, name := range columns {
		key := strings.TrimSpace(name)
		if key == "" {
			key = "col_" + strconv.Itoa(i)
		}
		base := key
		for n := 2; used[key]; n++ {
			key = base + "_" + strconv.Itoa(n)
		}
		used[key] = true
		cols[i] = smartquery.TableColumn{Key: key, Label: name}
		if name == "" {
			cols[i].Label = key
		}
	}

	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			var v any
			if i < len(r) {
				v = r[i]
			}
			row[c.Key] = Cell(v)
		}
		out = append(out, row)
	}
	return smartquery.CanonicalTable{Columns: cols, Rows: out, Total: len(out)}
}

// Scalar renders a single value as a one-row, one-column table.
func Scalar(v any) smartquery.CanonicalTable {
	return smartquery.CanonicalTable{
		Columns: []smartquery.TableColumn{{Key: ResultKey, Label: ResultLabel}},
		Rows:    []map[string]any{{ResultKey: Cell(v)}},
		Total:   1,
	}
}

func singleCell(s string) smartquery.CanonicalTable {
	return Scalar(s)
}

// Cell converts a raw value into a canonical cell: numbers and booleans as-is, text for
// everything else, and the empty string for nil, NaN and infinities.
func Cell(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return ""
		}
		return val
	case float32:
		return Cell(float64(val))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return val
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(frame.DateTimeLayout)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
