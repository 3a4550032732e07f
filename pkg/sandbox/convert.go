package sandbox

import (
	"fmt"
	"math/big"
	"time"

	"go.starlark.net/starlark"

	"github.com/malbeclabs/smartquery/pkg/frame"
)

// toValue converts a frame cell into a Starlark value. Times become formatted strings.
func toValue(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case string:
		return starlark.String(val)
	case int64:
		return starlark.MakeInt64(val)
	case int:
		return starlark.MakeInt(val)
	case float64:
		return starlark.Float(val)
	case bool:
		return starlark.Bool(val)
	case time.Time:
		return starlark.String(val.Format(frame.DateTimeLayout))
	case starlark.Value:
		return val
	default:
		return starlark.String(fmt.Sprint(val))
	}
}

// fromValue converts a Starlark value back into a frame cell. Values with no cell
// representation are kept as their string form.
func fromValue(v starlark.Value) any {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i
		}
		f, _ := new(big.Float).SetInt(val.BigInt()).Float64()
		return f
	case starlark.Float:
		return float64(val)
	case starlark.String:
		return string(val)
	default:
		return v.String()
	}
}

func rowDict(f *frame.Frame, i int) *starlark.Dict {
	d := starlark.NewDict(len(f.Columns))
	for j, c := range f.Columns {
		_ = d.SetKey(starlark.String(c), toValue(f.Rows[i][j]))
	}
	return d
}

func listOf(vals []any) *starlark.List {
	elems := make([]starlark.Value, len(vals))
	for i, v := range vals {
		elems[i] = toValue(v)
	}
	return starlark.NewList(elems)
}

// stringList accepts a single string or an iterable of strings.
func stringList(fnname string, v starlark.Value) ([]string, error) {
	if s, ok := starlark.AsString(v); ok {
		return []string{s}, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: expected a column name or a list of column names, got %s", fnname, v.Type())
	}
	var out []string
	it := iterable.Iterate()
	defer it.Done()
	var x starlark.Value
	for it.Next(&x) {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("%s: column names must be strings, got %s", fnname, x.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// frameFromRecords builds a frame from dicts, with columns in first-seen key order.
func frameFromRecords(fnname string, records []starlark.Value) (*frame.Frame, error) {
	var columns []string
	index := make(map[string]int)
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		d, ok := rec.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: expected a list of dicts, found %s", fnname, rec.Type())
		}
		row := make(map[string]any, d.Len())
		for _, item := range d.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				k = item[0].String()
			}
			if _, seen := index[k]; !seen {
				index[k] = len(columns)
				columns = append(columns, k)
			}
			row[k] = fromValue(item[1])
		}
		rows = append(rows, row)
	}
	out := make([][]any, len(rows))
	for i, r := range rows {
		cells := make([]any, len(columns))
		for k, v := range r {
			cells[index[k]] = v
		}
		out[i] = cells
	}
	return frame.New(columns, out), nil
}

// frameFromColumns builds a frame from a dict whose values are equal-length lists.
func frameFromColumns(fnname string, d *starlark.Dict) (*frame.Frame, error) {
	var columns []string
	var data [][]any
	n := -1
	for _, item := range d.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			k = item[0].String()
		}
		seq, ok := sequenceValues(item[1])
		if !ok {
			return nil, fmt.Errorf("%s: column %q is not a list", fnname, k)
		}
		if n >= 0 && len(seq) != n {
			return nil, fmt.Errorf("%s: column %q has %d values, expected %d", fnname, k, len(seq), n)
		}
		n = len(seq)
		vals := make([]any, n)
		for i, x := range seq {
			vals[i] = fromValue(x)
		}
		columns = append(columns, k)
		data = append(data, vals)
	}
	if n < 0 {
		n = 0
	}
	rows := make([][]any, n)
	for i := range rows {
		row := make([]any, len(columns))
		for j := range columns {
			row[j] = data[j][i]
		}
		rows[i] = row
	}
	return frame.New(columns, rows), nil
}

func sequenceValues(v starlark.Value) ([]starlark.Value, bool) {
	switch v.(type) {
	case *starlark.List, starlark.Tuple:
	default:
		return nil, false
	}
	seq := v.(starlark.Indexable)
	out := make([]starlark.Value, seq.Len())
	for i := range out {
		out[i] = seq.Index(i)
	}
	return out, true
}
