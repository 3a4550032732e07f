package frame

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AggFunc names an aggregation applied to a column.
type AggFunc string

const (
	AggSum     AggFunc = "sum"
	AggMean    AggFunc = "mean"
	AggCount   AggFunc = "count"
	AggMin     AggFunc = "min"
	AggMax     AggFunc = "max"
	AggNUnique AggFunc = "nunique"
	AggFirst   AggFunc = "first"
)

// Agg is one aggregation in a GroupBy. As names the output column and defaults to Column.
type Agg struct {
	Column string
	Func   AggFunc
	As     string
}

// Head returns the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n < 0 {
		n = 0
	}
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	return New(f.Columns, f.Rows[:n])
}

// Tail returns the last n rows.
func (f *Frame) Tail(n int) *Frame {
	if n < 0 {
		n = 0
	}
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	return New(f.Columns, f.Rows[len(f.Rows)-n:])
}

// SortBy sorts rows by the given columns. Missing values always sort last.
func (f *Frame) SortBy(cols []string, ascending bool) (*Frame, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		j, err := f.mustColumn(c)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	out := f.Clone()
	sort.SliceStable(out.Rows, func(a, b int) bool {
		for _, j := range idx {
			va, vb := out.Rows[a][j], out.Rows[b][j]
			if va == nil || vb == nil {
				if va == nil && vb == nil {
					continue
				}
				return vb == nil
			}
			c := Compare(va, vb)
			if c == 0 {
				continue
			}
			if ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
	return out, nil
}

// NLargest returns the n rows with the largest values in col.
func (f *Frame) NLargest(n int, col string) (*Frame, error) {
	sorted, err := f.SortBy([]string{col}, false)
	if err != nil {
		return nil, err
	}
	return sorted.Head(n), nil
}

// NSmallest returns the n rows with the smallest values in col.
func (f *Frame) NSmallest(n int, col string) (*Frame, error) {
	sorted, err := f.SortBy([]string{col}, true)
	if err != nil {
		return nil, err
	}
	return sorted.Head(n), nil
}

// Filter keeps the rows for which keep returns true.
func (f *Frame) Filter(keep func(i int) (bool, error)) (*Frame, error) {
	rows := make([][]any, 0, len(f.Rows))
	for i, r := range f.Rows {
		ok, err := keep(i)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, r)
		}
	}
	return New(f.Columns, rows), nil
}

// Select projects the frame onto cols, in the given order.
func (f *Frame) Select(cols []string) (*Frame, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		j, err := f.mustColumn(c)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	rows := make([][]any, len(f.Rows))
	for i, r := range f.Rows {
		row := make([]any, len(idx))
		for k, j := range idx {
			row[k] = r[j]
		}
		rows[i] = row
	}
	return &Frame{Columns: append([]string(nil), cols...), Rows: rows}, nil
}

// Rename returns a frame with columns renamed according to mapping.
func (f *Frame) Rename(mapping map[string]string) *Frame {
	out := f.Clone()
	for i, c := range out.Columns {
		if n, ok := mapping[c]; ok {
			out.Columns[i] = n
		}
	}
	return out
}

// WithColumn returns a frame with col set to values, appending the column when absent.
func (f *Frame) WithColumn(col string, values []any) (*Frame, error) {
	if len(values) != len(f.Rows) {
		return nil, fmt.Errorf("column %q has %d values, frame has %d rows", col, len(values), len(f.Rows))
	}
	out := f.Clone()
	j := out.ColumnIndex(col)
	if j < 0 {
		out.Columns = append(out.Columns, col)
		for i := range out.Rows {
			out.Rows[i] = append(out.Rows[i], values[i])
		}
		return out, nil
	}
	for i := range out.Rows {
		out.Rows[i][j] = values[i]
	}
	return out, nil
}

// Unique returns the distinct non-nil values of col in first-seen order.
func (f *Frame) Unique(col string) ([]any, error) {
	vals, err := f.Column(col)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []any
	for _, v := range vals {
		if v == nil {
			continue
		}
		k := keyOf(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out, nil
}

// Aggregate reduces col with fn.
func (f *Frame) Aggregate(col string, fn AggFunc) (any, error) {
	vals, err := f.Column(col)
	if err != nil {
		return nil, err
	}
	return aggregate(vals, fn)
}

// GroupBy groups rows by the key columns, sorted by key, and applies aggs to each group.
func (f *Frame) GroupBy(by []string, aggs []Agg) (*Frame, error) {
	if len(by) == 0 {
		return nil, fmt.Errorf("groupby requires at least one key column")
	}
	keyIdx := make([]int, len(by))
	for i, c := range by {
		j, err := f.mustColumn(c)
		if err != nil {
			return nil, err
		}
		keyIdx[i] = j
	}
	aggIdx := make([]int, len(aggs))
	for i, a := range aggs {
		j, err := f.mustColumn(a.Column)
		if err != nil {
			return nil, err
		}
		aggIdx[i] = j
	}

	type group struct {
		keys []any
		rows [][]any
	}
	groups := make(map[string]*group)
	var order []string
	for _, r := range f.Rows {
		keys := make([]any, len(keyIdx))
		parts := make([]string, len(keyIdx))
		for i, j := range keyIdx {
			keys[i] = r[j]
			parts[i] = keyOf(r[j])
		}
		k := strings.Join(parts, "\x00")
		g, ok := groups[k]
		if !ok {
			g = &group{keys: keys}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, r)
	}

	sort.SliceStable(order, func(a, b int) bool {
		ka, kb := groups[order[a]].keys, groups[order[b]].keys
		for i := range ka {
			if c := Compare(ka[i], kb[i]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	columns := append([]string(nil), by...)
	for _, a := range aggs {
		columns = append(columns, aggName(a))
	}
	rows := make([][]any, 0, len(order))
	for _, k := range order {
		g := groups[k]
		row := append([]any(nil), g.keys...)
		for i, a := range aggs {
			vals := make([]any, len(g.rows))
			for n, r := range g.rows {
				vals[n] = r[aggIdx[i]]
			}
			v, err := aggregate(vals, a.Func)
			if err != nil {
				return nil, fmt.Errorf("failed to aggregate %q: %w", a.Column, err)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	return &Frame{Columns: columns, Rows: rows}, nil
}

func aggName(a Agg) string {
	if a.As != "" {
		return a.As
	}
	return a.Column
}

// Merge joins f with other on the paired key columns. how is "inner" or "left". Right-side
// key columns sharing a name with their left key are dropped; other colliding names get
// _x and _y suffixes.
func (f *Frame) Merge(other *Frame, leftOn, rightOn []string, how string) (*Frame, error) {
	if len(leftOn) == 0 || len(leftOn) != len(rightOn) {
		return nil, fmt.Errorf("merge requires matching key columns on both sides")
	}
	switch how {
	case "", "inner":
		how = "inner"
	case "left":
	default:
		return nil, fmt.Errorf("unsupported merge type %q (use inner or left)", how)
	}
	li := make([]int, len(leftOn))
	ri := make([]int, len(rightOn))
	for i := range leftOn {
		j, err := f.mustColumn(leftOn[i])
		if err != nil {
			return nil, err
		}
		li[i] = j
		k, err := other.mustColumn(rightOn[i])
		if err != nil {
			return nil, err
		}
		ri[i] = k
	}

	dropRight := make(map[int]bool)
	for i := range rightOn {
		if leftOn[i] == rightOn[i] {
			dropRight[ri[i]] = true
		}
	}
	leftNames := make(map[string]bool, len(f.Columns))
	for _, c := range f.Columns {
		leftNames[c] = true
	}
	rightNames := make(map[string]bool, len(other.Columns))
	for j, c := range other.Columns {
		if !dropRight[j] {
			rightNames[c] = true
		}
	}

	var columns []string
	for _, c := range f.Columns {
		if rightNames[c] {
			c += "_x"
		}
		columns = append(columns, c)
	}
	var keepRight []int
	for j, c := range other.Columns {
		if dropRight[j] {
			continue
		}
		if leftNames[c] {
			c += "_y"
		}
		columns = append(columns, c)
		keepRight = append(keepRight, j)
	}

	index := make(map[string][]int)
	for n, r := range other.Rows {
		index[rowKey(r, ri)] = append(index[rowKey(r, ri)], n)
	}

	var rows [][]any
	for _, l := range f.Rows {
		matches := index[rowKey(l, li)]
		if len(matches) == 0 {
			if how == "left" {
				row := append([]any(nil), l...)
				row = append(row, make([]any, len(keepRight))...)
				rows = append(rows, row)
			}
			continue
		}
		for _, m := range matches {
			row := append([]any(nil), l...)
			for _, j := range keepRight {
				row = append(row, other.Rows[m][j])
			}
			rows = append(rows, row)
		}
	}
	return &Frame{Columns: columns, Rows: rows}, nil
}

func rowKey(r []any, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = keyOf(r[j])
	}
	return strings.Join(parts, "\x00")
}

// keyOf returns a comparison key under which equal numbers of different widths collide.
func keyOf(v any) string {
	if f, ok := ToFloat(v); ok {
		if _, isBool := v.(bool); !isBool {
			return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
		}
	}
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T:%v", v, v)
}

func aggregate(vals []any, fn AggFunc) (any, error) {
	switch fn {
	case AggCount:
		var n int64
		for _, v := range vals {
			if v != nil {
				n++
			}
		}
		return n, nil
	case AggNUnique:
		seen := make(map[string]bool)
		for _, v := range vals {
			if v != nil {
				seen[keyOf(v)] = true
			}
		}
		return int64(len(seen)), nil
	case AggFirst:
		for _, v := range vals {
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	case AggMin, AggMax:
		var best any
		for _, v := range vals {
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			c := Compare(v, best)
			if (fn == AggMin && c < 0) || (fn == AggMax && c > 0) {
				best = v
			}
		}
		return best, nil
	case AggSum, AggMean:
		var sum float64
		var isum int64
		allInt := true
		n := 0
		for _, v := range vals {
			if v == nil {
				continue
			}
			f, ok := ToFloat(v)
			if !ok {
				return nil, fmt.Errorf("cannot %s non-numeric value %v", fn, v)
			}
			if i, isInt := v.(int64); isInt {
				isum += i
			} else {
				allInt = false
			}
			sum += f
			n++
		}
		if fn == AggMean {
			if n == 0 {
				return nil, nil
			}
			return sum / float64(n), nil
		}
		if allInt {
			return isum, nil
		}
		return sum, nil
	default:
		return nil, fmt.Errorf("unknown aggregation %q", fn)
	}
}

// ToFloat reports the numeric value of v for ints, floats and bools.
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Compare orders two non-nil cell values. Numbers compare numerically, times chronologically,
// and anything else by its text form.
func Compare(a, b any) int {
	fa, oka := ToFloat(a)
	fb, okb := ToFloat(b)
	if oka && okb {
		switch {
		case math.IsNaN(fa) && math.IsNaN(fb):
			return 0
		case math.IsNaN(fa):
			return 1
		case math.IsNaN(fb):
			return -1
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	ta, oka := a.(time.Time)
	tb, okb := b.(time.Time)
	if oka && okb {
		return ta.Compare(tb)
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}
