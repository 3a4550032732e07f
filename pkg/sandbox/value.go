package sandbox

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"

	"github.com/malbeclabs/smartquery/pkg/frame"
)

// frameValue exposes a frame to scripts. Methods return new frames; only item assignment
// (df["col"] = ...) replaces the frame held by the value, never the frame it was created from.
type frameValue struct {
	f      *frame.Frame
	frozen bool
}

var (
	_ starlark.HasAttrs  = (*frameValue)(nil)
	_ starlark.HasSetKey = (*frameValue)(nil)
	_ starlark.Sequence  = (*frameValue)(nil)
)

func newFrameValue(f *frame.Frame) *frameValue { return &frameValue{f: f} }

func (v *frameValue) String() string {
	return fmt.Sprintf("DataFrame(%d rows x %d columns)", v.f.Len(), len(v.f.Columns))
}
func (v *frameValue) Type() string          { return "DataFrame" }
func (v *frameValue) Freeze()               { v.frozen = true }
func (v *frameValue) Truth() starlark.Bool  { return v.f.Len() > 0 }
func (v *frameValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: DataFrame") }
func (v *frameValue) Len() int              { return v.f.Len() }

func (v *frameValue) Iterate() starlark.Iterator { return &rowIterator{f: v.f} }

type rowIterator struct {
	f *frame.Frame
	i int
}

func (it *rowIterator) Next(p *starlark.Value) bool {
	if it.i >= it.f.Len() {
		return false
	}
	*p = rowDict(it.f, it.i)
	it.i++
	return true
}

func (it *rowIterator) Done() {}

// Get implements df["col"] (a list of values) and df[["a", "b"]] (a projected frame).
func (v *frameValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	if name, ok := starlark.AsString(k); ok {
		vals, err := v.f.Column(name)
		if err != nil {
			return nil, false, err
		}
		return listOf(vals), true, nil
	}
	cols, err := stringList("DataFrame index", k)
	if err != nil {
		return nil, false, err
	}
	out, err := v.f.Select(cols)
	if err != nil {
		return nil, false, err
	}
	return newFrameValue(out), true, nil
}

// SetKey implements df["col"] = [values].
func (v *frameValue) SetKey(k, val starlark.Value) error {
	if v.frozen {
		return fmt.Errorf("cannot assign to a frozen DataFrame")
	}
	name, ok := starlark.AsString(k)
	if !ok {
		return fmt.Errorf("DataFrame column name must be a string, got %s", k.Type())
	}
	vals, ok := sequenceValues(val)
	if !ok {
		vals = make([]starlark.Value, v.f.Len())
		for i := range vals {
			vals[i] = val
		}
	}
	cells := make([]any, len(vals))
	for i, x := range vals {
		cells[i] = fromValue(x)
	}
	out, err := v.f.WithColumn(name, cells)
	if err != nil {
		return err
	}
	v.f = out
	return nil
}

type method func(thread *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

var methods = map[string]method{
	"head":        headTail,
	"tail":        headTail,
	"sort_values": sortValues,
	"nlargest":    nExtreme,
	"nsmallest":   nExtreme,
	"filter":      filterRows,
	"select":      selectColumns,
	"rename":      renameColumns,
	"with_column": withColumn,
	"groupby":     groupBy,
	"sum":         aggregate,
	"mean":        aggregate,
	"min":         aggregate,
	"max":         aggregate,
	"count":       aggregate,
	"nunique":     aggregate,
	"unique":      unique,
	"merge":       merge,
	"rows":        rows,
}

func (v *frameValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "columns":
		cols := make([]any, len(v.f.Columns))
		for i, c := range v.f.Columns {
			cols[i] = c
		}
		return listOf(cols), nil
	case "shape":
		return starlark.Tuple{starlark.MakeInt(v.f.Len()), starlark.MakeInt(len(v.f.Columns))}, nil
	}
	m, ok := methods[name]
	if !ok {
		return nil, nil
	}
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return m(thread, b.Receiver().(*frameValue), b.Name(), args, kwargs)
	}).BindReceiver(v), nil
}

func (v *frameValue) AttrNames() []string {
	names := []string{"columns", "shape"}
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func headTail(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := 5
	if err := starlark.UnpackArgs(fnname, args, kwargs, "n?", &n); err != nil {
		return nil, err
	}
	if fnname == "tail" {
		return newFrameValue(v.f.Tail(n)), nil
	}
	return newFrameValue(v.f.Head(n)), nil
}

func sortValues(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var by starlark.Value
	ascending := true
	if err := starlark.UnpackArgs(fnname, args, kwargs, "by", &by, "ascending?", &ascending); err != nil {
		return nil, err
	}
	cols, err := stringList(fnname, by)
	if err != nil {
		return nil, err
	}
	out, err := v.f.SortBy(cols, ascending)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return newFrameValue(out), nil
}

func nExtreme(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var n int
	var col string
	if err := starlark.UnpackArgs(fnname, args, kwargs, "n", &n, "columns", &col); err != nil {
		return nil, err
	}
	var out *frame.Frame
	var err error
	if fnname == "nlargest" {
		out, err = v.f.NLargest(n, col)
	} else {
		out, err = v.f.NSmallest(n, col)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return newFrameValue(out), nil
}

func filterRows(thread *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	if err := starlark.UnpackArgs(fnname, args, kwargs, "fn", &fn); err != nil {
		return nil, err
	}
	out, err := v.f.Filter(func(i int) (bool, error) {
		res, err := starlark.Call(thread, fn, starlark.Tuple{rowDict(v.f, i)}, nil)
		if err != nil {
			return false, err
		}
		return bool(res.Truth()), nil
	})
	if err != nil {
		return nil, err
	}
	return newFrameValue(out), nil
}

func selectColumns(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", fnname)
	}
	var cols []string
	for _, a := range args {
		names, err := stringList(fnname, a)
		if err != nil {
			return nil, err
		}
		cols = append(cols, names...)
	}
	out, err := v.f.Select(cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return newFrameValue(out), nil
}

func renameColumns(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var mapping *starlark.Dict
	if err := starlark.UnpackArgs(fnname, args, kwargs, "columns", &mapping); err != nil {
		return nil, err
	}
	m := make(map[string]string, mapping.Len())
	for _, item := range mapping.Items() {
		from, ok1 := starlark.AsString(item[0])
		to, ok2 := starlark.AsString(item[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s: mapping must be str -> str", fnname)
		}
		m[from] = to
	}
	return newFrameValue(v.f.Rename(m)), nil
}

func withColumn(thread *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var values starlark.Value
	if err := starlark.UnpackArgs(fnname, args, kwargs, "name", &name, "values", &values); err != nil {
		return nil, err
	}
	cells := make([]any, v.f.Len())
	if fn, ok := values.(starlark.Callable); ok {
		for i := range cells {
			res, err := starlark.Call(thread, fn, starlark.Tuple{rowDict(v.f, i)}, nil)
			if err != nil {
				return nil, err
			}
			cells[i] = fromValue(res)
		}
	} else {
		vals, ok := sequenceValues(values)
		if !ok {
			return nil, fmt.Errorf("%s: values must be a function or a list, got %s", fnname, values.Type())
		}
		cells = make([]any, len(vals))
		for i, x := range vals {
			cells[i] = fromValue(x)
		}
	}
	out, err := v.f.WithColumn(name, cells)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return newFrameValue(out), nil
}

func groupBy(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var byVal starlark.Value
	var aggVal *starlark.Dict
	if err := starlark.UnpackArgs(fnname, args, kwargs, "by", &byVal, "agg?", &aggVal); err != nil {
		return nil, err
	}
	by, err := stringList(fnname, byVal)
	if err != nil {
		return nil, err
	}
	var aggs []frame.Agg
	if aggVal == nil || aggVal.Len() == 0 {
		if len(by) > 0 {
			aggs = append(aggs, frame.Agg{Column: by[0], Func: frame.AggCount, As: "count"})
		}
	} else {
		for _, item := range aggVal.Items() {
			col, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("%s: aggregation keys must be column names", fnname)
			}
			funcs, err := stringList(fnname, item[1])
			if err != nil {
				return nil, err
			}
			for _, fn := range funcs {
				a := frame.Agg{Column: col, Func: frame.AggFunc(fn)}
				if len(funcs) > 1 {
					a.As = col + "_" + fn
				}
				aggs = append(aggs, a)
			}
		}
	}
	out, err := v.f.GroupBy(by, aggs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return newFrameValue(out), nil
}

func aggregate(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var col string
	if err := starlark.UnpackArgs(fnname, args, kwargs, "column", &col); err != nil {
		return nil, err
	}
	res, err := v.f.Aggregate(col, frame.AggFunc(fnname))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return toValue(res), nil
}

func unique(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var col string
	if err := starlark.UnpackArgs(fnname, args, kwargs, "column", &col); err != nil {
		return nil, err
	}
	vals, err := v.f.Unique(col)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return listOf(vals), nil
}

func merge(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var other *frameValue
	var on, leftOn, rightOn starlark.Value = starlark.None, starlark.None, starlark.None
	how := "inner"
	if err := starlark.UnpackArgs(fnname, args, kwargs,
		"other", &other, "on?", &on, "left_on?", &leftOn, "right_on?", &rightOn, "how?", &how); err != nil {
		return nil, err
	}
	var left, right []string
	var err error
	switch {
	case on != starlark.None:
		if left, err = stringList(fnname, on); err != nil {
			return nil, err
		}
		right = left
	case leftOn != starlark.None && rightOn != starlark.None:
		if left, err = stringList(fnname, leftOn); err != nil {
			return nil, err
		}
		if right, err = stringList(fnname, rightOn); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s: pass on= or both left_on= and right_on=", fnname)
	}
	out, err := v.f.Merge(other.f, left, right, how)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnname, err)
	}
	return newFrameValue(out), nil
}

func rows(_ *starlark.Thread, v *frameValue, fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fnname, args, kwargs); err != nil {
		return nil, err
	}
	elems := make([]starlark.Value, v.f.Len())
	for i := range elems {
		elems[i] = rowDict(v.f, i)
	}
	return starlark.NewList(elems), nil
}

// newDataFrame implements DataFrame(records) and DataFrame(columns=[...], rows=[[...]]).
func newDataFrame(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data, columns, rowsVal starlark.Value = starlark.None, starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data?", &data, "columns?", &columns, "rows?", &rowsVal); err != nil {
		return nil, err
	}
	if columns != starlark.None {
		cols, err := stringList(b.Name(), columns)
		if err != nil {
			return nil, err
		}
		src := data
		if rowsVal != starlark.None {
			src = rowsVal
		}
		var out [][]any
		if src != starlark.None {
			recs, ok := sequenceValues(src)
			if !ok {
				return nil, fmt.Errorf("%s: rows must be a list of lists", b.Name())
			}
			for _, r := range recs {
				cells, ok := sequenceValues(r)
				if !ok {
					return nil, fmt.Errorf("%s: rows must be a list of lists", b.Name())
				}
				row := make([]any, len(cells))
				for i, c := range cells {
					row[i] = fromValue(c)
				}
				out = append(out, row)
			}
		}
		return newFrameValue(frame.New(cols, out)), nil
	}
	switch d := data.(type) {
	case starlark.NoneType:
		return newFrameValue(frame.New(nil, nil)), nil
	case *frameValue:
		return newFrameValue(d.f.Clone()), nil
	case *starlark.Dict:
		f, err := frameFromColumns(b.Name(), d)
		if err != nil {
			return nil, err
		}
		return newFrameValue(f), nil
	}
	recs, ok := sequenceValues(data)
	if !ok {
		return nil, fmt.Errorf("%s: expected a list of dicts, a dict of lists or columns= and rows=", b.Name())
	}
	f, err := frameFromRecords(b.Name(), recs)
	if err != nil {
		return nil, err
	}
	return newFrameValue(f), nil
}
