// Package sandbox runs generated analysis scripts against loaded spreadsheet frames.
//
// Scripts are Starlark. The only names a script can reach are the dataset variables, the
// DataFrame constructor and the Starlark builtins: there is no load statement and no
// filesystem, network or process access. The namespace is restricted, but the interpreter is
// not a security boundary against hostile code beyond its step budget.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

const (
	defaultMaxSteps  = 10_000_000
	defaultMaxOutput = 64 << 10

	// ResultVar is read when a script does not end with an expression.
	ResultVar = "result"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

type Config struct {
	Logger *slog.Logger
	// MaxSteps bounds the interpreter's work per script.
	MaxSteps uint64
	// MaxOutput caps the captured print output in bytes.
	MaxOutput int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.MaxOutput == 0 {
		c.MaxOutput = defaultMaxOutput
	}
	return nil
}

type Executor struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Execute runs code with each loaded source bound to its variable name. The result is the
// value of the final expression statement, else the result variable, else the printed output.
// The user id is unused; file datasets are already materialized per run.
func (e *Executor) Execute(ctx context.Context, _ string, code string, sources []smartquery.LoadedSource) (smartquery.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return smartquery.ExecutionResult{}, &smartquery.CodeExecutionError{Msg: "canceled", Err: err}
	}

	globals := starlark.StringDict{
		"DataFrame": starlark.NewBuiltin("DataFrame", newDataFrame),
	}
	bound := make([]string, 0, len(sources))
	for _, ls := range sources {
		if ls.Frame == nil {
			return smartquery.ExecutionResult{}, &smartquery.CodeExecutionError{Msg: fmt.Sprintf("source %s has no data loaded", ls.Source.Name())}
		}
		globals[ls.VarName] = newFrameValue(ls.Frame)
		bound = append(bound, ls.VarName)
	}

	f, err := fileOptions.Parse("analysis.star", code, 0)
	if err != nil {
		return smartquery.ExecutionResult{}, &smartquery.CodeExecutionError{Msg: "invalid script", Err: err}
	}
	var last syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if es, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			last = es.X
			f.Stmts = f.Stmts[:n-1]
		}
	}

	out := &outputBuffer{max: e.cfg.MaxOutput}
	thread := &starlark.Thread{
		Name:  "analysis",
		Print: func(_ *starlark.Thread, msg string) { out.writeLine(msg) },
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load is not available")
		},
	}
	thread.SetMaxExecutionSteps(e.cfg.MaxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	if err := starlark.ExecREPLChunk(f, thread, globals); err != nil {
		return smartquery.ExecutionResult{}, e.execError(ctx, err, bound)
	}

	var val starlark.Value
	if last != nil {
		val, err = starlark.EvalExprOptions(fileOptions, thread, last, globals)
		if err != nil {
			return smartquery.ExecutionResult{}, e.execError(ctx, err, bound)
		}
	} else if v, ok := globals[ResultVar]; ok {
		val = v
	}
	e.log.Debug("sandbox: script finished", "steps", thread.ExecutionSteps(), "output_bytes", out.sb.Len())

	if val == nil || val == starlark.None {
		if out.sb.Len() > 0 {
			return smartquery.TextResult(out.String()), nil
		}
		if val == nil {
			return smartquery.ExecutionResult{}, &smartquery.CodeExecutionError{
				Msg: fmt.Sprintf("script produced no result; end with an expression or assign %q", ResultVar),
			}
		}
	}
	return toResult(val, out.String())
}

func (e *Executor) execError(ctx context.Context, err error, bound []string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &smartquery.CodeExecutionError{Msg: "canceled", Err: ctxErr}
	}
	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) {
		return &smartquery.CodeExecutionError{
			Msg: fmt.Sprintf("script references undefined names (available datasets: %s)", strings.Join(bound, ", ")),
			Err: err,
		}
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		e.log.Debug("sandbox: script failed", "backtrace", evalErr.Backtrace())
	}
	return &smartquery.CodeExecutionError{Msg: "script failed", Err: err}
}

// toResult maps a script value onto the tagged execution result.
func toResult(val starlark.Value, printed string) (smartquery.ExecutionResult, error) {
	switch v := val.(type) {
	case *frameValue:
		return smartquery.TabularResult(append([]string(nil), v.f.Columns...), v.f.Clone().Rows), nil
	case starlark.NoneType, starlark.Bool, starlark.Int, starlark.Float:
		return smartquery.ScalarResult(fromValue(v)), nil
	case starlark.String:
		return smartquery.TextResult(string(v)), nil
	case *starlark.Dict:
		if f, err := frameFromColumns("result", v); err == nil {
			return smartquery.TabularResult(f.Columns, f.Rows), nil
		}
		f, err := frameFromRecords("result", []starlark.Value{v})
		if err != nil {
			return smartquery.TextResult(v.String()), nil
		}
		return smartquery.TabularResult(f.Columns, f.Rows), nil
	}
	if elems, ok := sequenceValues(val); ok {
		if len(elems) > 0 {
			if _, isDict := elems[0].(*starlark.Dict); isDict {
				if f, err := frameFromRecords("result", elems); err == nil {
					return smartquery.TabularResult(f.Columns, f.Rows), nil
				}
			}
		}
		rows := make([][]any, len(elems))
		for i, x := range elems {
			rows[i] = []any{fromValue(x)}
		}
		return smartquery.TabularResult([]string{"value"}, rows), nil
	}
	if printed != "" {
		return smartquery.TextResult(printed), nil
	}
	return smartquery.TextResult(val.String()), nil
}

type outputBuffer struct {
	sb        strings.Builder
	max       int
	truncated bool
}

func (b *outputBuffer) writeLine(s string) {
	if b.truncated {
		return
	}
	if b.sb.Len()+len(s)+1 > b.max {
		b.truncated = true
		b.sb.WriteString("...\n")
		return
	}
	b.sb.WriteString(s)
	b.sb.WriteString("\n")
}

func (b *outputBuffer) String() string { return strings.TrimRight(b.sb.String(), "\n") }
