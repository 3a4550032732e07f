// Package workflow runs a natural-language question through the smart query stages: source
// listing, selection, data loading, code generation, execution, normalization and summary.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/smartquery/pkg/catalog"
	"github.com/malbeclabs/smartquery/pkg/normalize"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
	"github.com/malbeclabs/smartquery/pkg/summary"
)

const defaultPoolSize = 4

var runningMessages = map[Stage]string{
	StageSourceLoading:    "listing sources",
	StageSourceSelection:  "selecting sources",
	StageDataLoading:      "loading data",
	StageCodeGeneration:   "generating code",
	StageCodeExecution:    "executing code",
	StageResultFormatting: "formatting result",
	StageSummary:          "summarizing result",
}

type Config struct {
	Logger     *slog.Logger
	Variant    smartquery.Kind
	Catalog    Catalog
	Selector   Selector
	Generator  Generator
	Executor   Executor
	Normalizer Normalizer
	Summarizer Summarizer
	// PoolSize bounds the blocking stage work running at once across all runs.
	PoolSize int
	Clock    clockwork.Clock
	// MaxRows caps the rows of the default normalizer's tables.
	MaxRows int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	switch c.Variant {
	case smartquery.KindFile, smartquery.KindTable:
	case "":
		return errors.New("variant is required")
	default:
		return fmt.Errorf("unknown variant %q", c.Variant)
	}
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Selector == nil {
		return errors.New("selector is required")
	}
	if c.Generator == nil {
		return errors.New("generator is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.Summarizer == nil {
		return errors.New("summarizer is required")
	}
	if c.Normalizer == nil {
		c.Normalizer = normalize.Normalizer{MaxRows: c.MaxRows}
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine runs workflows. Runs share nothing but the worker pool and are safe to start
// concurrently.
type Engine struct {
	log  *slog.Logger
	cfg  *Config
	pool pond.Pool
}

func New(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewPool(cfg.PoolSize),
	}, nil
}

// Close stops the worker pool without waiting for in-flight stage work. Stage work submitted
// once the pool has stopped fails.
func (e *Engine) Close() {
	e.pool.Stop()
}

// Run blocks until the run is done or failed. It never panics and never returns nil.
func (e *Engine) Run(ctx context.Context, query, userID string, opts Options) *Result {
	return e.run(ctx, query, userID, opts, nil)
}

// RunStream starts a run and returns its events: every step in emission order, then one final
// event carrying the same Result Run would return. The channel is closed after the final event.
func (e *Engine) RunStream(ctx context.Context, query, userID string, opts Options) <-chan Event {
	// Sized so the run never blocks on a slow reader.
	events := make(chan Event, 2*len(Stages)+1)
	go func() {
		defer close(events)
		res := e.run(ctx, query, userID, opts, func(s Step) {
			events <- Event{Type: EventStep, Step: &s}
		})
		events <- Event{Type: EventFinal, Result: res}
	}()
	return events
}

type runState struct {
	e       *Engine
	log     *slog.Logger
	res     *Result
	onStep  func(Step)
	current Stage
}

func (e *Engine) run(ctx context.Context, query, userID string, opts Options, onStep func(Step)) (res *Result) {
	r := &runState{
		e:      e,
		res:    &Result{RunID: uuid.NewString(), Steps: []Step{}},
		onStep: onStep,
	}
	r.log = e.log.With("run_id", r.res.RunID, "variant", e.cfg.Variant)
	started := e.cfg.Clock.Now()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("workflow: run panicked", "stage", r.current, "panic", p, "stack", string(debug.Stack()))
			r.fail(r.current, fmt.Errorf("%w: %v", pond.ErrPanic, p))
		}
		status := metricsStatusSuccess
		if !r.res.Success {
			status = metricsStatusFailed
		}
		metricsRunsTotal.WithLabelValues(string(e.cfg.Variant), status).Inc()
		r.log.Info("workflow: run finished", "success", r.res.Success, "steps", len(r.res.Steps), "duration", e.cfg.Clock.Since(started))
		res = r.res
	}()

	if err := smartquery.ValidateQuery(query); err != nil {
		r.res.State = StateFailed
		r.res.Error = err.Error()
		r.res.ErrorKind = smartquery.KindInvalidQuery
		return r.res
	}
	query = strings.TrimSpace(query)
	r.log.Info("workflow: run started", "user", userID)

	var sources []smartquery.Source
	if !r.stage(StageSourceLoading, func() (string, map[string]any, error) {
		var err error
		sources, err = offload(ctx, e.pool, func() ([]smartquery.Source, error) {
			return e.cfg.Catalog.List(ctx, userID)
		})
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("found %d sources", len(sources)), map[string]any{"sources": sourceNames(sources)}, nil
	}) {
		return r.res
	}

	var selection smartquery.SelectionResult
	if !r.stage(StageSourceSelection, func() (string, map[string]any, error) {
		var err error
		selection, err = offload(ctx, e.pool, func() (smartquery.SelectionResult, error) {
			return e.cfg.Selector.Select(ctx, query, sources)
		})
		if err != nil {
			return "", nil, err
		}
		if len(selection.SourceIDs) == 0 {
			return "", nil, &smartquery.SourceSelectionError{Msg: "no source was selected"}
		}
		if selection.Fallback {
			r.warn("source selection fell back: " + selection.Rationale)
		}
		return fmt.Sprintf("selected %d of %d sources", len(selection.SourceIDs), len(sources)), map[string]any{
			"selected":  selection.SourceIDs,
			"rationale": selection.Rationale,
			"used_llm":  selection.UsedLLM,
			"fallback":  selection.Fallback,
		}, nil
	}) {
		return r.res
	}

	var loaded []smartquery.LoadedSource
	if !r.stage(StageDataLoading, func() (string, map[string]any, error) {
		lr, err := offload(ctx, e.pool, func() (catalog.LoadResult, error) {
			return e.cfg.Catalog.Load(ctx, catalog.LoadRequest{
				UserID:         userID,
				SourceIDs:      selection.SourceIDs,
				Credentials:    opts.Credentials,
				RefreshSamples: opts.RefreshSamples,
			})
		})
		if err != nil {
			return "", nil, err
		}
		if len(lr.Sources) == 0 {
			return "", nil, &smartquery.SourceLoadError{Msg: "no source was loaded"}
		}
		loaded = lr.Sources
		for _, w := range lr.Warnings {
			r.warn(w)
		}
		vars := make(map[string]string, len(loaded))
		for _, l := range loaded {
			vars[l.Source.Name()] = l.VarName
		}
		return fmt.Sprintf("loaded %d sources", len(loaded)), map[string]any{"variables": vars, "skipped": lr.Warnings}, nil
	}) {
		return r.res
	}

	var code string
	if !r.stage(StageCodeGeneration, func() (string, map[string]any, error) {
		var err error
		code, err = offload(ctx, e.pool, func() (string, error) {
			return e.cfg.Generator.Generate(ctx, query, loaded)
		})
		if err != nil {
			return "", nil, err
		}
		if strings.TrimSpace(code) == "" {
			return "", nil, &smartquery.CodeGenerationError{Msg: "generator returned no code"}
		}
		return fmt.Sprintf("generated %d lines of code", strings.Count(code, "\n")+1), map[string]any{"code": code}, nil
	}) {
		return r.res
	}

	var execRes smartquery.ExecutionResult
	if !r.stage(StageCodeExecution, func() (string, map[string]any, error) {
		var err error
		execRes, err = offload(ctx, e.pool, func() (smartquery.ExecutionResult, error) {
			return e.cfg.Executor.Execute(ctx, userID, code, loaded)
		})
		if err != nil {
			return "", nil, err
		}
		if execRes.LimitApplied {
			r.warn("a row limit was applied to the query")
		}
		if execRes.Truncated {
			r.warn(fmt.Sprintf("the result was cut at %d rows; more rows matched the query", len(execRes.Rows)))
		}
		return describeResult(execRes), map[string]any{
			"result_kind":   execRes.Kind,
			"limit_applied": execRes.LimitApplied,
			"truncated":     execRes.Truncated,
		}, nil
	}) {
		return r.res
	}

	var table smartquery.CanonicalTable
	if !r.stage(StageResultFormatting, func() (string, map[string]any, error) {
		var err error
		table, err = e.normalize(execRes)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("formatted %d rows", table.Total), map[string]any{"columns": table.Labels(), "truncated": table.Truncated}, nil
	}) {
		return r.res
	}

	names := make([]string, len(loaded))
	for i, l := range loaded {
		names[i] = l.Source.Name()
	}
	text := r.summarize(ctx, query, table, summary.Context{Sources: names, Code: code})

	if opts.PageSize > 0 {
		table = table.Paginate(opts.Page, opts.PageSize)
	}
	r.res.Data = &Data{
		Table:         table,
		GeneratedCode: code,
		Summary:       text,
		UsedSources:   names,
		Selection:     selection,
	}
	r.res.Success = true
	r.res.State = StateDone
	return r.res
}

// stage records the running step, runs fn and records its outcome. It reports whether the run
// may continue.
func (r *runState) stage(stage Stage, fn func() (string, map[string]any, error)) bool {
	r.current = stage
	r.step(stage, StatusRunning, runningMessages[stage], nil)
	started := r.e.cfg.Clock.Now()
	msg, details, err := fn()
	metricsStageDuration.WithLabelValues(string(r.e.cfg.Variant), string(stage)).Observe(r.e.cfg.Clock.Since(started).Seconds())
	if err != nil {
		r.fail(stage, err)
		return false
	}
	r.log.Debug("workflow: stage completed", "stage", stage, "message", msg)
	r.step(stage, StatusCompleted, msg, details)
	return true
}

// summarize never fails the run; any summarizer error downgrades to the templated summary and
// a warning.
func (r *runState) summarize(ctx context.Context, query string, table smartquery.CanonicalTable, sc summary.Context) string {
	r.current = StageSummary
	r.step(StageSummary, StatusRunning, runningMessages[StageSummary], nil)
	started := r.e.cfg.Clock.Now()

	type outcome struct {
		text string
		err  error
	}
	out, err := offload(ctx, r.e.pool, func() (outcome, error) {
		text, err := r.e.cfg.Summarizer.Summarize(ctx, query, table, sc)
		return outcome{text: text, err: err}, nil
	})
	if err == nil {
		err = out.err
	}
	metricsStageDuration.WithLabelValues(string(r.e.cfg.Variant), string(StageSummary)).Observe(r.e.cfg.Clock.Since(started).Seconds())

	text := strings.TrimSpace(out.text)
	if err == nil && text != "" {
		r.step(StageSummary, StatusCompleted, "summary generated", nil)
		return text
	}
	if text == "" {
		text = summary.Fallback(table, sc.Sources)
	}
	reason := "summarizer returned nothing"
	if err != nil {
		reason = err.Error()
		if errors.Is(err, pond.ErrPanic) {
			reason = "summarizer panicked"
		}
	}
	r.log.Warn("workflow: using fallback summary", "error", err)
	metricsSummaryFallbacks.WithLabelValues(string(r.e.cfg.Variant)).Inc()
	r.warn("summary fell back to template: " + reason)
	r.step(StageSummary, StatusCompleted, "summary generated from template", map[string]any{"fallback": true, "warning": reason})
	return text
}

func (e *Engine) normalize(res smartquery.ExecutionResult) (table smartquery.CanonicalTable, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("workflow: normalizer panicked", "panic", p, "stack", string(debug.Stack()))
			err = &smartquery.ResultFormattingError{Msg: fmt.Sprintf("normalizer panicked: %v", p)}
		}
	}()
	return e.cfg.Normalizer.Normalize(res), nil
}

func (r *runState) step(stage Stage, status StepStatus, msg string, details map[string]any) {
	s := Step{
		Stage:     stage,
		Status:    status,
		Message:   msg,
		Details:   details,
		Timestamp: r.e.cfg.Clock.Now(),
	}
	r.res.Steps = append(r.res.Steps, s)
	if r.onStep != nil {
		r.onStep(s)
	}
}

func (r *runState) warn(msg string) {
	r.res.Warnings = append(r.res.Warnings, msg)
}

// fail records the failed step and the terminal error. Only a short message is surfaced; the
// full error is logged.
func (r *runState) fail(stage Stage, err error) {
	kind, msg := classify(stage, err)
	r.log.Warn("workflow: stage failed", "stage", stage, "kind", kind, "error", err)
	metricsStageFailures.WithLabelValues(string(r.e.cfg.Variant), string(stage)).Inc()
	r.step(stage, StatusFailed, msg, map[string]any{"error_kind": kind})
	r.res.Success = false
	r.res.State = StateFailed
	r.res.Data = nil
	r.res.Error = msg
	r.res.ErrorKind = kind
}

func classify(stage Stage, err error) (smartquery.ErrorKind, string) {
	switch {
	case errors.Is(err, pond.ErrPanic):
		return smartquery.KindInternal, fmt.Sprintf("internal error during %s", stage)
	case errors.Is(err, pond.ErrPoolStopped):
		return smartquery.KindInternal, "workflow engine is shut down"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return smartquery.KindCanceled, fmt.Sprintf("run canceled during %s: %v", stage, err)
	}
	var stageErr smartquery.StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind(), stageErr.Error()
	}
	wrapped := wrapStageError(stage, err)
	return wrapped.Kind(), wrapped.Error()
}

// wrapStageError types an untyped collaborator error by the stage it came from.
func wrapStageError(stage Stage, err error) smartquery.StageError {
	switch stage {
	case StageSourceSelection:
		return &smartquery.SourceSelectionError{Err: err}
	case StageCodeGeneration:
		return &smartquery.CodeGenerationError{Err: err}
	case StageCodeExecution:
		return &smartquery.CodeExecutionError{Err: err}
	case StageResultFormatting:
		return &smartquery.ResultFormattingError{Err: err}
	default:
		return &smartquery.SourceLoadError{Err: err}
	}
}

// offload runs fn on the pool and waits for it or for ctx. Work abandoned on cancellation keeps
// running in its worker until it returns.
func offload[T any](ctx context.Context, pool pond.Pool, fn func() (T, error)) (T, error) {
	var zero, out T
	task := pool.SubmitErr(func() error {
		v, err := fn()
		out = v
		return err
	})
	select {
	case <-task.Done():
		if err := task.Wait(); err != nil {
			return zero, err
		}
		return out, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func describeResult(res smartquery.ExecutionResult) string {
	switch res.Kind {
	case smartquery.ResultTabular:
		return fmt.Sprintf("returned %d rows", len(res.Rows))
	case smartquery.ResultScalar:
		return "returned a single value"
	default:
		return "returned text output"
	}
}

func sourceNames(sources []smartquery.Source) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	return names
}

