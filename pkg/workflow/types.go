package workflow

import (
	"context"
	"time"

	"github.com/malbeclabs/smartquery/pkg/catalog"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
	"github.com/malbeclabs/smartquery/pkg/sqlexec"
	"github.com/malbeclabs/smartquery/pkg/summary"
)

// Stage is a state of the run state machine. Stages run in the order of Stages.
type Stage string

const (
	StageSourceLoading    Stage = "source_loading"
	StageSourceSelection  Stage = "source_selection"
	StageDataLoading      Stage = "data_loading"
	StageCodeGeneration   Stage = "code_generation"
	StageCodeExecution    Stage = "code_execution"
	StageResultFormatting Stage = "result_formatting"
	StageSummary          Stage = "summary"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageSourceLoading,
	StageSourceSelection,
	StageDataLoading,
	StageCodeGeneration,
	StageCodeExecution,
	StageResultFormatting,
	StageSummary,
}

// State is the terminal state of a run.
type State string

const (
	StateDone   State = "done"
	StateFailed State = "failed"
)

type StepStatus string

const (
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
)

// Step records one stage transition.
type Step struct {
	Stage     Stage          `json:"stage"`
	Status    StepStatus     `json:"status"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Data is the payload of a successful run.
type Data struct {
	Table         smartquery.CanonicalTable  `json:"canonical_table"`
	GeneratedCode string                     `json:"generated_code"`
	Summary       string                     `json:"summary"`
	UsedSources   []string                   `json:"used_sources"`
	Selection     smartquery.SelectionResult `json:"selection"`
}

// Result is the terminal value of a run. Steps holds every step recorded, including those of
// a failed run.
type Result struct {
	RunID     string               `json:"run_id"`
	Success   bool                 `json:"success"`
	State     State                `json:"state"`
	Data      *Data                `json:"data,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorKind smartquery.ErrorKind `json:"error_kind,omitempty"`
	Steps     []Step               `json:"steps"`
	Warnings  []string             `json:"warnings,omitempty"`
}

type EventType string

const (
	EventStep  EventType = "step"
	EventFinal EventType = "final"
)

// Event is one element of a run stream. Step events carry Step; the final event carries Result.
type Event struct {
	Type   EventType `json:"type"`
	Step   *Step     `json:"step,omitempty"`
	Result *Result   `json:"result,omitempty"`
}

// Options tune a single run.
type Options struct {
	// Credentials open the user's database connection when none exists yet.
	Credentials *sqlexec.Credentials
	// RefreshSamples re-reads table samples instead of using the catalog's.
	RefreshSamples bool
	// Page and PageSize paginate the returned table. A zero page size returns every row.
	Page     int
	PageSize int
}

// Catalog lists and materializes sources.
type Catalog interface {
	List(ctx context.Context, userID string) ([]smartquery.Source, error)
	Load(ctx context.Context, req catalog.LoadRequest) (catalog.LoadResult, error)
}

type Selector interface {
	Select(ctx context.Context, query string, sources []smartquery.Source) (smartquery.SelectionResult, error)
}

type Generator interface {
	Generate(ctx context.Context, query string, sources []smartquery.LoadedSource) (string, error)
}

// Executor runs generated code for a user against the loaded sources.
type Executor interface {
	Execute(ctx context.Context, userID string, code string, sources []smartquery.LoadedSource) (smartquery.ExecutionResult, error)
}

type Normalizer interface {
	Normalize(res smartquery.ExecutionResult) smartquery.CanonicalTable
}

// Summarizer always returns a usable summary; a non-nil error means it is the fallback.
type Summarizer interface {
	Summarize(ctx context.Context, query string, table smartquery.CanonicalTable, sc summary.Context) (string, error)
}
