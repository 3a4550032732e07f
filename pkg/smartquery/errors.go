package smartquery

import "fmt"

// ErrorKind names the stage-scoped error taxonomy.
type ErrorKind string

const (
	KindSourceSelection  ErrorKind = "source_selection"
	KindSourceLoad       ErrorKind = "source_load"
	KindNoEnabledSources ErrorKind = "no_enabled_sources"
	KindCodeGeneration   ErrorKind = "code_generation"
	KindCodeExecution    ErrorKind = "code_execution"
	KindResultFormatting ErrorKind = "result_formatting"
	KindInvalidQuery     ErrorKind = "invalid_query"
	KindCanceled         ErrorKind = "canceled"
	KindInternal         ErrorKind = "internal"
)

// StageError is implemented by every typed workflow error.
type StageError interface {
	error
	Kind() ErrorKind
}

type SourceSelectionError struct {
	Msg string
	Err error
}

func (e *SourceSelectionError) Error() string   { return format("source selection failed", e.Msg, e.Err) }
func (e *SourceSelectionError) Unwrap() error   { return e.Err }
func (e *SourceSelectionError) Kind() ErrorKind { return KindSourceSelection }

type SourceLoadError struct {
	Msg string
	Err error
}

func (e *SourceLoadError) Error() string   { return format("source loading failed", e.Msg, e.Err) }
func (e *SourceLoadError) Unwrap() error   { return e.Err }
func (e *SourceLoadError) Kind() ErrorKind { return KindSourceLoad }

type NoEnabledSourcesError struct {
	Msg string
}

func (e *NoEnabledSourcesError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "no sources are enabled for question answering; enable at least one source first"
}
func (e *NoEnabledSourcesError) Kind() ErrorKind { return KindNoEnabledSources }

type CodeGenerationError struct {
	Msg string
	Err error
}

func (e *CodeGenerationError) Error() string   { return format("code generation failed", e.Msg, e.Err) }
func (e *CodeGenerationError) Unwrap() error   { return e.Err }
func (e *CodeGenerationError) Kind() ErrorKind { return KindCodeGeneration }

type CodeExecutionError struct {
	Msg string
	Err error
}

func (e *CodeExecutionError) Error() string   { return format("code execution failed", e.Msg, e.Err) }
func (e *CodeExecutionError) Unwrap() error   { return e.Err }
func (e *CodeExecutionError) Kind() ErrorKind { return KindCodeExecution }

type ResultFormattingError struct {
	Msg string
	Err error
}

func (e *ResultFormattingError) Error() string   { return format("result formatting failed", e.Msg, e.Err) }
func (e *ResultFormattingError) Unwrap() error   { return e.Err }
func (e *ResultFormattingError) Kind() ErrorKind { return KindResultFormatting }

func format(prefix, msg string, err error) string {
	switch {
	case msg != "" && err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, msg, err)
	case msg != "":
		return fmt.Sprintf("%s: %s", prefix, msg)
	case err != nil:
		return fmt.Sprintf("%s: %v", prefix, err)
	}
	return prefix
}
