package smartquery

// ResultKind tags the shape of an ExecutionResult.
type ResultKind string

const (
	ResultTabular ResultKind = "tabular"
	ResultScalar  ResultKind = "scalar"
	ResultText    ResultKind = "text"
)

// ExecutionResult is the raw output of running generated code. Exactly the fields matching
// Kind are set.
type ExecutionResult struct {
	Kind ResultKind

	// Tabular
	Columns []string
	Rows    [][]any

	// Scalar
	Scalar any

	// Text
	Text string

	// LimitApplied is set when the executor added its own row limit to the query.
	LimitApplied bool
	// Truncated is set when the executor stopped reading rows at its own cap, so Rows is a
	// prefix of the full result.
	Truncated bool
}

func TabularResult(columns []string, rows [][]any) ExecutionResult {
	return ExecutionResult{Kind: ResultTabular, Columns: columns, Rows: rows}
}

func ScalarResult(v any) ExecutionResult {
	return ExecutionResult{Kind: ResultScalar, Scalar: v}
}

func TextResult(s string) ExecutionResult {
	return ExecutionResult{Kind: ResultText, Text: s}
}
