package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

const (
	defaultRowLimit = 100
	defaultMaxRows  = 10_000
)

type Config struct {
	Logger      *slog.Logger
	Connections *ConnectionManager
	// RowLimit is appended to queries that carry no limit of their own.
	RowLimit int
	// MaxRows caps the rows read from any result set.
	MaxRows int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Connections == nil {
		return errors.New("connection manager is required")
	}
	if c.RowLimit == 0 {
		c.RowLimit = defaultRowLimit
	}
	if c.MaxRows == 0 {
		c.MaxRows = defaultMaxRows
	}
	return nil
}

// Executor runs generated SQL over the acting user's pooled connection.
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

// Execute fails fast with ErrNotConnected when the user has no connection.
func (e *Executor) Execute(ctx context.Context, userID string, code string, _ []smartquery.LoadedSource) (smartquery.ExecutionResult, error) {
	conn, err := e.cfg.Connections.Conn(userID)
	if err != nil {
		return smartquery.ExecutionResult{}, &smartquery.CodeExecutionError{
			Msg: fmt.Sprintf("user %q has no database connection; connect before querying", userID),
			Err: err,
		}
	}

	query, limited := conn.Dialect().ApplyLimit(code, e.cfg.RowLimit)
	if limited {
		e.log.Debug("sqlexec: applied row limit", "limit", e.cfg.RowLimit)
	}

	qr, err := conn.Query(ctx, query, e.cfg.MaxRows)
	if err != nil {
		return smartquery.ExecutionResult{}, &smartquery.CodeExecutionError{Msg: "query failed", Err: err}
	}
	if qr.Truncated {
		e.log.Warn("sqlexec: result set cut at max rows", "user", userID, "max_rows", e.cfg.MaxRows)
	}

	res := smartquery.TabularResult(qr.Columns, qr.Rows)
	res.LimitApplied = limited
	res.Truncated = qr.Truncated
	return res, nil
}
