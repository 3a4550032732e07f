package workflow_test

import (
	"context"
	"database/sql"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/smartquery/pkg/catalog"
	"github.com/malbeclabs/smartquery/pkg/codegen"
	"github.com/malbeclabs/smartquery/pkg/dataset"
	"github.com/malbeclabs/smartquery/pkg/llm"
	"github.com/malbeclabs/smartquery/pkg/sandbox"
	"github.com/malbeclabs/smartquery/pkg/selector"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
	"github.com/malbeclabs/smartquery/pkg/sqlexec"
	"github.com/malbeclabs/smartquery/pkg/summary"
	"github.com/malbeclabs/smartquery/pkg/workflow"
)

var (
	logger *slog.Logger
)

func TestMain(m *testing.M) {
	flag.Parse()
	verbose := false
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		verbose = true
	}
	if verbose {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	os.Exit(m.Run())
}

var epoch = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

// scriptedLLM answers with the same response every call and counts calls.
type scriptedLLM struct {
	response string
	err      error
	calls    atomic.Int32
}

func (m *scriptedLLM) Complete(_ context.Context, _, _ string, _ ...llm.CompleteOption) (string, error) {
	m.calls.Add(1)
	return m.response, m.err
}

type mockGenerator struct {
	GenerateFunc func(ctx context.Context, query string, sources []smartquery.LoadedSource) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, query string, sources []smartquery.LoadedSource) (string, error) {
	return m.GenerateFunc(ctx, query, sources)
}

type mockExecutor struct {
	ExecuteFunc func(ctx context.Context, userID, code string, sources []smartquery.LoadedSource) (smartquery.ExecutionResult, error)
}

func (m *mockExecutor) Execute(ctx context.Context, userID, code string, sources []smartquery.LoadedSource) (smartquery.ExecutionResult, error) {
	return m.ExecuteFunc(ctx, userID, code, sources)
}

type fileFixture struct {
	selectLLM  *scriptedLLM
	codeLLM    *scriptedLLM
	summaryLLM *scriptedLLM
	cfg        *workflow.Config
}

const projectsCSV = "project,contract_amount\nBridge,1200\nTunnel,5400\nRoad,300\n"

// newFileFixture wires the file variant end to end over a temp upload dir. Only the LLM is
// scripted.
func newFileFixture(t *testing.T, sources ...smartquery.Source) *fileFixture {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "projects.csv"), []byte(projectsCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "regions.csv"), []byte("project,region\nTunnel,north\n"), 0o644))
	if sources == nil {
		sources = []smartquery.Source{{
			ID:          "f-projects",
			DisplayName: "projects.csv",
			Kind:        smartquery.KindFile,
			ArtifactKey: "projects.csv",
			Columns:     []smartquery.Column{{Name: "project"}, {Name: "contract_amount"}},
		}}
	}
	store, err := catalog.NewStaticStore(sources)
	require.NoError(t, err)
	local, err := dataset.NewLocalStore(root)
	require.NoError(t, err)
	loader, err := dataset.NewLoader(&dataset.LoaderConfig{Logger: logger, Store: local})
	require.NoError(t, err)
	cat, err := catalog.NewFileCatalog(&catalog.FileCatalogConfig{Logger: logger, Store: store, Loader: loader})
	require.NoError(t, err)

	f := &fileFixture{
		selectLLM:  &scriptedLLM{response: "projects.csv"},
		codeLLM:    &scriptedLLM{response: "```python\ndf.nlargest(1, \"contract_amount\")\n```"},
		summaryLLM: &scriptedLLM{response: "Tunnel has the highest contract amount at 5,400."},
	}
	sel, err := selector.NewFileSelector(logger, f.selectLLM)
	require.NoError(t, err)
	gen, err := codegen.New(&codegen.Config{Logger: logger, LLM: f.codeLLM, Kind: smartquery.KindFile})
	require.NoError(t, err)
	exec, err := sandbox.New(&sandbox.Config{Logger: logger})
	require.NoError(t, err)
	sum, err := summary.New(&summary.Config{Logger: logger, LLM: f.summaryLLM})
	require.NoError(t, err)

	f.cfg = &workflow.Config{
		Logger:     logger,
		Variant:    smartquery.KindFile,
		Catalog:    cat,
		Selector:   sel,
		Generator:  gen,
		Executor:   exec,
		Summarizer: sum,
		Clock:      clockwork.NewFakeClockAt(epoch),
	}
	return f
}

func newEngine(t *testing.T, cfg *workflow.Config) *workflow.Engine {
	t.Helper()
	e, err := workflow.New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

type tableFixture struct {
	selectLLM *scriptedLLM
	codeLLM   *scriptedLLM
	creds     *sqlexec.Credentials
	conns     *sqlexec.ConnectionManager
	cfg       *workflow.Config
}

const joinSQL = "```sql\nSELECT customers.name, SUM(orders.amount) AS total_amount\n" +
	"FROM orders\nINNER JOIN customers ON customers.id = orders.customer_id\n" +
	"GROUP BY customers.name\nORDER BY total_amount DESC;\n```"

// newTableFixture wires the table variant over a seeded SQLite database.
func newTableFixture(t *testing.T) *tableFixture {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "sales.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	for _, stmt := range []string{
		"CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)",
		"CREATE TABLE orders (customer_id INTEGER, amount REAL)",
		"INSERT INTO customers VALUES (1, 'Ada'), (2, 'Grace')",
		"INSERT INTO orders VALUES (1, 10.0), (2, 5.0), (1, 2.5)",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	store, err := catalog.NewStaticStore([]smartquery.Source{
		{
			ID: "t-orders", DisplayName: "orders", Kind: smartquery.KindTable, EnabledForQA: true,
			Columns:     []smartquery.Column{{Name: "customer_id", Type: "INTEGER"}, {Name: "amount", Type: "REAL"}},
			PreviewRows: [][]any{{int64(1), 10.0}},
		},
		{
			ID: "t-customers", DisplayName: "customers", Kind: smartquery.KindTable, EnabledForQA: true,
			Columns:     []smartquery.Column{{Name: "id", Type: "INTEGER"}, {Name: "name", Type: "TEXT"}},
			PreviewRows: [][]any{{int64(1), "Ada"}},
		},
	})
	require.NoError(t, err)

	conns, err := sqlexec.NewConnectionManager(&sqlexec.ConnectionManagerConfig{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conns.Close() })
	cat, err := catalog.NewTableCatalog(&catalog.TableCatalogConfig{Logger: logger, Store: store, Connections: conns})
	require.NoError(t, err)
	t.Cleanup(cat.Close)

	f := &tableFixture{
		selectLLM: &scriptedLLM{response: `{"selected": ["orders", "customers"], "reason": "amounts live in orders, names in customers"}`},
		codeLLM:   &scriptedLLM{response: joinSQL},
		creds:     &sqlexec.Credentials{Dialect: sqlexec.SQLite, DSN: dsn},
		conns:     conns,
	}
	sel, err := selector.NewTableSelector(logger, f.selectLLM)
	require.NoError(t, err)
	gen, err := codegen.New(&codegen.Config{Logger: logger, LLM: f.codeLLM, Kind: smartquery.KindTable, SQLDialect: string(sqlexec.SQLite)})
	require.NoError(t, err)
	exec, err := sqlexec.New(&sqlexec.Config{Logger: logger, Connections: conns})
	require.NoError(t, err)
	sum, err := summary.New(&summary.Config{Logger: logger, LLM: &scriptedLLM{response: "Ada spent the most."}})
	require.NoError(t, err)

	f.cfg = &workflow.Config{
		Logger:     logger,
		Variant:    smartquery.KindTable,
		Catalog:    cat,
		Selector:   sel,
		Generator:  gen,
		Executor:   exec,
		Summarizer: sum,
		Clock:      clockwork.NewFakeClockAt(epoch),
	}
	return f
}

// stagesOf returns the stage of each step, and the status of each step, in order.
func stagesOf(steps []workflow.Step) ([]workflow.Stage, []workflow.StepStatus) {
	stages := make([]workflow.Stage, len(steps))
	statuses := make([]workflow.StepStatus, len(steps))
	for i, s := range steps {
		stages[i] = s.Stage
		statuses[i] = s.Status
	}
	return stages, statuses
}
