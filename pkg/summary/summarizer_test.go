package summary

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/smartquery/pkg/llm"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

func testTable() smartquery.CanonicalTable {
	return smartquery.CanonicalTable{
		Columns: []smartquery.TableColumn{{Key: "project", Label: "project"}, {Key: "amount", Label: "contract_amount"}},
		Rows:    []map[string]any{{"project": "Tunnel", "amount": 5400.0}},
		Total:   1,
	}
}

func newSummarizer(t *testing.T, client llm.Client) *Summarizer {
	t.Helper()
	s, err := New(&Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), LLM: client})
	require.NoError(t, err)
	return s
}

func TestSummary_UsesLLMResponse(t *testing.T) {
	t.Parallel()

	var gotUser string
	s := newSummarizer(t, llm.ClientFunc(func(ctx context.Context, system, user string) (string, error) {
		gotUser = user
		return "  Tunnel has the highest contract amount at 5400.  ", nil
	}))

	out, err := s.Summarize(context.Background(), "which project has the highest contract amount", testTable(), Context{Sources: []string{"projects.xlsx"}})
	require.NoError(t, err)
	require.Equal(t, "Tunnel has the highest contract amount at 5400.", out)
	require.Contains(t, gotUser, "Question: which project has the highest contract amount")
	require.Contains(t, gotUser, "Data sources: projects.xlsx")
	require.Contains(t, gotUser, "project | contract_amount\nTunnel | 5400.00\n")
}

func TestSummary_FallsBackOnError(t *testing.T) {
	t.Parallel()

	s := newSummarizer(t, llm.ClientFunc(func(ctx context.Context, system, user string) (string, error) {
		return "", errors.New("rate limited")
	}))

	out, err := s.Summarize(context.Background(), "q", testTable(), Context{Sources: []string{"orders", "customers"}})
	require.Error(t, err)
	require.Equal(t, "Query completed: 1 rows returned. Sources involved: orders, customers.", out)
}

func TestSummary_FallsBackOnEmptyResponse(t *testing.T) {
	t.Parallel()

	s := newSummarizer(t, llm.ClientFunc(func(ctx context.Context, system, user string) (string, error) {
		return "   ", nil
	}))

	out, err := s.Summarize(context.Background(), "q", testTable(), Context{})
	require.Error(t, err)
	require.Equal(t, "Query completed: 1 rows returned.", out)
}

func TestSummary_CapsLength(t *testing.T) {
	t.Parallel()

	s := newSummarizer(t, llm.ClientFunc(func(ctx context.Context, system, user string) (string, error) {
		return strings.Repeat("a", 600), nil
	}))

	out, err := s.Summarize(context.Background(), "q", testTable(), Context{})
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("a", 500)+"...", out)
}

func TestSummary_FormatTable(t *testing.T) {
	t.Parallel()

	table := smartquery.CanonicalTable{Columns: []smartquery.TableColumn{{Key: "n", Label: "n"}}}
	require.Equal(t, "(no rows)\n", FormatTable(table, 5))

	for i := 0; i < 4; i++ {
		table.Rows = append(table.Rows, map[string]any{"n": int64(i)})
	}
	require.Equal(t, "n\n0\n1\n... and 2 more rows\n", FormatTable(table, 2))
}
