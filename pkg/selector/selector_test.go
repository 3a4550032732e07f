package selector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/smartquery/pkg/llm"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

type mockLLM struct {
	response string
	err      error
	calls    int
	user     string
}

func (m *mockLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...llm.CompleteOption) (string, error) {
	m.calls++
	m.user = userPrompt
	return m.response, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func catalog() []smartquery.Source {
	return []smartquery.Source{
		{ID: "src-orders", DisplayName: "orders", Columns: []smartquery.Column{{Name: "customer_id"}, {Name: "amount"}}, Description: "one row per order"},
		{ID: "src-customers", DisplayName: "customers", Columns: []smartquery.Column{{Name: "id"}, {Name: "name"}}, BusinessContext: "CRM export"},
		{ID: "src-stock", DisplayName: "stock", Columns: []smartquery.Column{{Name: "sku"}}},
	}
}

func TestSelector_EmptyCatalogFails(t *testing.T) {
	t.Parallel()

	m := &mockLLM{}
	s, err := NewFileSelector(testLogger(), m)
	require.NoError(t, err)

	_, err = s.Select(context.Background(), "q", nil)
	var selErr *smartquery.SourceSelectionError
	require.ErrorAs(t, err, &selErr)
	require.Zero(t, m.calls)
}

func TestSelector_SingleSourceSkipsLLM(t *testing.T) {
	t.Parallel()

	for name, ctor := range map[string]func(*slog.Logger, llm.Client) (*Selector, error){
		"file":  NewFileSelector,
		"table": NewTableSelector,
	} {
		t.Run(name, func(t *testing.T) {
			m := &mockLLM{response: "stock"}
			s, err := ctor(testLogger(), m)
			require.NoError(t, err)

			res, err := s.Select(context.Background(), "anything", catalog()[:1])
			require.NoError(t, err)
			require.Equal(t, []string{"src-orders"}, res.SourceIDs)
			require.False(t, res.UsedLLM)
			require.Zero(t, m.calls, "llm must not be called for a single source")
		})
	}
}

func TestSelector_ParsesAnswers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		table    bool
		response string
		want     []string
	}{
		{name: "comma list", response: "orders, customers", want: []string{"src-orders", "src-customers"}},
		{name: "fenced list", response: "```\norders\ncustomers\n```", want: []string{"src-orders", "src-customers"}},
		{name: "ids and case", response: "SRC-STOCK,Orders", want: []string{"src-stock", "src-orders"}},
		{name: "duplicates", response: "orders, orders", want: []string{"src-orders"}},
		{name: "json", table: true, response: "```json\n{\"selected\": [\"customers\", \"orders\"], \"reason\": \"join\"}\n```", want: []string{"src-customers", "src-orders"}},
		{name: "json variant accepts list", table: true, response: "customers", want: []string{"src-customers"}},
		{name: "unknown names dropped", response: "orders, invoices", want: []string{"src-orders"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockLLM{response: tt.response}
			ctor := NewFileSelector
			if tt.table {
				ctor = NewTableSelector
			}
			s, err := ctor(testLogger(), m)
			require.NoError(t, err)

			res, err := s.Select(context.Background(), "total amount by customer name", catalog())
			require.NoError(t, err)
			require.Equal(t, tt.want, res.SourceIDs)
			require.False(t, res.Fallback)
			require.Equal(t, 1, m.calls)
		})
	}
}

func TestSelector_JSONReasonIsRationale(t *testing.T) {
	t.Parallel()

	m := &mockLLM{response: `{"selected": ["orders"], "reason": "orders hold the amounts"}`}
	s, err := NewTableSelector(testLogger(), m)
	require.NoError(t, err)

	res, err := s.Select(context.Background(), "q", catalog())
	require.NoError(t, err)
	require.Equal(t, "orders hold the amounts", res.Rationale)
}

func TestSelector_FallbackOnUnknownNames(t *testing.T) {
	t.Parallel()

	t.Run("file variant selects all sources", func(t *testing.T) {
		m := &mockLLM{response: "invoices, payroll"}
		s, err := NewFileSelector(testLogger(), m)
		require.NoError(t, err)

		res, err := s.Select(context.Background(), "q", catalog())
		require.NoError(t, err)
		require.Equal(t, []string{"src-orders", "src-customers", "src-stock"}, res.SourceIDs)
		require.True(t, res.Fallback)
	})

	t.Run("table variant selects first source", func(t *testing.T) {
		m := &mockLLM{response: `{"selected": ["invoices"], "reason": "x"}`}
		s, err := NewTableSelector(testLogger(), m)
		require.NoError(t, err)

		res, err := s.Select(context.Background(), "q", catalog())
		require.NoError(t, err)
		require.Equal(t, []string{"src-orders"}, res.SourceIDs)
		require.True(t, res.Fallback)
	})
}

func TestSelector_FallbackOnLLMError(t *testing.T) {
	t.Parallel()

	m := &mockLLM{err: errors.New("overloaded")}
	s, err := NewTableSelector(testLogger(), m)
	require.NoError(t, err)

	res, err := s.Select(context.Background(), "q", catalog())
	require.NoError(t, err)
	require.Equal(t, []string{"src-orders"}, res.SourceIDs)
	require.Contains(t, res.Rationale, "llm call failed")
}

func TestSelector_CanceledContextFails(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &mockLLM{err: context.Canceled}
	s, err := NewFileSelector(testLogger(), m)
	require.NoError(t, err)

	_, err = s.Select(ctx, "q", catalog())
	var selErr *smartquery.SourceSelectionError
	require.ErrorAs(t, err, &selErr)
}

func TestSelector_PromptDescribesCatalog(t *testing.T) {
	t.Parallel()

	m := &mockLLM{response: "orders"}
	s, err := New(&Config{Logger: testLogger(), LLM: m, MaxColumns: 1})
	require.NoError(t, err)

	_, err = s.Select(context.Background(), "total amount by customer name", catalog())
	require.NoError(t, err)
	require.Contains(t, m.user, "1. orders\n   columns: customer_id (+1 more)\n   description: one row per order\n")
	require.Contains(t, m.user, "business context: CRM export")
	require.Contains(t, m.user, "Question: total amount by customer name")
}
