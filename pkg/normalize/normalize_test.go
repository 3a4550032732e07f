package normalize

import (
	"math"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

func requireCanonical(t *testing.T, table smartquery.CanonicalTable) {
	t.Helper()
	keys := table.Keys()
	sort.Strings(keys)
	for i, row := range table.Rows {
		var rowKeys []string
		for k := range row {
			rowKeys = append(rowKeys, k)
		}
		sort.Strings(rowKeys)
		require.Equal(t, keys, rowKeys, "row %d keys", i)
	}
	require.GreaterOrEqual(t, table.Total, len(table.Rows))
	if !table.Truncated {
		require.Equal(t, table.Total, len(table.Rows))
	}
}

func TestNormalize_Tabular(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	res := smartquery.TabularResult(
		[]string{"project", "contract_amount", "", "project", "signed"},
		[][]any{
			{"Tunnel", int64(5400), nil, "dup", ts},
			{"Harbor", math.NaN(), "x", nil, nil},
			{"Short"},
		},
	)
	table := Normalizer{}.Normalize(res)
	requireCanonical(t, table)

	want := smartquery.CanonicalTable{
		Columns: []smartquery.TableColumn{
			{Key: "project", Label: "project"},
			{Key: "contract_amount", Label: "contract_amount"},
			{Key: "col_2", Label: "col_2"},
			{Key: "project_2", Label: "project"},
			{Key: "signed", Label: "signed"},
		},
		Rows: []map[string]any{
			{"project": "Tunnel", "contract_amount": int64(5400), "col_2": "", "project_2": "dup", "signed": "2024-03-01 09:30:00"},
			{"project": "Harbor", "contract_amount": "", "col_2": "x", "project_2": "", "signed": ""},
			{"project": "Short", "contract_amount": "", "col_2": "", "project_2": "", "signed": ""},
		},
		Total: 3,
	}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Fatalf("unexpected table (-want +got):\n%s", diff)
	}
}

func TestNormalize_Scalar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "int", in: int64(42), want: int64(42)},
		{name: "float", in: 3.5, want: 3.5},
		{name: "bool", in: true, want: true},
		{name: "nil", in: nil, want: ""},
		{name: "bytes", in: []byte("abc"), want: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := Normalizer{}.Normalize(smartquery.ScalarResult(tt.in))
			requireCanonical(t, table)
			require.Equal(t, []smartquery.TableColumn{{Key: ResultKey, Label: ResultLabel}}, table.Columns)
			require.Equal(t, tt.want, table.Rows[0][ResultKey])
			require.Equal(t, 1, table.Total)
		})
	}
}

func TestNormalize_MaxRowsTruncates(t *testing.T) {
	t.Parallel()

	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	table := Normalizer{MaxRows: 4}.Normalize(smartquery.TabularResult([]string{"n"}, rows))
	requireCanonical(t, table)
	require.True(t, table.Truncated)
	require.Equal(t, 10, table.Total)
	require.Len(t, table.Rows, 4)
}

func TestNormalize_ExecutorCutStaysTruncated(t *testing.T) {
	t.Parallel()

	res := smartquery.TabularResult([]string{"n"}, [][]any{{int64(1)}, {int64(2)}, {int64(3)}})
	res.Truncated = true
	table := Normalizer{}.Normalize(res)
	requireCanonical(t, table)
	require.True(t, table.Truncated)
	require.Equal(t, 3, table.Total)

	table = Normalizer{MaxRows: 2}.Normalize(res)
	require.True(t, table.Truncated)
	require.Len(t, table.Rows, 2)
}

func TestNormalize_UnknownKindDegrades(t *testing.T) {
	t.Parallel()

	table := Normalizer{}.Normalize(smartquery.ExecutionResult{Kind: "mystery"})
	requireCanonical(t, table)
	require.Len(t, table.Rows, 1)
}

func TestNormalize_ParseTextTable(t *testing.T) {
	t.Parallel()

	t.Run("frame dump with index and footer", func(t *testing.T) {
		dump := "  project  contract_amount\n0  Bridge  1200\n1  Tunnel  NaN\n\n[2 rows x 2 columns]\n"
		table := ParseTextTable(dump)
		requireCanonical(t, table)
		require.Equal(t, []smartquery.TableColumn{
			{Key: "col_0", Label: "project"},
			{Key: "col_1", Label: "contract_amount"},
		}, table.Columns)
		require.Equal(t, []map[string]any{
			{"col_0": "Bridge", "col_1": "1200"},
			{"col_0": "Tunnel", "col_1": ""},
		}, table.Rows)
	})

	t.Run("numeric header gets positional labels", func(t *testing.T) {
		table := ParseTextTable("0 1\na b\nc d\n")
		requireCanonical(t, table)
		require.Equal(t, []string{"Column_0", "Column_1"}, table.Labels())
		require.Len(t, table.Rows, 2)
	})

	t.Run("extra tokens fold into last column", func(t *testing.T) {
		table := ParseTextTable("name note\nAda first programmer\nLinus kernel\nGrace cobol\n")
		requireCanonical(t, table)
		require.Equal(t, "first programmer", table.Rows[0]["col_1"])
	})

	t.Run("single line is one cell", func(t *testing.T) {
		table := ParseTextTable("The total is 42")
		requireCanonical(t, table)
		require.Equal(t, []map[string]any{{ResultKey: "The total is 42"}}, table.Rows)
	})

	t.Run("prose is one cell", func(t *testing.T) {
		text := "Revenue grew strongly this year\nmostly in the north region where three new contracts closed\nok"
		table := ParseTextTable(text)
		requireCanonical(t, table)
		require.Equal(t, text, table.Rows[0][ResultKey])
	})

	t.Run("empty", func(t *testing.T) {
		table := ParseTextTable("")
		requireCanonical(t, table)
		require.Equal(t, "", table.Rows[0][ResultKey])
	})
}

func FuzzParseTextTable(f *testing.F) {
	for _, seed := range []string{
		"",
		"a b\n1 2",
		"0 1 2\n\n\n[0 rows x 3 columns]",
		"   \n\t\n",
		"x\n0 1 2 3 4 5\n...\nnan NAN",
		"[3 rows x 1 columns]",
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, s string) {
		requireCanonical(t, ParseTextTable(s))
	})
}
