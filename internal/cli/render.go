package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/malbeclabs/smartquery/pkg/frame"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
	"github.com/malbeclabs/smartquery/pkg/workflow"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}

func renderSources(w io.Writer, sources []smartquery.Source) {
	table := newTable(w, []string{"ID", "Name", "Kind", "Columns", "Rows", "Enabled"})
	for _, s := range sources {
		table.Append(sourceRow(s))
	}
	table.Render()
}

// renderTable prints a canonical table with its labels as the header.
func renderTable(w io.Writer, t smartquery.CanonicalTable) {
	if len(t.Columns) == 0 {
		fmt.Fprintln(w, "(no columns)")
		return
	}
	table := newTable(w, t.Labels())
	keys := t.Keys()
	for _, row := range t.Rows {
		cells := make([]string, len(keys))
		for i, k := range keys {
			cells[i] = frame.FormatValue(row[k])
		}
		table.Append(cells)
	}
	table.Render()

	switch {
	case t.PageSize > 0:
		fmt.Fprintf(w, "Page %d (%d per page) of %d rows\n", t.Page, t.PageSize, t.Total)
	case t.Truncated:
		fmt.Fprintf(w, "Showing %d of %d rows\n", len(t.Rows), t.Total)
	}
}

func renderStep(w io.Writer, s *workflow.Step) {
	fmt.Fprintf(w, "%s  %-17s  %-9s  %s\n", s.Timestamp.Format(time.Kitchen), s.Stage, s.Status, s.Message)
}

// renderResult prints the answer of a successful run, or its error.
func renderResult(w io.Writer, res *workflow.Result, showCode bool) {
	if !res.Success {
		fmt.Fprintf(w, "Error (%s): %s\n", res.ErrorKind, res.Error)
		return
	}
	fmt.Fprintf(w, "Sources: %s\n\n", strings.Join(res.Data.UsedSources, ", "))
	if showCode {
		fmt.Fprintf(w, "Generated code:\n%s\n\n", res.Data.GeneratedCode)
	}
	renderTable(w, res.Data.Table)
	fmt.Fprintf(w, "\n%s\n", res.Data.Summary)
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
