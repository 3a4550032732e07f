// Package summary produces the natural-language explanation of a query result.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/smartquery/pkg/frame"
	"github.com/malbeclabs/smartquery/pkg/llm"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

const (
	defaultMaxRows  = 20
	defaultMaxChars = 500
	maxSummaryToken = 1024
)

const systemPrompt = `You are a data analyst explaining query results to a business user.
Write a short summary (3 sentences at most) that answers the user's question using the result rows.
Cite concrete values from the rows. Do not describe the code or SQL. Do not use markdown headings.
If the result is empty, say that no matching data was found.`

// Context carries what the summarizer knows about how the result was produced.
type Context struct {
	Sources []string
	Code    string
}

type Config struct {
	Logger *slog.Logger
	LLM    llm.Client
	// MaxRows is how many result rows are shown to the LLM.
	MaxRows int
	// MaxChars caps the length of an LLM-written summary.
	MaxChars int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.MaxRows == 0 {
		c.MaxRows = defaultMaxRows
	}
	if c.MaxChars == 0 {
		c.MaxChars = defaultMaxChars
	}
	return nil
}

type Summarizer struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Summarizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Summarizer{log: cfg.Logger, cfg: cfg}, nil
}

// Summarize always returns a non-empty summary. When the LLM fails or answers with nothing,
// the templated fallback is returned together with the cause.
func (s *Summarizer) Summarize(ctx context.Context, query string, table smartquery.CanonicalTable, sc Context) (string, error) {
	out, err := s.cfg.LLM.Complete(ctx, systemPrompt, s.userPrompt(query, table, sc), llm.WithMaxTokens(maxSummaryToken))
	if err != nil {
		s.log.Warn("summary: llm call failed, using fallback", "error", err)
		return Fallback(table, sc.Sources), fmt.Errorf("failed to generate summary: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return Fallback(table, sc.Sources), errors.New("llm returned an empty summary")
	}
	if r := []rune(out); len(r) > s.cfg.MaxChars {
		out = string(r[:s.cfg.MaxChars]) + "..."
	}
	return out, nil
}

func (s *Summarizer) userPrompt(query string, table smartquery.CanonicalTable, sc Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", query)
	if len(sc.Sources) > 0 {
		fmt.Fprintf(&sb, "Data sources: %s\n\n", strings.Join(sc.Sources, ", "))
	}
	fmt.Fprintf(&sb, "Result (%d rows", table.Total)
	if table.Truncated {
		fmt.Fprintf(&sb, ", %d shown", len(table.Rows))
	}
	sb.WriteString("):\n")
	sb.WriteString(FormatTable(table, s.cfg.MaxRows))
	return sb.String()
}

// FormatTable renders up to maxRows rows of the table as pipe-separated text.
func FormatTable(table smartquery.CanonicalTable, maxRows int) string {
	if len(table.Rows) == 0 {
		return "(no rows)\n"
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(table.Labels(), " | "))
	sb.WriteString("\n")
	n := min(maxRows, len(table.Rows))
	for _, row := range table.Rows[:n] {
		cells := make([]string, len(table.Columns))
		for i, c := range table.Columns {
			cells[i] = formatCell(row[c.Key])
		}
		sb.WriteString(strings.Join(cells, " | "))
		sb.WriteString("\n")
	}
	if len(table.Rows) > n {
		fmt.Fprintf(&sb, "... and %d more rows\n", len(table.Rows)-n)
	}
	return sb.String()
}

func formatCell(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.2f", f)
	}
	return frame.FormatValue(v)
}

// Fallback is the templated summary used when the LLM cannot produce one.
func Fallback(table smartquery.CanonicalTable, sources []string) string {
	s := fmt.Sprintf("Query completed: %d rows returned.", table.Total)
	if len(sources) > 0 {
		s += " Sources involved: " + strings.Join(sources, ", ") + "."
	}
	return s
}
