// Package codegen asks the LLM for the analysis code that answers a question over the loaded
// sources: a Starlark script over spreadsheet frames, or a single SQL query over tables.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/smartquery/pkg/codegen/prompts"
	"github.com/malbeclabs/smartquery/pkg/frame"
	"github.com/malbeclabs/smartquery/pkg/llm"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

const (
	defaultPreviewRows  = 5
	defaultPreviewWidth = 20
	defaultMaxTokens    = 2048
	defaultSQLDialect   = "postgres"
)

type Config struct {
	Logger *slog.Logger
	LLM    llm.Client
	// Kind selects script generation (KindFile) or SQL generation (KindTable).
	Kind smartquery.Kind
	// SQLDialect is named in the SQL prompt.
	SQLDialect string
	// PreviewRows and PreviewWidth bound the sample shown per source.
	PreviewRows  int
	PreviewWidth int
	MaxTokens    int64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	switch c.Kind {
	case smartquery.KindFile, smartquery.KindTable:
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	if c.SQLDialect == "" {
		c.SQLDialect = defaultSQLDialect
	}
	if c.PreviewRows == 0 {
		c.PreviewRows = defaultPreviewRows
	}
	if c.PreviewWidth == 0 {
		c.PreviewWidth = defaultPreviewWidth
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return nil
}

type Generator struct {
	log    *slog.Logger
	cfg    *Config
	system string
}

func New(cfg *Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := "FILE.md"
	if cfg.Kind == smartquery.KindTable {
		name = "SQL.md"
	}
	data, err := prompts.PromptsFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	system := strings.TrimSpace(string(data))
	system = strings.ReplaceAll(system, "{{DIALECT}}", cfg.SQLDialect)
	return &Generator{log: cfg.Logger, cfg: cfg, system: system}, nil
}

// Generate returns cleaned code for query over the loaded sources. A failed LLM call or an
// empty answer is a CodeGenerationError.
func (g *Generator) Generate(ctx context.Context, query string, sources []smartquery.LoadedSource) (string, error) {
	if len(sources) == 0 {
		return "", &smartquery.CodeGenerationError{Msg: "no sources to generate code for"}
	}

	var user string
	if g.cfg.Kind == smartquery.KindTable {
		user = g.tablePrompt(query, sources)
	} else {
		user = g.filePrompt(query, sources)
	}

	resp, err := g.cfg.LLM.Complete(ctx, g.system, user, llm.WithCacheControl(), llm.WithMaxTokens(g.cfg.MaxTokens))
	if err != nil {
		return "", &smartquery.CodeGenerationError{Msg: "llm call failed", Err: err}
	}

	code := CleanCode(resp, g.cfg.Kind == smartquery.KindTable)
	if code == "" {
		return "", &smartquery.CodeGenerationError{Msg: "llm returned no code"}
	}
	g.log.Debug("codegen: generated code", "kind", g.cfg.Kind, "code", code)
	return code, nil
}

func (g *Generator) filePrompt(query string, sources []smartquery.LoadedSource) string {
	var sb strings.Builder
	sb.WriteString("## Datasets\n\n")
	for _, ls := range sources {
		f := ls.Frame
		fmt.Fprintf(&sb, "### `%s` (source: %s", ls.VarName, ls.Source.Name())
		if ls.Source.Sheet != "" {
			fmt.Fprintf(&sb, ", sheet: %s", ls.Source.Sheet)
		}
		fmt.Fprintf(&sb, ", %d rows)\n", f.Len())
		if ls.Source.Description != "" {
			fmt.Fprintf(&sb, "%s\n", ls.Source.Description)
		}
		if f == nil {
			sb.WriteString("\n")
			continue
		}
		sb.WriteString("Columns:\n")
		types := f.InferTypes()
		for i, c := range f.Columns {
			fmt.Fprintf(&sb, "- %s (%s)\n", c, types[i])
		}
		fmt.Fprintf(&sb, "First %d rows:\n```\n%s```\n\n", min(g.cfg.PreviewRows, f.Len()), f.Preview(g.cfg.PreviewRows, g.cfg.PreviewWidth))
	}
	fmt.Fprintf(&sb, "## Question\n\n%s\n", query)
	return sb.String()
}

func (g *Generator) tablePrompt(query string, sources []smartquery.LoadedSource) string {
	var sb strings.Builder
	sb.WriteString("## Tables\n\n")
	for _, ls := range sources {
		src := ls.Source
		table := ls.VarName
		if table == "" {
			table = src.Table()
		}
		fmt.Fprintf(&sb, "### %s (~%d rows)\n", table, src.RowCountEstimate)
		if src.Name() != table {
			fmt.Fprintf(&sb, "Known as: %s\n", src.Name())
		}
		if src.Description != "" {
			fmt.Fprintf(&sb, "%s\n", src.Description)
		}
		if src.BusinessContext != "" {
			fmt.Fprintf(&sb, "Business context: %s\n", src.BusinessContext)
		}
		sb.WriteString("Columns:\n")
		for _, c := range src.Columns {
			if c.Type != "" {
				fmt.Fprintf(&sb, "- %s %s\n", c.Name, c.Type)
			} else {
				fmt.Fprintf(&sb, "- %s\n", c.Name)
			}
		}
		samples := ls.SampleRows
		if len(samples) == 0 {
			samples = src.PreviewRows
		}
		if len(samples) > 0 {
			sample := frame.New(src.ColumnNames(), samples)
			fmt.Fprintf(&sb, "Sample rows:\n```\n%s```\n", sample.Preview(g.cfg.PreviewRows, g.cfg.PreviewWidth))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "## Question\n\n%s\n", query)
	return sb.String()
}
