package selector

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

const listAnswerInstructions = `Answer with the names of the relevant data sources only, separated by commas, exactly as
they appear in the catalog. Do not add explanations, natural language or markdown.`

const jsonAnswerInstructions = `Answer with a single JSON object and nothing else:
{"selected": ["<source name>", ...], "reason": "<one short sentence>"}
Use source names exactly as they appear in the catalog. Select several sources only when the
question needs data from all of them (for example to join them).`

func (s *Selector) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You choose which data sources are needed to answer a user's question about their data.\n")
	sb.WriteString("Pick the smallest set of sources that contains every column the question needs.\n\n")
	if s.cfg.JSONAnswer {
		sb.WriteString(jsonAnswerInstructions)
	} else {
		sb.WriteString(listAnswerInstructions)
	}
	return sb.String()
}

func (s *Selector) userPrompt(query string, sources []smartquery.Source) string {
	var sb strings.Builder
	sb.WriteString("Catalog:\n")
	for i, src := range sources {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, src.Name())
		cols := src.ColumnNames()
		more := 0
		if len(cols) > s.cfg.MaxColumns {
			more = len(cols) - s.cfg.MaxColumns
			cols = cols[:s.cfg.MaxColumns]
		}
		fmt.Fprintf(&sb, "   columns: %s", strings.Join(cols, ", "))
		if more > 0 {
			fmt.Fprintf(&sb, " (+%d more)", more)
		}
		sb.WriteString("\n")
		if src.Description != "" {
			fmt.Fprintf(&sb, "   description: %s\n", src.Description)
		}
		if src.BusinessContext != "" {
			fmt.Fprintf(&sb, "   business context: %s\n", src.BusinessContext)
		}
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\n", query)
	return sb.String()
}
