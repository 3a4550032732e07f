// Package selector chooses which catalog sources are relevant to a question.
package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/smartquery/pkg/llm"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

// Fallback decides what is selected when the LLM answer is unusable.
type Fallback int

const (
	// FallbackAll selects every source. Used for spreadsheets, which are cheap to over-include.
	FallbackAll Fallback = iota
	// FallbackFirst selects only the first source. Used for tables, where over-including risks
	// wrong joins.
	FallbackFirst
)

type Config struct {
	Logger   *slog.Logger
	LLM      llm.Client
	Fallback Fallback
	// JSONAnswer asks the LLM for {"selected": [...], "reason": "..."} instead of a
	// comma-separated list.
	JSONAnswer bool
	// MaxColumns is how many column names per source are shown in the catalog prompt.
	MaxColumns int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.MaxColumns == 0 {
		c.MaxColumns = 10
	}
	return nil
}

type Selector struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Selector{log: cfg.Logger, cfg: cfg}, nil
}

// NewFileSelector returns a selector answering with a name list and falling back to all sources.
func NewFileSelector(log *slog.Logger, client llm.Client) (*Selector, error) {
	return New(&Config{Logger: log, LLM: client, Fallback: FallbackAll})
}

// NewTableSelector returns a selector answering in JSON and falling back to the first source.
func NewTableSelector(log *slog.Logger, client llm.Client) (*Selector, error) {
	return New(&Config{Logger: log, LLM: client, Fallback: FallbackFirst, JSONAnswer: true})
}

// Select picks the sources relevant to query. A single source is selected without calling the
// LLM. Unknown names in the answer are dropped; an unusable answer or a failed LLM call
// applies the fallback policy.
func (s *Selector) Select(ctx context.Context, query string, sources []smartquery.Source) (smartquery.SelectionResult, error) {
	if len(sources) == 0 {
		return smartquery.SelectionResult{}, &smartquery.SourceSelectionError{Msg: "no sources to choose from"}
	}
	if len(sources) == 1 {
		return smartquery.SelectionResult{
			SourceIDs: []string{sources[0].ID},
			Rationale: "only one source is available",
		}, nil
	}

	resp, err := s.cfg.LLM.Complete(ctx, s.systemPrompt(), s.userPrompt(query, sources), llm.WithCacheControl())
	if err != nil {
		if ctx.Err() != nil {
			return smartquery.SelectionResult{}, &smartquery.SourceSelectionError{Msg: "selection canceled", Err: ctx.Err()}
		}
		s.log.Warn("selector: llm call failed, applying fallback", "error", err)
		return s.fallback(sources, fmt.Sprintf("llm call failed: %v", err)), nil
	}

	names, reason := parseAnswer(resp)
	ids, unknown := resolve(names, sources)
	if len(unknown) > 0 {
		s.log.Warn("selector: dropping unknown source names", "unknown", unknown)
	}
	if len(ids) == 0 {
		s.log.Warn("selector: no valid source in llm answer, applying fallback", "answer", truncate(resp, 200))
		return s.fallback(sources, "no valid source names in answer"), nil
	}
	if reason == "" {
		reason = "selected by llm"
	}
	return smartquery.SelectionResult{SourceIDs: ids, Rationale: reason, UsedLLM: true}, nil
}

func (s *Selector) fallback(sources []smartquery.Source, why string) smartquery.SelectionResult {
	res := smartquery.SelectionResult{UsedLLM: true, Fallback: true}
	switch s.cfg.Fallback {
	case FallbackFirst:
		res.SourceIDs = []string{sources[0].ID}
		res.Rationale = why + "; using the first source"
	default:
		for _, src := range sources {
			res.SourceIDs = append(res.SourceIDs, src.ID)
		}
		res.Rationale = why + "; using all sources"
	}
	return res
}

type jsonAnswer struct {
	Selected []string `json:"selected"`
	Reason   string   `json:"reason"`
}

// parseAnswer accepts either a JSON object with a selected list or a comma/newline separated
// list of names, with or without markdown fences.
func parseAnswer(resp string) ([]string, string) {
	cleaned := llm.StripCodeFences(resp)
	if strings.Contains(cleaned, "{") {
		var ans jsonAnswer
		if err := json.Unmarshal([]byte(llm.ExtractJSON(cleaned)), &ans); err == nil && len(ans.Selected) > 0 {
			return ans.Selected, ans.Reason
		}
	}
	fields := strings.FieldsFunc(cleaned, func(r rune) bool {
		return r == ',' || r == '\n' || r == '，' || r == ';'
	})
	var names []string
	for _, f := range fields {
		f = strings.Trim(strings.TrimSpace(f), "`\"'*-[] ")
		if f != "" {
			names = append(names, f)
		}
	}
	return names, ""
}

// resolve maps names to source ids by id or display name, case-insensitively, in answer
// order and without duplicates.
func resolve(names []string, sources []smartquery.Source) (ids []string, unknown []string) {
	index := make(map[string]string, 2*len(sources))
	for _, src := range sources {
		index[strings.ToLower(src.ID)] = src.ID
		if src.DisplayName != "" {
			if _, taken := index[strings.ToLower(src.DisplayName)]; !taken {
				index[strings.ToLower(src.DisplayName)] = src.ID
			}
		}
	}
	seen := make(map[string]bool)
	for _, n := range names {
		id, ok := index[strings.ToLower(n)]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, unknown
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
