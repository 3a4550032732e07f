package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

type SourcesCmd struct{}

func NewSourcesCmd() *SourcesCmd {
	return &SourcesCmd{}
}

func (c *SourcesCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the sources visible to a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Verbose)

			var cl closers
			defer cl.close()
			store, err := openMetadataStore(cmd.Context(), log, cfg, &cl)
			if err != nil {
				return err
			}
			sources, err := store.ListSources(cmd.Context(), cfg.User)
			if err != nil {
				return fmt.Errorf("failed to list sources: %w", err)
			}

			kind := smartquery.Kind(cfg.Mode)
			var filtered []smartquery.Source
			for _, s := range sources {
				if s.Kind == kind {
					filtered = append(filtered, s)
				}
			}
			if len(filtered) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s sources for user %s.\n", kind, cfg.User)
				return nil
			}
			renderSources(cmd.OutOrStdout(), filtered)
			return nil
		},
	}
	return cmd
}

func sourceRow(s smartquery.Source) []string {
	enabled := "-"
	if s.Kind == smartquery.KindTable {
		enabled = strconv.FormatBool(s.EnabledForQA)
	}
	rows := "-"
	if s.RowCountEstimate > 0 {
		rows = strconv.FormatInt(s.RowCountEstimate, 10)
	}
	return []string{
		s.ID,
		s.Name(),
		string(s.Kind),
		strings.Join(s.ColumnNames(), ", "),
		rows,
		enabled,
	}
}
