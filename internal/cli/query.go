package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/smartquery/pkg/llm"
	"github.com/malbeclabs/smartquery/pkg/workflow"
)

var errRunFailed = errors.New("query failed")

type QueryCmd struct {
	newClient func(log *slog.Logger, cfg *Config) (llm.Client, error)
}

func NewQueryCmd() *QueryCmd {
	return &QueryCmd{newClient: newLLMClient}
}

func (c *QueryCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a natural-language question over the configured sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := cmd.Flags().GetBool("stream")
			if err != nil {
				return fmt.Errorf("failed to get stream flag: %w", err)
			}
			showCode, err := cmd.Flags().GetBool("show-code")
			if err != nil {
				return fmt.Errorf("failed to get show-code flag: %w", err)
			}
			refresh, err := cmd.Flags().GetBool("refresh-samples")
			if err != nil {
				return fmt.Errorf("failed to get refresh-samples flag: %w", err)
			}
			page, err := cmd.Flags().GetInt("page")
			if err != nil {
				return fmt.Errorf("failed to get page flag: %w", err)
			}
			pageSize, err := cmd.Flags().GetInt("page-size")
			if err != nil {
				return fmt.Errorf("failed to get page-size flag: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Verbose)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := c.newClient(log, cfg)
			if err != nil {
				return err
			}
			engine, cl, err := buildEngine(ctx, log, cfg, client)
			defer cl.close()
			if err != nil {
				return err
			}

			creds, err := cfg.Credentials()
			if err != nil {
				return err
			}
			opts := workflow.Options{
				Credentials:    creds,
				RefreshSamples: refresh,
				Page:           page,
				PageSize:       pageSize,
			}

			res := c.run(ctx, cmd, engine, strings.Join(args, " "), cfg.User, opts, stream)
			renderResult(cmd.OutOrStdout(), res, showCode || cfg.Verbose)
			if !res.Success {
				return fmt.Errorf("%w: %s", errRunFailed, res.ErrorKind)
			}
			return nil
		},
	}

	cmd.Flags().String("data-dir", "", "directory holding uploaded files (file mode)")
	cmd.Flags().String("s3-bucket", "", "S3 bucket holding uploaded files (file mode, replaces --data-dir)")
	cmd.Flags().String("s3-prefix", "", "key prefix inside --s3-bucket")
	cmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint, e.g. a MinIO server")
	cmd.Flags().String("dialect", "", "database type for table mode (default postgres)")
	cmd.Flags().String("dsn", "", "database connection string for table mode")
	cmd.Flags().String("model", "", "Anthropic model name")
	cmd.Flags().Int("max-rows", 0, "cap the rows kept in the result table")
	cmd.Flags().Bool("stream", false, "print each workflow step as it happens")
	cmd.Flags().Bool("show-code", false, "print the generated code")
	cmd.Flags().Bool("refresh-samples", false, "re-read table sample rows before generating SQL")
	cmd.Flags().Int("page", 1, "result page to print")
	cmd.Flags().Int("page-size", 0, "rows per page; 0 prints every row")

	return cmd
}

func (c *QueryCmd) run(ctx context.Context, cmd *cobra.Command, engine *workflow.Engine, query, user string, opts workflow.Options, stream bool) *workflow.Result {
	if !stream {
		return engine.Run(ctx, query, user, opts)
	}
	var res *workflow.Result
	for ev := range engine.RunStream(ctx, query, user, opts) {
		switch ev.Type {
		case workflow.EventStep:
			renderStep(cmd.ErrOrStderr(), ev.Step)
		case workflow.EventFinal:
			res = ev.Result
		}
	}
	return res
}
