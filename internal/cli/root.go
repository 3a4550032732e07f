// Package cli is the smartquery command line: it wires the catalog, LLM stages and executors
// into a workflow engine and runs questions against it.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func Run() ExitCode {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd(NewQueryCmd()).Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func newRootCmd(query *QueryCmd) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "smartquery",
		Short:        "Answer natural-language questions over uploaded files and database tables.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")
	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.PersistentFlags().String("manifest", "", "YAML source manifest")
	rootCmd.PersistentFlags().String("metadata-url", "", "Postgres URL of the source metadata store (replaces --manifest)")
	rootCmd.PersistentFlags().String("mode", "", "source kind to query: file or table (default file)")
	rootCmd.PersistentFlags().String("user", "", "acting user id (default local)")

	rootCmd.AddCommand(
		NewSourcesCmd().Command(),
		query.Command(),
	)
	return rootCmd
}

// loadConfig reads the merged configuration for cmd.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := LoadConfig(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
