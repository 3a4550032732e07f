package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/malbeclabs/smartquery/pkg/catalog"
	"github.com/malbeclabs/smartquery/pkg/codegen"
	"github.com/malbeclabs/smartquery/pkg/dataset"
	"github.com/malbeclabs/smartquery/pkg/llm"
	"github.com/malbeclabs/smartquery/pkg/sandbox"
	"github.com/malbeclabs/smartquery/pkg/selector"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
	"github.com/malbeclabs/smartquery/pkg/sqlexec"
	"github.com/malbeclabs/smartquery/pkg/summary"
	"github.com/malbeclabs/smartquery/pkg/workflow"
)

// closers releases what the composition root opened, in reverse order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// openMetadataStore returns the Postgres store when a metadata URL is configured, otherwise
// the YAML manifest.
func openMetadataStore(ctx context.Context, log *slog.Logger, cfg *Config, cl *closers) (catalog.MetadataStore, error) {
	if cfg.MetadataURL == "" {
		store, err := catalog.LoadManifest(cfg.Manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to load manifest: %w", err)
		}
		return store, nil
	}
	store, err := catalog.NewPostgresStore(ctx, &catalog.PostgresStoreConfig{
		Logger: log,
		URL:    cfg.MetadataURL,
	})
	if err != nil {
		return nil, err
	}
	cl.add(store.Close)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newArtifactStore(ctx context.Context, cfg *Config) (dataset.Store, error) {
	if cfg.S3Bucket == "" {
		local, err := dataset.NewLocalStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	}
	s3, err := dataset.NewS3Store(ctx, &dataset.S3StoreConfig{
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return s3, nil
}

func newLLMClient(log *slog.Logger, cfg *Config) (llm.Client, error) {
	client, err := llm.NewAnthropicClient(&llm.AnthropicConfig{
		Logger: log,
		Model:  anthropic.Model(cfg.Model),
		APIKey: cfg.AnthropicAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	return llm.NewRetryingClient(log, client, llm.RetryConfig{MaxRetries: uint64(cfg.LLMRetries)})
}

// buildEngine wires the workflow for cfg.Mode. The returned closers must be closed once the
// engine is no longer used, also on error.
func buildEngine(ctx context.Context, log *slog.Logger, cfg *Config, client llm.Client) (*workflow.Engine, closers, error) {
	var cl closers
	store, err := openMetadataStore(ctx, log, cfg, &cl)
	if err != nil {
		return nil, cl, err
	}

	sum, err := summary.New(&summary.Config{Logger: log, LLM: client})
	if err != nil {
		return nil, cl, err
	}

	wcfg := &workflow.Config{
		Logger:     log,
		Variant:    smartquery.Kind(cfg.Mode),
		Summarizer: sum,
		PoolSize:   cfg.PoolSize,
		MaxRows:    cfg.MaxRows,
	}

	switch wcfg.Variant {
	case smartquery.KindFile:
		artifacts, err := newArtifactStore(ctx, cfg)
		if err != nil {
			return nil, cl, fmt.Errorf("failed to open artifact store: %w", err)
		}
		loader, err := dataset.NewLoader(&dataset.LoaderConfig{Logger: log, Store: artifacts})
		if err != nil {
			return nil, cl, err
		}
		cat, err := catalog.NewFileCatalog(&catalog.FileCatalogConfig{Logger: log, Store: store, Loader: loader})
		if err != nil {
			return nil, cl, err
		}
		sel, err := selector.NewFileSelector(log, client)
		if err != nil {
			return nil, cl, err
		}
		gen, err := codegen.New(&codegen.Config{Logger: log, LLM: client, Kind: smartquery.KindFile})
		if err != nil {
			return nil, cl, err
		}
		exec, err := sandbox.New(&sandbox.Config{Logger: log})
		if err != nil {
			return nil, cl, err
		}
		wcfg.Catalog, wcfg.Selector, wcfg.Generator, wcfg.Executor = cat, sel, gen, exec

	case smartquery.KindTable:
		dialect, err := sqlexec.ParseDialect(cfg.Dialect)
		if err != nil {
			return nil, cl, err
		}
		conns, err := sqlexec.NewConnectionManager(&sqlexec.ConnectionManagerConfig{Logger: log})
		if err != nil {
			return nil, cl, err
		}
		cl.add(func() {
			if err := conns.Close(); err != nil {
				log.Warn("failed to close connections", "error", err)
			}
		})
		cat, err := catalog.NewTableCatalog(&catalog.TableCatalogConfig{Logger: log, Store: store, Connections: conns})
		if err != nil {
			return nil, cl, err
		}
		cl.add(cat.Close)
		sel, err := selector.NewTableSelector(log, client)
		if err != nil {
			return nil, cl, err
		}
		gen, err := codegen.New(&codegen.Config{Logger: log, LLM: client, Kind: smartquery.KindTable, SQLDialect: string(dialect)})
		if err != nil {
			return nil, cl, err
		}
		exec, err := sqlexec.New(&sqlexec.Config{Logger: log, Connections: conns, RowLimit: cfg.RowLimit})
		if err != nil {
			return nil, cl, err
		}
		wcfg.Catalog, wcfg.Selector, wcfg.Generator, wcfg.Executor = cat, sel, gen, exec
	}

	engine, err := workflow.New(wcfg)
	if err != nil {
		return nil, cl, err
	}
	cl.add(engine.Close)
	return engine, cl, nil
}
