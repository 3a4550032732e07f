// Package catalog lists the sources a user can query and materializes the selected ones.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/malbeclabs/smartquery/pkg/frame"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
	"github.com/malbeclabs/smartquery/pkg/sqlexec"
)

const (
	defaultSampleRows = 5
	defaultSampleTTL  = 15 * time.Minute
)

// LoadRequest names the sources to materialize for one run.
type LoadRequest struct {
	UserID    string
	SourceIDs []string
	// Credentials, when set, open the user's connection if none exists yet. Table catalogs only.
	Credentials *sqlexec.Credentials
	// RefreshSamples re-queries sample rows instead of using the ones the catalog knows.
	RefreshSamples bool
}

// LoadResult holds the materialized sources in request order. Sources that could not be
// loaded are absent and described in Warnings.
type LoadResult struct {
	Sources  []smartquery.LoadedSource
	Warnings []string
}

// FrameLoader decodes a file source into a frame.
type FrameLoader interface {
	Load(ctx context.Context, src smartquery.Source) (*frame.Frame, error)
}

type FileCatalogConfig struct {
	Logger *slog.Logger
	Store  MetadataStore
	Loader FrameLoader
}

func (c *FileCatalogConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("metadata store is required")
	}
	if c.Loader == nil {
		return errors.New("loader is required")
	}
	return nil
}

// FileCatalog serves uploaded spreadsheets.
type FileCatalog struct {
	log *slog.Logger
	cfg *FileCatalogConfig
}

func NewFileCatalog(cfg *FileCatalogConfig) (*FileCatalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FileCatalog{log: cfg.Logger, cfg: cfg}, nil
}

// List returns every file source visible to the user.
func (c *FileCatalog) List(ctx context.Context, userID string) ([]smartquery.Source, error) {
	all, err := c.cfg.Store.ListSources(ctx, userID)
	if err != nil {
		return nil, &smartquery.SourceLoadError{Msg: "failed to list sources", Err: err}
	}
	return filterKind(all, smartquery.KindFile, false), nil
}

// Load decodes each requested source. A source that fails is skipped; the call only fails
// when nothing could be loaded. Variable names are assigned over the loaded set.
func (c *FileCatalog) Load(ctx context.Context, req LoadRequest) (LoadResult, error) {
	known, err := c.List(ctx, req.UserID)
	if err != nil {
		return LoadResult{}, err
	}
	byID := indexByID(known)

	var res LoadResult
	for _, id := range req.SourceIDs {
		src, ok := byID[id]
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("source %s is not in the catalog", id))
			c.log.Warn("catalog: unknown source id", "id", id)
			continue
		}
		f, err := c.cfg.Loader.Load(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return LoadResult{}, ctx.Err()
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("failed to load %s: %v", src.Name(), err))
			c.log.Warn("catalog: failed to load source", "id", id, "name", src.Name(), "error", err)
			continue
		}
		res.Sources = append(res.Sources, smartquery.LoadedSource{Source: src, Frame: f})
	}
	if len(res.Sources) == 0 {
		return LoadResult{}, &smartquery.SourceLoadError{Msg: "no selected source could be loaded: " + strings.Join(res.Warnings, "; ")}
	}
	for i, name := range smartquery.FileVarNames(len(res.Sources)) {
		res.Sources[i].VarName = name
	}
	return res, nil
}

type TableCatalogConfig struct {
	Logger      *slog.Logger
	Store       MetadataStore
	Connections *sqlexec.ConnectionManager
	// SampleRows is how many rows a refresh reads per table.
	SampleRows int
	// SampleTTL is how long refreshed samples are reused.
	SampleTTL time.Duration
}

func (c *TableCatalogConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("metadata store is required")
	}
	if c.Connections == nil {
		return errors.New("connection manager is required")
	}
	if c.SampleRows == 0 {
		c.SampleRows = defaultSampleRows
	}
	if c.SampleTTL == 0 {
		c.SampleTTL = defaultSampleTTL
	}
	return nil
}

// TableCatalog serves database tables that were explicitly enabled for question answering.
type TableCatalog struct {
	log     *slog.Logger
	cfg     *TableCatalogConfig
	samples *ristretto.Cache
}

func NewTableCatalog(cfg *TableCatalogConfig) (*TableCatalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	samples, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create sample cache: %w", err)
	}
	return &TableCatalog{log: cfg.Logger, cfg: cfg, samples: samples}, nil
}

func (c *TableCatalog) Close() {
	c.samples.Close()
}

// List returns the enabled table sources, or NoEnabledSourcesError when there are none.
func (c *TableCatalog) List(ctx context.Context, userID string) ([]smartquery.Source, error) {
	all, err := c.cfg.Store.ListSources(ctx, userID)
	if err != nil {
		return nil, &smartquery.SourceLoadError{Msg: "failed to list sources", Err: err}
	}
	enabled := filterKind(all, smartquery.KindTable, true)
	if len(enabled) == 0 {
		return nil, &smartquery.NoEnabledSourcesError{Msg: "no tables are enabled for question answering; enable tables first"}
	}
	return enabled, nil
}

// Load returns schema and sample rows for each requested table. The user's connection is
// opened from the request credentials when it does not exist; without credentials an absent
// connection is left for the executor to report.
func (c *TableCatalog) Load(ctx context.Context, req LoadRequest) (LoadResult, error) {
	known, err := c.List(ctx, req.UserID)
	if err != nil {
		return LoadResult{}, err
	}
	byID := indexByID(known)

	var conn *sqlexec.Conn
	if req.Credentials != nil {
		conn, err = c.cfg.Connections.GetOrCreateConnection(ctx, req.UserID, *req.Credentials)
		if err != nil {
			return LoadResult{}, &smartquery.SourceLoadError{Msg: "failed to connect", Err: err}
		}
	} else if existing, err := c.cfg.Connections.Conn(req.UserID); err == nil {
		conn = existing
	}

	var res LoadResult
	for _, id := range req.SourceIDs {
		src, ok := byID[id]
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("table %s is not enabled for question answering", id))
			c.log.Warn("catalog: unknown or disabled table", "id", id)
			continue
		}
		res.Sources = append(res.Sources, smartquery.LoadedSource{
			Source:     src,
			VarName:    src.Table(),
			SampleRows: c.sampleRows(ctx, req, conn, src, &res),
		})
	}
	if len(res.Sources) == 0 {
		return LoadResult{}, &smartquery.SourceLoadError{Msg: "no selected table could be loaded: " + strings.Join(res.Warnings, "; ")}
	}
	return res, nil
}

func (c *TableCatalog) sampleRows(ctx context.Context, req LoadRequest, conn *sqlexec.Conn, src smartquery.Source, res *LoadResult) [][]any {
	key := req.UserID + "|" + src.ID
	if !req.RefreshSamples {
		if v, ok := c.samples.Get(key); ok {
			return v.([][]any)
		}
		return src.PreviewRows
	}
	if conn == nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("cannot refresh samples of %s without a connection", src.Name()))
		return src.PreviewRows
	}
	rows, err := conn.SampleRows(ctx, src.Table(), c.cfg.SampleRows)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("failed to refresh samples of %s: %v", src.Name(), err))
		c.log.Warn("catalog: failed to refresh samples", "table", src.Table(), "error", err)
		return src.PreviewRows
	}
	c.samples.SetWithTTL(key, rows, 1, c.cfg.SampleTTL)
	c.samples.Wait()
	return rows
}

func filterKind(sources []smartquery.Source, kind smartquery.Kind, enabledOnly bool) []smartquery.Source {
	var out []smartquery.Source
	for _, s := range sources {
		if s.Kind != kind || (enabledOnly && !s.EnabledForQA) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func indexByID(sources []smartquery.Source) map[string]smartquery.Source {
	m := make(map[string]smartquery.Source, len(sources))
	for _, s := range sources {
		m[s.ID] = s
	}
	return m
}
