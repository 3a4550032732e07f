package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/smartquery/pkg/frame"
	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

const defaultCacheTTL = 10 * time.Minute

type LoaderConfig struct {
	Logger   *slog.Logger
	Store    Store
	CacheTTL time.Duration
}

func (c *LoaderConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return nil
}

// Loader decodes file sources into frames. Decoded frames are cached by artifact, sheet and
// modification time; callers must treat returned frames as read-only.
type Loader struct {
	log   *slog.Logger
	cfg   *LoaderConfig
	cache *ttlcache.Cache[string, *frame.Frame]
}

func NewLoader(cfg *LoaderConfig) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{
		log: cfg.Logger,
		cfg: cfg,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *frame.Frame](cfg.CacheTTL),
		),
	}, nil
}

// Load returns the frame for src. Without an artifact key the store is searched by display
// name and the most recently modified match wins.
func (l *Loader) Load(ctx context.Context, src smartquery.Source) (*frame.Frame, error) {
	artifact, err := l.resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("%s|%s|%d", artifact.Key, src.Sheet, artifact.ModifiedAt.UnixNano())
	if item := l.cache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}

	rc, err := l.cfg.Store.Open(ctx, artifact.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var f *frame.Frame
	switch ext := strings.ToLower(filepath.Ext(artifact.Key)); ext {
	case ".xlsx", ".xlsm":
		f, err = frame.ReadXLSX(rc, src.Sheet)
	case ".csv":
		f, err = frame.ReadCSV(rc)
	default:
		return nil, fmt.Errorf("unsupported file type %q for %s", ext, src.Name())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", src.Name(), err)
	}

	l.log.Debug("dataset: loaded", "source", src.Name(), "key", artifact.Key, "rows", f.Len(), "columns", len(f.Columns))
	l.cache.Set(cacheKey, f, ttlcache.DefaultTTL)
	return f, nil
}

func (l *Loader) resolve(ctx context.Context, src smartquery.Source) (Artifact, error) {
	if src.ArtifactKey != "" {
		return Artifact{Key: src.ArtifactKey, ModifiedAt: src.ModifiedAt}, nil
	}
	if src.DisplayName == "" {
		return Artifact{}, fmt.Errorf("source %s has neither an artifact key nor a display name", src.ID)
	}
	candidates, err := l.cfg.Store.Find(ctx, src.DisplayName)
	if err != nil {
		return Artifact{}, err
	}
	if len(candidates) == 0 {
		return Artifact{}, fmt.Errorf("no uploaded file named %s", src.DisplayName)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ModifiedAt.After(candidates[j].ModifiedAt)
	})
	if len(candidates) > 1 {
		keys := make([]string, len(candidates))
		for i, c := range candidates {
			keys[i] = c.Key
		}
		l.log.Warn("dataset: several files match display name, using the most recent", "name", src.DisplayName, "candidates", keys, "chosen", candidates[0].Key)
	}
	return candidates[0], nil
}
