package catalog

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrSourceNotFound is returned when updating a source id the store does not hold.
var ErrSourceNotFound = errors.New("source not found")

type PostgresStoreConfig struct {
	Logger      *slog.Logger
	URL         string
	MaxConns    int32
	PingTimeout time.Duration
}

func (c *PostgresStoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.MaxConns == 0 {
		c.MaxConns = 4
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	return nil
}

// PostgresStore keeps source metadata in the smartquery_sources table.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg *PostgresStoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{log: cfg.Logger, pool: pool}, nil
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const listSourcesQuery = `
SELECT id, owner_id, kind, display_name, columns, row_count_estimate, preview_rows,
       description, business_context, enabled_for_qa, artifact_key, sheet, modified_at
FROM smartquery_sources
WHERE owner_id = $1 OR owner_id = ''
ORDER BY created_at, id`

func (s *PostgresStore) ListSources(ctx context.Context, userID string) ([]smartquery.Source, error) {
	rows, err := s.pool.Query(ctx, listSourcesQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []smartquery.Source
	for rows.Next() {
		var (
			src         smartquery.Source
			kind        string
			columnsJSON []byte
			previewJSON []byte
			modifiedAt  *time.Time
		)
		if err := rows.Scan(&src.ID, &src.OwnerID, &kind, &src.DisplayName, &columnsJSON, &src.RowCountEstimate,
			&previewJSON, &src.Description, &src.BusinessContext, &src.EnabledForQA, &src.ArtifactKey, &src.Sheet, &modifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		src.Kind = smartquery.Kind(kind)
		if err := json.Unmarshal(columnsJSON, &src.Columns); err != nil {
			return nil, fmt.Errorf("failed to decode columns of %s: %w", src.ID, err)
		}
		if err := json.Unmarshal(previewJSON, &src.PreviewRows); err != nil {
			return nil, fmt.Errorf("failed to decode preview rows of %s: %w", src.ID, err)
		}
		if modifiedAt != nil {
			src.ModifiedAt = *modifiedAt
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

const upsertSourceQuery = `
INSERT INTO smartquery_sources (id, owner_id, kind, display_name, columns, row_count_estimate, preview_rows,
    description, business_context, enabled_for_qa, artifact_key, sheet, modified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
    owner_id = EXCLUDED.owner_id,
    kind = EXCLUDED.kind,
    display_name = EXCLUDED.display_name,
    columns = EXCLUDED.columns,
    row_count_estimate = EXCLUDED.row_count_estimate,
    preview_rows = EXCLUDED.preview_rows,
    description = EXCLUDED.description,
    business_context = EXCLUDED.business_context,
    enabled_for_qa = EXCLUDED.enabled_for_qa,
    artifact_key = EXCLUDED.artifact_key,
    sheet = EXCLUDED.sheet,
    modified_at = EXCLUDED.modified_at,
    updated_at = NOW()`

// UpsertSource inserts src or replaces the stored source with the same id.
func (s *PostgresStore) UpsertSource(ctx context.Context, src smartquery.Source) error {
	if src.ID == "" {
		return errors.New("source id is required")
	}
	columns := src.Columns
	if columns == nil {
		columns = []smartquery.Column{}
	}
	columnsJSON, err := json.Marshal(columns)
	if err != nil {
		return fmt.Errorf("failed to encode columns: %w", err)
	}
	preview := src.PreviewRows
	if preview == nil {
		preview = [][]any{}
	}
	previewJSON, err := json.Marshal(preview)
	if err != nil {
		return fmt.Errorf("failed to encode preview rows: %w", err)
	}
	var modifiedAt *time.Time
	if !src.ModifiedAt.IsZero() {
		modifiedAt = &src.ModifiedAt
	}
	_, err = s.pool.Exec(ctx, upsertSourceQuery, src.ID, src.OwnerID, string(src.Kind), src.DisplayName, columnsJSON,
		src.RowCountEstimate, previewJSON, src.Description, src.BusinessContext, src.EnabledForQA, src.ArtifactKey,
		src.Sheet, modifiedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert source %s: %w", src.ID, err)
	}
	return nil
}

// SetEnabled flips the question-answering opt-in of a source.
func (s *PostgresStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE smartquery_sources SET enabled_for_qa = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update source %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	s.log.Info("catalog: source updated", "id", id, "enabled_for_qa", enabled)
	return nil
}
