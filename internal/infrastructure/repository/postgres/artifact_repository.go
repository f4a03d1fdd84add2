package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

const uniqueViolation = "23505"

// ArtifactRepository is the durable generation cache. cache_key holds GenerationKey.Digest().
type ArtifactRepository struct {
	db *sql.DB
}

func NewArtifactRepository(db *sql.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *ArtifactRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker/janitor startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS generated_artifacts (
	id TEXT PRIMARY KEY,
	cache_key TEXT NOT NULL UNIQUE,
	subject_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	language TEXT NOT NULL,
	corpus TEXT NOT NULL,
	body TEXT NOT NULL,
	model_id TEXT NOT NULL,
	prompt_version TEXT NOT NULL,
	source_document_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_generated_artifacts_last_accessed ON generated_artifacts(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_generated_artifacts_subject ON generated_artifacts(subject_id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *ArtifactRepository) Get(ctx context.Context, key domain.GenerationKey) (*domain.CachedArtifact, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, subject_id, kind, language, corpus, body, model_id, prompt_version, source_document_ids, created_at, last_accessed_at
FROM generated_artifacts
WHERE cache_key = $1
`, key.Digest())

	var a domain.CachedArtifact
	var sourcesRaw []byte
	err := row.Scan(
		&a.ID, &a.Key.SubjectID, &a.Key.Kind, &a.Key.Language, &a.Key.Corpus,
		&a.Text, &a.ModelID, &a.PromptVersion, &sourcesRaw, &a.CreatedAt, &a.LastAccessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get artifact", fmt.Errorf("no artifact for subject %s", key.SubjectID))
		}
		return nil, domain.WrapError(domain.ErrStorage, "get artifact", err)
	}
	if err := json.Unmarshal(sourcesRaw, &a.SourceDocumentIDs); err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "get artifact", fmt.Errorf("unmarshal source ids: %w", err))
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastAccessedAt = a.LastAccessedAt.UTC()
	return &a, nil
}

func (r *ArtifactRepository) Insert(ctx context.Context, a *domain.CachedArtifact) error {
	sources := a.SourceDocumentIDs
	if sources == nil {
		sources = []string{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal source ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO generated_artifacts (
	id, cache_key, subject_id, kind, language, corpus, body, model_id, prompt_version, source_document_ids, created_at, last_accessed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		a.ID, a.Key.Digest(), a.Key.SubjectID, a.Key.Kind, a.Key.Language, a.Key.Corpus,
		a.Text, a.ModelID, a.PromptVersion, sourcesJSON, a.CreatedAt, a.LastAccessedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.WrapError(domain.ErrConflict, "insert artifact", err)
		}
		return domain.WrapError(domain.ErrStorage, "insert artifact", err)
	}
	return nil
}

// Touch never moves last_accessed_at backwards.
func (r *ArtifactRepository) Touch(ctx context.Context, key domain.GenerationKey, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE generated_artifacts
SET last_accessed_at = GREATEST(last_accessed_at, $2)
WHERE cache_key = $1
`, key.Digest(), at)
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "touch artifact", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "touch artifact", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "touch artifact", fmt.Errorf("no artifact for subject %s", key.SubjectID))
	}
	return nil
}

func (r *ArtifactRepository) Delete(ctx context.Context, key domain.GenerationKey) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM generated_artifacts WHERE cache_key = $1`, key.Digest()); err != nil {
		return domain.WrapError(domain.ErrStorage, "delete artifact", err)
	}
	return nil
}

func (r *ArtifactRepository) DeleteStale(ctx context.Context, lastAccessedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM generated_artifacts WHERE last_accessed_at < $1`, lastAccessedBefore)
	if err != nil {
		return 0, domain.WrapError(domain.ErrStorage, "delete stale artifacts", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, domain.WrapError(domain.ErrStorage, "delete stale artifacts", err)
	}
	return affected, nil
}
