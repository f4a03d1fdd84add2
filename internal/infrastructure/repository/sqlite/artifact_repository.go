package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

const schema = `
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
	source_document_ids TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_generated_artifacts_last_accessed ON generated_artifacts(last_accessed_at);
`

// ArtifactRepository is the embedded durable layer for single-node deployments.
// Timestamps are stored as unix milliseconds.
type ArtifactRepository struct {
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(path string) (*ArtifactRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &ArtifactRepository{db: db}, nil
}

func (r *ArtifactRepository) Close() error {
	return r.db.Close()
}

func (r *ArtifactRepository) Get(ctx context.Context, key domain.GenerationKey) (*domain.CachedArtifact, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, subject_id, kind, language, corpus, body, model_id, prompt_version, source_document_ids, created_at, last_accessed_at
FROM generated_artifacts
WHERE cache_key = ?
`, key.Digest())

	var a domain.CachedArtifact
	var sourcesRaw string
	var createdAt, accessedAt int64
	err := row.Scan(
		&a.ID, &a.Key.SubjectID, &a.Key.Kind, &a.Key.Language, &a.Key.Corpus,
		&a.Text, &a.ModelID, &a.PromptVersion, &sourcesRaw, &createdAt, &accessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get artifact", fmt.Errorf("no artifact for subject %s", key.SubjectID))
		}
		return nil, domain.WrapError(domain.ErrStorage, "get artifact", err)
	}
	if err := json.Unmarshal([]byte(sourcesRaw), &a.SourceDocumentIDs); err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "get artifact", fmt.Errorf("unmarshal source ids: %w", err))
	}
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.LastAccessedAt = time.UnixMilli(accessedAt).UTC()
	return &a, nil
}

// Insert reports domain.ErrConflict when a row with the same cache key already exists.
func (r *ArtifactRepository) Insert(ctx context.Context, a *domain.CachedArtifact) error {
	sources := a.SourceDocumentIDs
	if sources == nil {
		sources = []string{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal source ids: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO generated_artifacts (
	id, cache_key, subject_id, kind, language, corpus, body, model_id, prompt_version, source_document_ids, created_at, last_accessed_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(cache_key) DO NOTHING
`,
		a.ID, a.Key.Digest(), a.Key.SubjectID, a.Key.Kind, a.Key.Language, a.Key.Corpus,
		a.Text, a.ModelID, a.PromptVersion, string(sourcesJSON), a.CreatedAt.UnixMilli(), a.LastAccessedAt.UnixMilli(),
	)
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "insert artifact", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.WrapError(domain.ErrStorage, "insert artifact", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrConflict, "insert artifact", fmt.Errorf("artifact for subject %s already exists", a.Key.SubjectID))
	}
	return nil
}

func (r *ArtifactRepository) Touch(ctx context.Context, key domain.GenerationKey, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE generated_artifacts
SET last_accessed_at = MAX(last_accessed_at, ?)
WHERE cache_key = ?
`, at.UnixMilli(), key.Digest())
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
	if _, err := r.db.ExecContext(ctx, `DELETE FROM generated_artifacts WHERE cache_key = ?`, key.Digest()); err != nil {
		return domain.WrapError(domain.ErrStorage, "delete artifact", err)
	}
	return nil
}

func (r *ArtifactRepository) DeleteStale(ctx context.Context, lastAccessedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM generated_artifacts WHERE last_accessed_at < ?`, lastAccessedBefore.UnixMilli())
	if err != nil {
		return 0, domain.WrapError(domain.ErrStorage, "delete stale artifacts", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, domain.WrapError(domain.ErrStorage, "delete stale artifacts", err)
	}
	return affected, nil
}
