// Package history records generated images in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/manash/qrmr/internal/credentials"
)

var ErrNotFound = errors.New("generation not found")

const schema = `
CREATE TABLE IF NOT EXISTS generations (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL,
    negative_prompt TEXT,
    provider TEXT NOT NULL,
    primary_provider TEXT NOT NULL,
    used_fallback INTEGER NOT NULL DEFAULT 0,
    request_id TEXT,
    warnings_json TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS images (
    id TEXT PRIMARY KEY,
    generation_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    path TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    model TEXT,
    seed INTEGER,
    FOREIGN KEY (generation_id) REFERENCES generations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_generations_created_at ON generations(created_at);
CREATE INDEX IF NOT EXISTS idx_generations_provider ON generations(provider);
CREATE INDEX IF NOT EXISTS idx_images_generation_id ON images(generation_id);
`

type Store struct {
	db *sql.DB
}

// NewStore opens the history database in the user's config directory.
func NewStore() (*Store, error) {
	dbPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMA foreign_keys is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

func DefaultPath() (string, error) {
	dir, err := credentials.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores g and its images in one transaction.
func (s *Store) Record(ctx context.Context, g *Generation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO generations (id, profile, prompt, negative_prompt, provider, primary_provider,
		                          used_fallback, request_id, warnings_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Profile, g.Prompt, nullString(g.NegativePrompt), g.Provider, g.PrimaryProvider,
		g.UsedFallback, nullString(g.RequestID), nullString(encodeWarnings(g.Warnings)), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert generation: %w", err)
	}

	for i, img := range g.Images {
		var seed sql.NullInt64
		if img.Seed != nil {
			seed = sql.NullInt64{Int64: *img.Seed, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO images (id, generation_id, position, path, mime_type, model, seed)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			img.ID, g.ID, i, img.Path, img.MimeType, nullString(img.Model), seed)
		if err != nil {
			return fmt.Errorf("failed to insert image %d: %w", i+1, err)
		}
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*Generation, error) {
	row := s.db.QueryRowContext(ctx, selectGeneration+` WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if g.Images, err = s.images(ctx, g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// Recent returns up to limit generations, newest first, with their images.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Generation, error) {
	rows, err := s.db.QueryContext(ctx, selectGeneration+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []*Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, g := range gens {
		if g.Images, err = s.images(ctx, g.ID); err != nil {
			return nil, err
		}
	}
	return gens, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, id)
	return err
}

func (s *Store) SummaryByProvider(ctx context.Context) ([]ProviderSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.provider, COUNT(DISTINCT g.id), COUNT(i.id),
		        COUNT(DISTINCT CASE WHEN g.used_fallback THEN g.id END)
		 FROM generations g LEFT JOIN images i ON i.generation_id = g.id
		 GROUP BY g.provider ORDER BY g.provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ProviderSummary
	for rows.Next() {
		var ps ProviderSummary
		if err := rows.Scan(&ps.Provider, &ps.Generations, &ps.Images, &ps.Fallbacks); err != nil {
			return nil, err
		}
		summaries = append(summaries, ps)
	}
	return summaries, rows.Err()
}

const selectGeneration = `SELECT id, profile, prompt, negative_prompt, provider, primary_provider,
       used_fallback, request_id, warnings_json, created_at
FROM generations`

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row scanner) (*Generation, error) {
	g := &Generation{}
	var negative, requestID, warnings sql.NullString
	err := row.Scan(&g.ID, &g.Profile, &g.Prompt, &negative, &g.Provider, &g.PrimaryProvider,
		&g.UsedFallback, &requestID, &warnings, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	g.NegativePrompt = negative.String
	g.RequestID = requestID.String
	g.Warnings = decodeWarnings(warnings.String)
	return g, nil
}

func (s *Store) images(ctx context.Context, generationID string) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, generation_id, path, mime_type, model, seed
		 FROM images WHERE generation_id = ? ORDER BY position`, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var model sql.NullString
		var seed sql.NullInt64
		if err := rows.Scan(&img.ID, &img.GenerationID, &img.Path, &img.MimeType, &model, &seed); err != nil {
			return nil, err
		}
		img.Model = model.String
		if seed.Valid {
			v := seed.Int64
			img.Seed = &v
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
