// ABOUTME: SQLite implementation of ArtifactStore using modernc.org/sqlite
// ABOUTME: Persists finalized artifacts with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements ArtifactStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens the database at path, creating parent directories
// and the schema if needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			section TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			html TEXT NOT NULL DEFAULT '',
			metadata_json TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_artifacts_request
			ON artifacts(request_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveArtifact renders and upserts a. A missing ID gets a new UUID.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, a Artifact) error {
	if a.RequestID == "" {
		return errors.New("artifact request id is required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if err := Render(&a); err != nil {
		return err
	}

	var meta sql.NullString
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO artifacts (id, request_id, agent_id, section, title, format, content, html, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request_id = excluded.request_id,
			agent_id = excluded.agent_id,
			section = excluded.section,
			title = excluded.title,
			format = excluded.format,
			content = excluded.content,
			html = excluded.html,
			metadata_json = excluded.metadata_json
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.RequestID, a.AgentID, a.Section, a.Title, a.Format, a.Content, a.HTML, meta, a.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}

	s.logger.Debug("artifact saved", "artifact_id", a.ID, "request_id", a.RequestID, "format", a.Format)
	return nil
}

// GetArtifact retrieves an artifact by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	query := `
		SELECT id, request_id, agent_id, section, title, format, content, html, metadata_json, created_at
		FROM artifacts
		WHERE id = ?
	`
	a, err := scanArtifact(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the artifacts of one request, oldest first. An
// empty requestID lists every artifact.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, requestID string) ([]*Artifact, error) {
	query := `
		SELECT id, request_id, agent_id, section, title, format, content, html, metadata_json, created_at
		FROM artifacts
		WHERE ? = '' OR request_id = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, requestID, requestID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating artifacts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*Artifact, error) {
	var (
		a         Artifact
		meta      sql.NullString
		createdAt string
	)
	if err := row.Scan(&a.ID, &a.RequestID, &a.AgentID, &a.Section, &a.Title, &a.Format,
		&a.Content, &a.HTML, &meta, &createdAt); err != nil {
		return nil, err
	}
	var err error
	a.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &a, nil
}
