package world

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/fablecraft/fablecraft/pkg/models"
)

// SQLiteStore is the local single-user Store backing a desktop project
// file. Attributes are stored as a JSON column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the store at path. Use
// ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("world: open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent tool executions.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			attributes TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_name
			ON entities(project_id, kind, lower(name))`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			from_id TEXT NOT NULL REFERENCES entities(id),
			to_id TEXT NOT NULL REFERENCES entities(id),
			kind TEXT NOT NULL,
			description TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_id)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("world: init schema: %w", err)
		}
	}
	return nil
}

// CreateEntity inserts a new entity.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	attrs, err := encodeAttributes(e.Attributes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, project_id, kind, name, description, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, string(e.Kind), e.Name, e.Description, attrs, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %q already exists", ErrConflict, e.Kind, e.Name)
		}
		return fmt.Errorf("world: create entity: %w", err)
	}
	return nil
}

// GetEntity returns the entity with the given ID.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, kind, name, description, attributes, created_at, updated_at
		FROM entities WHERE id = ?`, id)
	return scanEntity(row, id)
}

// UpdateEntity replaces an entity's mutable fields.
func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *models.Entity) error {
	attrs, err := encodeAttributes(e.Attributes)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET kind = ?, name = ?, description = ?, attributes = ?, updated_at = ?
		WHERE id = ?`,
		string(e.Kind), e.Name, e.Description, attrs, e.UpdatedAt, e.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %q already exists", ErrConflict, e.Kind, e.Name)
		}
		return fmt.Errorf("world: update entity: %w", err)
	}
	return requireRow(res, "entity", e.ID)
}

// DeleteEntity removes an entity and the relationships touching it.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM relationships WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return fmt.Errorf("world: delete relationships: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("world: delete entity: %w", err)
	}
	return requireRow(res, "entity", id)
}

// ListEntities returns entities matching the filter, sorted by name.
func (s *SQLiteStore) ListEntities(ctx context.Context, filter EntityFilter) ([]*models.Entity, error) {
	query := `SELECT id, project_id, kind, name, description, attributes, created_at, updated_at
		FROM entities WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Name != "" {
		query += ` AND lower(name) LIKE ?`
		args = append(args, "%"+strings.ToLower(filter.Name)+"%")
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("world: list entities: %w", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateRelationship inserts a typed edge between two existing entities.
func (s *SQLiteStore) CreateRelationship(ctx context.Context, r *models.Relationship) error {
	for _, entityID := range []string{r.FromID, r.ToID} {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM entities WHERE id = ?`, entityID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: entity %s", ErrNotFound, entityID)
		}
		if err != nil {
			return fmt.Errorf("world: create relationship: %w", err)
		}
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, project_id, from_id, to_id, kind, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.FromID, r.ToID, r.Kind, r.Description, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("world: create relationship: %w", err)
	}
	return nil
}

// DeleteRelationship removes an edge.
func (s *SQLiteStore) DeleteRelationship(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("world: delete relationship: %w", err)
	}
	return requireRow(res, "relationship", id)
}

// ListRelationships returns edges in a project; entityID, when set,
// restricts to edges touching that entity.
func (s *SQLiteStore) ListRelationships(ctx context.Context, projectID, entityID string) ([]*models.Relationship, error) {
	query := `SELECT id, project_id, from_id, to_id, kind, description, created_at
		FROM relationships WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if entityID != "" {
		query += ` AND (from_id = ? OR to_id = ?)`
		args = append(args, entityID, entityID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("world: list relationships: %w", err)
	}
	defer rows.Close()

	var out []*models.Relationship
	for rows.Next() {
		var r models.Relationship
		var desc sql.NullString
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.FromID, &r.ToID, &r.Kind, &desc, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("world: scan relationship: %w", err)
		}
		r.Description = desc.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveDocument creates or replaces a document.
func (s *SQLiteStore) SaveDocument(ctx context.Context, d *models.Document) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		d.ID, d.ProjectID, d.Title, d.Content, now, now,
	)
	if err != nil {
		return fmt.Errorf("world: save document: %w", err)
	}
	return nil
}

// GetDocument returns the document with the given ID.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var d models.Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, content, created_at, updated_at
		FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.ProjectID, &d.Title, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("world: get document: %w", err)
	}
	return &d, nil
}

// ListDocuments returns a project's documents sorted by title.
func (s *SQLiteStore) ListDocuments(ctx context.Context, projectID string) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, content, created_at, updated_at
		FROM documents WHERE project_id = ? ORDER BY title`, projectID)
	if err != nil {
		return nil, fmt.Errorf("world: list documents: %w", err)
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Title, &d.Content, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("world: scan document: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, id string) (*models.Entity, error) {
	var e models.Entity
	var kind string
	var desc, attrs sql.NullString
	err := row.Scan(&e.ID, &e.ProjectID, &kind, &e.Name, &desc, &attrs, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("world: scan entity: %w", err)
	}
	e.Kind = models.EntityKind(kind)
	e.Description = desc.String
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
			return nil, fmt.Errorf("world: decode attributes: %w", err)
		}
	}
	return &e, nil
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("world: encode attributes: %w", err)
	}
	return string(b), nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("world: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
