package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/venturekit/dealflow/internal/core/domain"
	"github.com/venturekit/dealflow/internal/core/ports"
)

// Store implements the document store over a single DuckDB table. Documents
// are stored as JSON keyed by (collection, id); this keeps the adapter
// schemaless the way the kernel's collaborator contract expects.
type Store struct {
	db *sql.DB
}

var _ ports.DocumentStore = (*Store)(nil)

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %s: %w", path, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection VARCHAR NOT NULL,
		id         VARCHAR NOT NULL,
		data       JSON NOT NULL,
		updated_at TIMESTAMP DEFAULT current_timestamp,
		PRIMARY KEY (collection, id)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init documents schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, collection, id string) (domain.Document, error) {
	var raw string
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrDocumentNotFound)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	var doc domain.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, doc domain.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}

	query := `
	INSERT INTO documents (collection, id, data, updated_at)
	VALUES (?, ?, ?, current_timestamp)
	ON CONFLICT (collection, id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at;`
	if _, err := s.db.ExecContext(ctx, query, collection, id, string(data)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Update merges fields into an existing document via read-modify-write. The
// kernel is the only writer per (collection, id), so no row lock is needed.
func (s *Store) Update(ctx context.Context, collection, id string, fields domain.Document) error {
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	for k, v := range fields {
		doc[k] = v
	}
	return s.Set(ctx, collection, id, doc)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, filter func(domain.Document) bool) (map[string]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	docs := make(map[string]domain.Document)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		var doc domain.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
		}
		if filter == nil || filter(doc) {
			docs[id] = doc
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return docs, nil
}
