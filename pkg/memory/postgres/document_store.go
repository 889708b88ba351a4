package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lectern/pkg/memory"
)

// DocumentStore keeps course corpus documents in the documents table.
type DocumentStore struct {
	pool *pgxpool.Pool
}

// PutDocument implements [memory.DocumentStore]. Replacing a document keeps
// its original created_at so corpus order is stable.
func (s *DocumentStore) PutDocument(ctx context.Context, doc memory.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document store: put: empty document id")
	}
	const q = `
		INSERT INTO documents (id, scope_id, scope_type, title, text)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    scope_id   = EXCLUDED.scope_id,
		    scope_type = EXCLUDED.scope_type,
		    title      = EXCLUDED.title,
		    text       = EXCLUDED.text`

	if _, err := s.pool.Exec(ctx, q, doc.ID, doc.ScopeID, string(doc.ScopeType), doc.Title, doc.Text); err != nil {
		return fmt.Errorf("document store: put: %w", err)
	}
	return nil
}

// ListDocuments implements [memory.DocumentStore].
func (s *DocumentStore) ListDocuments(ctx context.Context, scope memory.Scope) ([]memory.Document, error) {
	const q = `
		SELECT id, scope_id, scope_type, title, text, created_at
		FROM   documents
		WHERE  scope_type = $1 AND scope_id = $2
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, string(scope.Type), scope.ID)
	if err != nil {
		return nil, fmt.Errorf("document store: list: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Document, error) {
		var (
			d         memory.Document
			scopeType string
		)
		if err := row.Scan(&d.ID, &d.ScopeID, &scopeType, &d.Title, &d.Text, &d.CreatedAt); err != nil {
			return memory.Document{}, err
		}
		d.ScopeType = memory.ScopeType(scopeType)
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("document store: scan rows: %w", err)
	}
	if docs == nil {
		docs = []memory.Document{}
	}
	return docs, nil
}
