package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lectern/pkg/memory"
)

// ConversationStore persists chat turns in the conversation_turns table.
// Ordering comes from a BIGSERIAL sequence, so turns of one scope are listed
// in insert order even when created_at values collide.
type ConversationStore struct {
	pool *pgxpool.Pool
}

// InsertTurn implements [memory.ConversationStore].
func (s *ConversationStore) InsertTurn(ctx context.Context, scope memory.Scope, role memory.Role, content string, opts ...memory.TurnOption) (string, error) {
	if scope.ID == "" {
		return "", fmt.Errorf("conversation store: insert turn: empty scope id")
	}
	o := memory.ApplyTurnOptions(opts)

	const q = `
		INSERT INTO conversation_turns (id, scope_id, scope_type, role, content, incomplete)
		VALUES ($1, $2, $3, $4, $5, $6)`

	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, q, id, scope.ID, string(scope.Type), string(role), content, o.Incomplete); err != nil {
		return "", fmt.Errorf("conversation store: insert turn: %w", err)
	}
	return id, nil
}

// ListTurns implements [memory.ConversationStore].
func (s *ConversationStore) ListTurns(ctx context.Context, scope memory.Scope) ([]memory.Turn, error) {
	const q = `
		SELECT id, scope_id, scope_type, role, content, incomplete, created_at
		FROM   conversation_turns
		WHERE  scope_id = $1 AND scope_type = $2
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, scope.ID, string(scope.Type))
	if err != nil {
		return nil, fmt.Errorf("conversation store: list turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var (
			t         memory.Turn
			role      string
			scopeType string
		)
		if err := row.Scan(&t.ID, &t.ScopeID, &scopeType, &role, &t.Content, &t.Incomplete, &t.CreatedAt); err != nil {
			return memory.Turn{}, err
		}
		t.ScopeType = memory.ScopeType(scopeType)
		t.Role = memory.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}
