// Package postgres provides a PostgreSQL-backed [memory.Store].
//
// Entries live in a single conversation_memory table ordered by a BIGSERIAL
// sequence. A partial unique index on (memory_key, item_id) gives upsert by
// transport item id without constraining entries that have none.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Upsert(ctx, "user-42", memory.Entry{Role: memory.RoleUser, Text: "hi"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversationMemory = `
CREATE TABLE IF NOT EXISTS conversation_memory (
    seq         BIGSERIAL    PRIMARY KEY,
    memory_key  TEXT         NOT NULL,
    item_id     TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_memory_item
    ON conversation_memory (memory_key, item_id)
    WHERE item_id <> '';

CREATE INDEX IF NOT EXISTS idx_conversation_memory_key_seq
    ON conversation_memory (memory_key, seq);
`

// Migrate creates the conversation_memory table and its indexes. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationMemory); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
