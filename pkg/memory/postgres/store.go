package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicebff/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is a PostgreSQL-backed conversation memory. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Read implements [memory.Store].
func (s *Store) Read(ctx context.Context, key string, limit int) ([]memory.Entry, error) {
	if key == "" {
		return nil, memory.ErrInvalidKey
	}
	// A NULL limit means no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	const q = `
		SELECT item_id, role, text, created_at
		FROM (
		    SELECT seq, item_id, role, text, created_at
		    FROM   conversation_memory
		    WHERE  memory_key = $1
		    ORDER  BY seq DESC
		    LIMIT  $2
		) tail
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, key, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres store: read: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e    memory.Entry
			role string
		)
		err := row.Scan(&e.ItemID, &role, &e.Text, &e.CreatedAt)
		e.Role = memory.Role(role)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: read: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}

// Upsert implements [memory.Store]. Entries with an ItemID already present
// under key are updated in place and keep their sequence position.
func (s *Store) Upsert(ctx context.Context, key string, entry memory.Entry) error {
	if err := memory.Validate(key, &entry, s.now()); err != nil {
		return err
	}
	const q = `
		INSERT INTO conversation_memory (memory_key, item_id, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (memory_key, item_id) WHERE item_id <> ''
		DO UPDATE SET role       = EXCLUDED.role,
		              text       = EXCLUDED.text,
		              created_at = EXCLUDED.created_at`

	if _, err := s.pool.Exec(ctx, q, key, entry.ItemID, string(entry.Role), entry.Text, entry.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: upsert: %w", err)
	}
	return nil
}

// Reset implements [memory.Store].
func (s *Store) Reset(ctx context.Context, key string) error {
	if key == "" {
		return memory.ErrInvalidKey
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_memory WHERE memory_key = $1`, key); err != nil {
		return fmt.Errorf("postgres store: reset: %w", err)
	}
	return nil
}

// Ping checks database connectivity. Used as a readiness trial.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
