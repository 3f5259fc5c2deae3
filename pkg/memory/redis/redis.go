// Package redis provides a Redis-backed [memory.Store] for deployments that
// run several host instances against shared conversation memory.
//
// Each memory key maps to one Redis list of JSON-encoded entries. Upserts run
// in an optimistic WATCH/MULTI transaction so concurrent writers to the same
// key never lose an update.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/voicebff/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// KeyPrefix namespaces memory lists.
const KeyPrefix = "mem:"

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 16

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries caps the entries kept per key. Zero keeps everything.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithTTL expires an idle memory key after d. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// Store is a Redis-backed conversation memory. Safe for concurrent use.
type Store struct {
	client     *redis.Client
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// New connects to the Redis server at url (redis://host:port/db) and verifies
// the connection.
func New(ctx context.Context, url string, opts ...Option) (*Store, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis store: parse url: %w", err)
	}
	ro.DialTimeout = 5 * time.Second
	ro.ReadTimeout = 3 * time.Second
	ro.WriteTimeout = 3 * time.Second
	ro.MaxRetries = 3

	c := redis.NewClient(ro)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return NewFromClient(c, opts...), nil
}

// NewFromClient wraps an existing client. Close closes it.
func NewFromClient(c *redis.Client, opts ...Option) *Store {
	s := &Store{client: c, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Read implements [memory.Store].
func (s *Store) Read(ctx context.Context, key string, limit int) ([]memory.Entry, error) {
	if key == "" {
		return nil, memory.ErrInvalidKey
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.client.LRange(ctx, KeyPrefix+key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: read: %w", err)
	}
	return decodeAll(raw)
}

// Upsert implements [memory.Store].
func (s *Store) Upsert(ctx context.Context, key string, entry memory.Entry) error {
	if err := memory.Validate(key, &entry, s.now()); err != nil {
		return err
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis store: encode: %w", err)
	}
	listKey := KeyPrefix + key

	txf := func(tx *redis.Tx) error {
		index := int64(-1)
		if entry.ItemID != "" {
			raw, err := tx.LRange(ctx, listKey, 0, -1).Result()
			if err != nil {
				return err
			}
			entries, err := decodeAll(raw)
			if err != nil {
				return err
			}
			for i, e := range entries {
				if e.ItemID == entry.ItemID {
					index = int64(i)
					break
				}
			}
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if index >= 0 {
				p.LSet(ctx, listKey, index, encoded)
			} else {
				p.RPush(ctx, listKey, encoded)
			}
			if s.maxEntries > 0 {
				p.LTrim(ctx, listKey, -int64(s.maxEntries), -1)
			}
			if s.ttl > 0 {
				p.Expire(ctx, listKey, s.ttl)
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, listKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis store: upsert: %w", err)
		}
		return nil
	}
	return fmt.Errorf("redis store: upsert: %w", redis.TxFailedErr)
}

// Reset implements [memory.Store].
func (s *Store) Reset(ctx context.Context, key string) error {
	if key == "" {
		return memory.ErrInvalidKey
	}
	if err := s.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis store: reset: %w", err)
	}
	return nil
}

// Ping checks server connectivity. Used as a readiness trial.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decodeAll(raw []string) ([]memory.Entry, error) {
	out := make([]memory.Entry, 0, len(raw))
	for _, r := range raw {
		var e memory.Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("redis store: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
