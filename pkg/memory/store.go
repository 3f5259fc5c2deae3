// Package memory defines the persisted conversation memory consumed by voice
// sessions.
//
// Memory is keyed by an opaque memory key (typically a user or conversation
// id) so that several sessions, possibly concurrent, continue the same
// conversation. The session host reads the tail of a key to replay context
// into a fresh agent connection and upserts every completed user and
// assistant turn as it happens.
//
// Backends live in sub-packages: file (single JSON document), postgres and
// redis. Every implementation must be safe for concurrent use, including
// concurrent upserts to the same key.
package memory

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidKey is returned for blank memory keys.
var ErrInvalidKey = errors.New("memory: key must not be empty")

// ErrInvalidEntry is returned for entries with an unknown role or blank text.
var ErrInvalidEntry = errors.New("memory: invalid entry")

// Store is the conversation memory contract.
type Store interface {
	// Read returns the entries stored under key, oldest first. When limit > 0
	// only the most recent limit entries are returned. An unknown key yields
	// an empty slice and no error.
	Read(ctx context.Context, key string, limit int) ([]Entry, error)

	// Upsert stores entry under key. An existing entry with the same non-empty
	// ItemID is replaced in place (keeping its position); otherwise entry is
	// appended.
	Upsert(ctx context.Context, key string, entry Entry) error

	// Reset deletes everything stored under key.
	Reset(ctx context.Context, key string) error
}

// Validate checks key and entry and fills a zero CreatedAt with now. It is
// shared by every backend so they reject the same inputs.
func Validate(key string, entry *Entry, now time.Time) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if !entry.Role.Valid() {
		return errors.Join(ErrInvalidEntry, errors.New("unknown role "+string(entry.Role)))
	}
	if strings.TrimSpace(entry.Text) == "" {
		return errors.Join(ErrInvalidEntry, errors.New("text must not be empty"))
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now.UTC()
	}
	return nil
}

// Tail returns the last limit entries of entries, or all of them when
// limit <= 0.
func Tail(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Upsert applies upsert-by-ItemID semantics to entries and returns the
// resulting slice.
func Upsert(entries []Entry, entry Entry) []Entry {
	if entry.ItemID != "" {
		for i := range entries {
			if entries[i].ItemID == entry.ItemID {
				entries[i] = entry
				return entries
			}
		}
	}
	return append(entries, entry)
}
