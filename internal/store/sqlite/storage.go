// Package sqlite provides a single-file store.Storage for standalone deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/turnkit/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Storage implements store.Storage on a SQLite database file.
type Storage struct {
	db *sql.DB
}

var _ store.Storage = (*Storage)(nil)

// Open creates or opens the database at path and applies the schema.
// Pass ":memory:" for a throwaway database.
func Open(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) Read(ctx context.Context, keys []string) (map[string]store.Item, error) {
	out := make(map[string]store.Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := `SELECT key, value, etag FROM store_items WHERE key IN (` + placeholders(len(keys)) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite read items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value, etag string
		if err := rows.Scan(&key, &value, &etag); err != nil {
			return nil, fmt.Errorf("sqlite scan item: %w", err)
		}
		out[key] = store.Item{Value: []byte(value), ETag: etag}
	}
	return out, rows.Err()
}

func (s *Storage) Write(ctx context.Context, items map[string]store.Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin write: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for key, it := range items {
		value := string(it.Value)
		if value == "" {
			value = "null"
		}
		newETag := uuid.NewString()

		if !store.ConditionalETag(it.ETag) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_items (key, value, etag, updated_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value, etag = excluded.etag, updated_at = excluded.updated_at`,
				key, value, newETag, now,
			); err != nil {
				return fmt.Errorf("sqlite upsert %q: %w", key, err)
			}
			continue
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO store_items (key, value, etag, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, etag = excluded.etag, updated_at = excluded.updated_at
			 WHERE store_items.etag = ?`,
			key, value, newETag, now, it.ETag,
		)
		if err != nil {
			return fmt.Errorf("sqlite conditional upsert %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &store.ConflictError{Key: key}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit write: %w", err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM store_items WHERE key IN (`+placeholders(len(keys))+`)`, args...); err != nil {
		return fmt.Errorf("sqlite delete items: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
