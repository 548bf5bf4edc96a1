package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/turnkit/internal/store"
)

// PGStorage implements store.Storage backed by the store_items table.
type PGStorage struct {
	db *sql.DB
}

var _ store.Storage = (*PGStorage)(nil)

func NewPGStorage(db *sql.DB) *PGStorage {
	return &PGStorage{db: db}
}

func (s *PGStorage) Read(ctx context.Context, keys []string) (map[string]store.Item, error) {
	out := make(map[string]store.Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, etag FROM store_items WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("pg read items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
			etag  string
		)
		if err := rows.Scan(&key, &value, &etag); err != nil {
			return nil, fmt.Errorf("pg scan item: %w", err)
		}
		out[key] = store.Item{Value: value, ETag: etag}
	}
	return out, rows.Err()
}

func (s *PGStorage) Write(ctx context.Context, items map[string]store.Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg begin write: %w", err)
	}
	defer tx.Rollback()

	for key, it := range items {
		value := []byte(it.Value)
		if len(value) == 0 {
			value = []byte("null")
		}
		newETag := uuid.NewString()

		if !store.ConditionalETag(it.ETag) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_items (key, value, etag, updated_at) VALUES ($1, $2, $3, now())
				 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, etag = EXCLUDED.etag, updated_at = EXCLUDED.updated_at`,
				key, value, newETag,
			); err != nil {
				return fmt.Errorf("pg upsert %q: %w", key, err)
			}
			continue
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO store_items (key, value, etag, updated_at) VALUES ($1, $2, $3, now())
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, etag = EXCLUDED.etag, updated_at = EXCLUDED.updated_at
			 WHERE store_items.etag = $4`,
			key, value, newETag, it.ETag,
		)
		if err != nil {
			return fmt.Errorf("pg conditional upsert %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &store.ConflictError{Key: key}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pg commit write: %w", err)
	}
	return nil
}

func (s *PGStorage) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM store_items WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("pg delete items: %w", err)
	}
	return nil
}
