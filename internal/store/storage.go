package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ETagAny disables the concurrency check on Write.
const ETagAny = "*"

// ErrConcurrencyConflict is returned by Write when an item carries an ETag that
// does not match the ETag of the stored item with the same key.
var ErrConcurrencyConflict = errors.New("store: etag concurrency conflict")

// Item is one stored value and its concurrency tag.
type Item struct {
	Value json.RawMessage `json:"value"`
	ETag  string          `json:"eTag,omitempty"`
}

// NewItem marshals v into an Item carrying etag.
func NewItem(v any, etag string) (Item, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Item{}, fmt.Errorf("marshal store item: %w", err)
	}
	return Item{Value: data, ETag: etag}, nil
}

// Decode unmarshals the item value into dst.
func (i Item) Decode(dst any) error {
	if len(i.Value) == 0 {
		return nil
	}
	return json.Unmarshal(i.Value, dst)
}

// Storage is a key-value store with optimistic concurrency on write.
//
// Write semantics, shared by every backend:
//   - ETag "" or "*": unconditional upsert.
//   - any other ETag: succeeds when no item exists for the key, or the stored
//     item has the same ETag; otherwise ErrConcurrencyConflict.
//   - each successful write stores a freshly generated ETag.
//
// Read omits keys that are not present.
type Storage interface {
	Read(ctx context.Context, keys []string) (map[string]Item, error)
	Write(ctx context.Context, items map[string]Item) error
	Delete(ctx context.Context, keys []string) error
}

// ConditionalETag reports whether etag requests a concurrency check.
func ConditionalETag(etag string) bool {
	return etag != "" && etag != ETagAny
}

// ConflictError wraps ErrConcurrencyConflict with the offending key.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: etag conflict on key %q", e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }
