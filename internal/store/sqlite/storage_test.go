package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/turnkit/internal/store"
)

func openTemp(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "turnkit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage_WriteReadDelete(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.Write(ctx, map[string]store.Item{
		"a": {Value: []byte(`{"n":1}`)},
		"b": {Value: []byte(`"two"`), ETag: store.ETagAny},
	}))

	got, err := s.Read(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"n":1}`, string(got["a"].Value))
	assert.NotEmpty(t, got["a"].ETag)

	require.NoError(t, s.Delete(ctx, []string{"a"}))
	got, err = s.Read(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
	assert.Contains(t, got, "b")
}

func TestStorage_ConditionalWrite(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	// First writer with a concrete tag on a new key succeeds.
	require.NoError(t, s.Write(ctx, map[string]store.Item{"x": {Value: []byte(`1`), ETag: "ex-1"}}))

	// A second writer carrying the same request tag now conflicts: the stored
	// tag was regenerated on write.
	err := s.Write(ctx, map[string]store.Item{"x": {Value: []byte(`2`), ETag: "ex-1"}})
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)

	got, err := s.Read(ctx, []string{"x"})
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(got["x"].Value))

	// The current tag is accepted.
	require.NoError(t, s.Write(ctx, map[string]store.Item{"x": {Value: []byte(`3`), ETag: got["x"].ETag}}))
	got, err = s.Read(ctx, []string{"x"})
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(got["x"].Value))
}

func TestStorage_ConflictRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Write(ctx, map[string]store.Item{"a": {Value: []byte(`1`)}}))

	err := s.Write(ctx, map[string]store.Item{
		"a": {Value: []byte(`2`), ETag: "stale"},
		"b": {Value: []byte(`3`)},
	})
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)

	got, err := s.Read(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(got["a"].Value))
	assert.NotContains(t, got, "b")
}

func TestStorage_EmptyInputs(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	got, err := s.Read(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, s.Write(ctx, nil))
	assert.NoError(t, s.Delete(ctx, nil))
}
