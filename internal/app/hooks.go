package app

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/turnkit/internal/turn"
)

// TurnHook runs before or after route selection. Returning false ends the turn.
type TurnHook func(ctx context.Context, tc turn.Context, ts *turn.State) (bool, error)

// ErrorHook observes an error raised while processing a turn.
type ErrorHook func(ctx context.Context, tc turn.Context, ts *turn.State, err error) error

// queue is an append-only list iterated in registration order. Iteration
// works on a snapshot, so hooks may be added while turns run.
type queue[T any] struct {
	mu    sync.RWMutex
	items []T
}

func (q *queue[T]) add(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

func (q *queue[T]) snapshot() []T {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

func (q *queue[T]) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}
