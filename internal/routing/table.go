package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds how long AddRoute and Enumerate wait for the table lock.
const DefaultLockTimeout = time.Second

// maxReaders is the number of concurrent Enumerate calls the lock admits.
// A writer acquires the full weight.
const maxReaders = 1 << 16

var (
	// ErrInvalidArgument reports a nil selector or handler.
	ErrInvalidArgument = errors.New("routing: invalid argument")
	// ErrLockTimeout reports that the table lock could not be acquired in time.
	ErrLockTimeout = errors.New("routing: route table lock timeout")
)

// RouteTable is the ordered set of routes of an application. It is always
// sorted by rank, with insertion order kept among equal ranks. Writers publish
// a new backing slice so readers never see a partially sorted table.
type RouteTable struct {
	lock        *semaphore.Weighted
	lockTimeout time.Duration
	routes      []Route
}

// NewRouteTable creates an empty table. A zero lockTimeout uses DefaultLockTimeout.
func NewRouteTable(lockTimeout time.Duration) *RouteTable {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &RouteTable{
		lock:        semaphore.NewWeighted(maxReaders),
		lockTimeout: lockTimeout,
	}
}

func (t *RouteTable) acquire(weight int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.lockTimeout)
	defer cancel()
	if err := t.lock.Acquire(ctx, weight); err != nil {
		return fmt.Errorf("%w after %s", ErrLockTimeout, t.lockTimeout)
	}
	return nil
}

// AddRoute appends a route and re-sorts the table by rank.
func (t *RouteTable) AddRoute(selector Selector, handler Handler, invoke bool, rank Rank) error {
	if selector == nil {
		return fmt.Errorf("%w: nil selector", ErrInvalidArgument)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}

	if err := t.acquire(maxReaders); err != nil {
		return err
	}
	defer t.lock.Release(maxReaders)

	next := make([]Route, len(t.routes), len(t.routes)+1)
	copy(next, t.routes)
	next = append(next, Route{Selector: selector, Handler: handler, Rank: rank, Invoke: invoke})
	sort.SliceStable(next, func(i, j int) bool { return next[i].Rank < next[j].Rank })
	t.routes = next
	return nil
}

// Enumerate returns a copy of the routes whose invoke flag equals invoke, in
// rank order.
func (t *RouteTable) Enumerate(invoke bool) ([]Route, error) {
	if err := t.acquire(1); err != nil {
		return nil, err
	}
	routes := t.routes
	t.lock.Release(1)

	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Invoke == invoke {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	if err := t.acquire(1); err != nil {
		return 0
	}
	defer t.lock.Release(1)
	return len(t.routes)
}
