// Package routing holds the ranked route table and the selector constructors
// used to decide which handler runs for an inbound activity.
package routing

import (
	"context"
	"math"

	"github.com/nextlevelbuilder/turnkit/internal/turn"
)

// Rank orders route evaluation; lower ranks are tried first.
type Rank uint16

const (
	RankFirst       Rank = 0
	RankLast        Rank = math.MaxUint16
	RankUnspecified Rank = RankLast / 2
)

// RankAt returns a pointer to r, for declarative route specs.
func RankAt(r Rank) *Rank { return &r }

// Selector reports whether a route applies to the current turn.
// Selectors must be free of side effects: once one matches, later selectors
// are not evaluated.
type Selector func(ctx context.Context, tc turn.Context) bool

// Handler runs the selected route.
type Handler func(ctx context.Context, tc turn.Context, ts *turn.State) error

// Route is one entry of a RouteTable. Routes are immutable once added.
type Route struct {
	Selector Selector
	Handler  Handler
	Rank     Rank
	Invoke   bool
}
