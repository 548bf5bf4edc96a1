package routing

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/nextlevelbuilder/turnkit/internal/turn"
)

var (
	// ErrSelectorNotFound reports a RouteSpec naming a selector nobody provides.
	ErrSelectorNotFound = errors.New("routing: selector not found")
	// ErrSelectorSignature reports a named selector of the wrong function type.
	ErrSelectorSignature = errors.New("routing: selector signature mismatch")
)

// RouteSpec declares a route next to its handler. Exactly one of Type,
// Pattern or SelectorName must be set. Pattern is matched against the
// activity type. A nil Rank means RankUnspecified.
type RouteSpec struct {
	Type         string
	Pattern      string
	SelectorName string
	Invoke       bool
	Rank         *Rank
	Handler      Handler
}

func (s RouteSpec) describe() string {
	switch {
	case s.Type != "":
		return "type " + s.Type
	case s.Pattern != "":
		return "pattern " + s.Pattern
	default:
		return "selector " + s.SelectorName
	}
}

// Resolve turns declared specs into routes, looking named selectors up in
// selectors. Values in selectors must be a Selector or a function with the
// same signature; anything else is a signature mismatch.
func Resolve(specs []RouteSpec, selectors map[string]any) ([]Route, error) {
	routes := make([]Route, 0, len(specs))
	for i, s := range specs {
		set := 0
		for _, v := range []string{s.Type, s.Pattern, s.SelectorName} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("route %d: %w: exactly one of type, pattern or selector name is required", i, ErrInvalidArgument)
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("route %d (%s): %w: nil handler", i, s.describe(), ErrInvalidArgument)
		}

		var sel Selector
		switch {
		case s.Type != "":
			sel = ActivityType(s.Type)
		case s.Pattern != "":
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return nil, fmt.Errorf("route %d (%s): %w: %v", i, s.describe(), ErrInvalidArgument, err)
			}
			sel = ActivityTypeMatching(re)
		default:
			v, ok := selectors[s.SelectorName]
			if !ok {
				return nil, fmt.Errorf("route %d: %w: %q", i, ErrSelectorNotFound, s.SelectorName)
			}
			fn, err := asSelector(v)
			if err != nil {
				return nil, fmt.Errorf("route %d: %w: %q is %T", i, err, s.SelectorName, v)
			}
			sel = fn
		}

		rank := RankUnspecified
		if s.Rank != nil {
			rank = *s.Rank
		}
		routes = append(routes, Route{Selector: sel, Handler: s.Handler, Rank: rank, Invoke: s.Invoke})
	}
	return routes, nil
}

func asSelector(v any) (Selector, error) {
	switch fn := v.(type) {
	case Selector:
		if fn != nil {
			return fn, nil
		}
	case func(context.Context, turn.Context) bool:
		if fn != nil {
			return fn, nil
		}
	}
	return nil, ErrSelectorSignature
}
