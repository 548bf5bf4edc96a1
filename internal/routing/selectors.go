package routing

import (
	"context"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// ActivityType matches activities whose type equals typ, ignoring case.
func ActivityType(typ string) Selector {
	return func(_ context.Context, tc turn.Context) bool {
		return tc.Activity().IsType(typ)
	}
}

// ActivityTypeMatching matches activities whose type matches re anywhere.
func ActivityTypeMatching(re *regexp.Regexp) Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		return a != nil && a.Type != "" && re.MatchString(a.Type)
	}
}

// MessageText matches message activities whose trimmed text equals text, ignoring case.
func MessageText(text string) Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		return a.IsType(protocol.ActivityTypeMessage) && strings.EqualFold(strings.TrimSpace(a.Text), text)
	}
}

// MessageMatching matches message activities whose text matches re anywhere.
func MessageMatching(re *regexp.Regexp) Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		return a.IsType(protocol.ActivityTypeMessage) && a.Text != "" && re.MatchString(a.Text)
	}
}

// EventName matches event activities named name, ignoring case.
func EventName(name string) Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		return a.IsType(protocol.ActivityTypeEvent) && strings.EqualFold(a.Name, name)
	}
}

// EventMatching matches event activities whose name matches re anywhere.
func EventMatching(re *regexp.Regexp) Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		return a.IsType(protocol.ActivityTypeEvent) && a.Name != "" && re.MatchString(a.Name)
	}
}

// InvokeName matches invoke activities named name, ignoring case.
func InvokeName(name string) Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		return a.IsType(protocol.ActivityTypeInvoke) && strings.EqualFold(a.Name, name)
	}
}

// ConversationUpdate matches conversation-update activities. The
// membersAdded and membersRemoved events additionally require the
// corresponding member list to be non-empty; any other event name matches
// every conversation update.
func ConversationUpdate(event string) Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		if !a.IsType(protocol.ActivityTypeConversationUpdate) {
			return false
		}
		switch {
		case strings.EqualFold(event, protocol.ConversationUpdateMembersAdded):
			return len(a.MembersAdded) > 0
		case strings.EqualFold(event, protocol.ConversationUpdateMembersRemoved):
			return len(a.MembersRemoved) > 0
		default:
			return true
		}
	}
}

// ReactionsAdded matches reaction activities that add at least one reaction.
func ReactionsAdded() Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		return a.IsType(protocol.ActivityTypeMessageReaction) && len(a.ReactionsAdded) > 0
	}
}

// ReactionsRemoved matches reaction activities that remove at least one reaction.
func ReactionsRemoved() Selector {
	return func(_ context.Context, tc turn.Context) bool {
		a := tc.Activity()
		return a.IsType(protocol.ActivityTypeMessageReaction) && len(a.ReactionsRemoved) > 0
	}
}

// AnyOf matches when any of sels matches, evaluated in order.
func AnyOf(sels ...Selector) Selector {
	return func(ctx context.Context, tc turn.Context) bool {
		for _, s := range sels {
			if s != nil && s(ctx, tc) {
				return true
			}
		}
		return false
	}
}

// Set groups selectors registered as separate routes, one per element.
type Set struct {
	Types     []string
	Patterns  []*regexp.Regexp
	Selectors []Selector
}

// Expand returns one selector per element of the set, types first.
func (s Set) Expand() []Selector {
	out := make([]Selector, 0, len(s.Types)+len(s.Patterns)+len(s.Selectors))
	for _, t := range s.Types {
		out = append(out, ActivityType(t))
	}
	for _, re := range s.Patterns {
		out = append(out, ActivityTypeMatching(re))
	}
	out = append(out, s.Selectors...)
	return out
}
