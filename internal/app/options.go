package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/auth"
	"github.com/nextlevelbuilder/turnkit/internal/routing"
	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
)

// Typing indicator defaults: first indicator after one second, then every second.
const (
	DefaultTypingDelay    = time.Second
	DefaultTypingInterval = time.Second
)

// TurnStateFactory loads the state of a turn.
type TurnStateFactory func(ctx context.Context, tc turn.Context) (*turn.State, error)

// Options configures an Application.
type Options struct {
	// Storage persists turn state. Required with UserAuthorization unless a
	// TurnStateFactory is given.
	Storage store.Storage

	// StartTypingTimer sends typing indicators while a message turn runs.
	StartTypingTimer  bool
	TypingDelay       time.Duration
	TypingInterval    time.Duration
	TypingMaxDuration time.Duration

	// NormalizeMentions strips the agent's own mention from message text and
	// unwraps the markup of other mentions. RemoveRecipientMention only strips
	// the agent's mention and is ignored when NormalizeMentions is set.
	NormalizeMentions      bool
	RemoveRecipientMention bool

	TurnStateFactory  TurnStateFactory
	UserAuthorization *auth.UserAuthorization
	FileDownloaders   []turn.FileDownloader

	// RouteLockTimeout bounds waits on the route table lock.
	RouteLockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TypingDelay <= 0 {
		o.TypingDelay = DefaultTypingDelay
	}
	if o.TypingInterval <= 0 {
		o.TypingInterval = DefaultTypingInterval
	}
	if o.RouteLockTimeout <= 0 {
		o.RouteLockTimeout = routing.DefaultLockTimeout
	}
	return o
}

// ErrMissingStorage is wrapped in a ConfigError when sign-in is configured
// without a place to keep conversation state.
var ErrMissingStorage = errors.New("storage is required")

// ConfigError reports an invalid Application configuration. It is only
// returned by New and route registration, never from a turn.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("app: invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// RouteDeclarer declares routes next to their handlers, typically methods of
// an agent type. Declared routes join the same ranked table as routes added
// with the On* methods.
type RouteDeclarer interface {
	Routes() []routing.RouteSpec
}

// SelectorProvider supplies the named selectors referenced by RouteSpec.SelectorName.
type SelectorProvider interface {
	Selectors() map[string]any
}
