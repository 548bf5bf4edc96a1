// Package app dispatches turns: it loads turn state, gates on user sign-in,
// runs hooks and file downloaders, selects the first matching route and
// saves state afterwards.
package app

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/turnkit/internal/auth"
	"github.com/nextlevelbuilder/turnkit/internal/routing"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Application owns the route table, the hook queues and the sign-in
// coordinator. It is safe for concurrent turns.
type Application struct {
	opts   Options
	routes *routing.RouteTable
	tracer trace.Tracer

	beforeTurn  queue[TurnHook]
	afterTurn   queue[TurnHook]
	turnError   queue[ErrorHook]
	downloaders queue[turn.FileDownloader]
}

// New validates opts and builds an Application. Routes declared by the
// declarers are resolved and added before New returns.
func New(opts Options, declarers ...RouteDeclarer) (*Application, error) {
	opts = opts.withDefaults()
	if opts.UserAuthorization != nil && opts.Storage == nil && opts.TurnStateFactory == nil {
		return nil, &ConfigError{Field: "Storage", Err: ErrMissingStorage}
	}

	a := &Application{
		opts:   opts,
		routes: routing.NewRouteTable(opts.RouteLockTimeout),
		tracer: otel.Tracer("turnkit/app"),
	}
	for _, d := range opts.FileDownloaders {
		if d != nil {
			a.downloaders.add(d)
		}
	}

	for _, d := range declarers {
		var selectors map[string]any
		if sp, ok := d.(SelectorProvider); ok {
			selectors = sp.Selectors()
		}
		routes, err := routing.Resolve(d.Routes(), selectors)
		if err != nil {
			return nil, &ConfigError{Field: "routes", Err: err}
		}
		for _, r := range routes {
			if err := a.routes.AddRoute(r.Selector, r.Handler, r.Invoke, r.Rank); err != nil {
				return nil, &ConfigError{Field: "routes", Err: err}
			}
		}
	}

	slog.Debug("application created", "routes", a.routes.Len(), "auth", opts.UserAuthorization != nil)
	return a, nil
}

// Options returns the effective options.
func (a *Application) Options() Options { return a.opts }

// Routes exposes the route table.
func (a *Application) Routes() *routing.RouteTable { return a.routes }

// UserAuthorization returns the sign-in coordinator, or nil.
func (a *Application) UserAuthorization() *auth.UserAuthorization { return a.opts.UserAuthorization }

// RouteOption adjusts a route at registration.
type RouteOption func(*routeOptions)

type routeOptions struct {
	rank   routing.Rank
	invoke bool
}

// WithRank sets the rank of the route. Lower ranks are tried first.
func WithRank(r routing.Rank) RouteOption {
	return func(o *routeOptions) { o.rank = r }
}

// AsInvoke places the route in the invoke group, tried before ordinary routes
// for invoke activities.
func AsInvoke() RouteOption {
	return func(o *routeOptions) { o.invoke = true }
}

// AddRoute registers a route built from a selector and a handler.
func (a *Application) AddRoute(sel routing.Selector, h routing.Handler, opts ...RouteOption) error {
	o := routeOptions{rank: routing.RankUnspecified}
	for _, opt := range opts {
		opt(&o)
	}
	return a.routes.AddRoute(sel, h, o.invoke, o.rank)
}

// OnActivity routes activities of the given type.
func (a *Application) OnActivity(typ string, h routing.Handler, opts ...RouteOption) error {
	if typ == "" {
		return routing.ErrInvalidArgument
	}
	return a.AddRoute(routing.ActivityType(typ), h, opts...)
}

// OnActivityMatching routes activities whose type matches re.
func (a *Application) OnActivityMatching(re *regexp.Regexp, h routing.Handler, opts ...RouteOption) error {
	if re == nil {
		return routing.ErrInvalidArgument
	}
	return a.AddRoute(routing.ActivityTypeMatching(re), h, opts...)
}

// OnActivities registers one route per entry of set, all sharing h and opts.
func (a *Application) OnActivities(set routing.Set, h routing.Handler, opts ...RouteOption) error {
	sels := set.Expand()
	if len(sels) == 0 || h == nil {
		return routing.ErrInvalidArgument
	}
	for _, sel := range sels {
		if err := a.AddRoute(sel, h, opts...); err != nil {
			return err
		}
	}
	return nil
}

// OnMessage routes messages whose trimmed text equals text, ignoring case.
func (a *Application) OnMessage(text string, h routing.Handler, opts ...RouteOption) error {
	return a.AddRoute(routing.MessageText(text), h, opts...)
}

// OnMessageMatching routes messages whose text matches re.
func (a *Application) OnMessageMatching(re *regexp.Regexp, h routing.Handler, opts ...RouteOption) error {
	if re == nil {
		return routing.ErrInvalidArgument
	}
	return a.AddRoute(routing.MessageMatching(re), h, opts...)
}

// OnEvent routes event activities with the given name.
func (a *Application) OnEvent(name string, h routing.Handler, opts ...RouteOption) error {
	if name == "" {
		return routing.ErrInvalidArgument
	}
	return a.AddRoute(routing.EventName(name), h, opts...)
}

// OnConversationUpdate routes conversation updates for the given sub-event.
func (a *Application) OnConversationUpdate(event string, h routing.Handler, opts ...RouteOption) error {
	return a.AddRoute(routing.ConversationUpdate(event), h, opts...)
}

// OnMessageReactionsAdded routes reaction activities that add reactions.
func (a *Application) OnMessageReactionsAdded(h routing.Handler, opts ...RouteOption) error {
	return a.AddRoute(routing.ReactionsAdded(), h, opts...)
}

// OnMessageReactionsRemoved routes reaction activities that remove reactions.
func (a *Application) OnMessageReactionsRemoved(h routing.Handler, opts ...RouteOption) error {
	return a.AddRoute(routing.ReactionsRemoved(), h, opts...)
}

// OnInvoke routes invoke activities with the given name in the invoke group.
func (a *Application) OnInvoke(name string, h routing.Handler, opts ...RouteOption) error {
	if name == "" {
		return routing.ErrInvalidArgument
	}
	return a.AddRoute(routing.InvokeName(name), h, append(opts, AsInvoke())...)
}

// OnBeforeTurn adds a hook run after the sign-in gate and before routing.
func (a *Application) OnBeforeTurn(h TurnHook) { a.beforeTurn.add(h) }

// OnAfterTurn adds a hook run after the route handler and before state is saved.
func (a *Application) OnAfterTurn(h TurnHook) { a.afterTurn.add(h) }

// OnTurnError adds a hook that observes turn errors.
func (a *Application) OnTurnError(h ErrorHook) { a.turnError.add(h) }

// AddFileDownloader appends a downloader run before routing.
func (a *Application) AddFileDownloader(d turn.FileDownloader) {
	if d != nil {
		a.downloaders.add(d)
	}
}

func (a *Application) handleError(ctx context.Context, tc turn.Context, ts *turn.State, err error) error {
	errs := []error{err}
	for _, h := range a.turnError.snapshot() {
		if herr := h(ctx, tc, ts, err); herr != nil {
			errs = append(errs, herr)
		}
	}
	if len(errs) == 1 {
		return err
	}
	return errors.Join(errs...)
}

func isMessage(act *protocol.Activity) bool { return act.IsType(protocol.ActivityTypeMessage) }
