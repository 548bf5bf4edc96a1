package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/turnkit/internal/auth"
	"github.com/nextlevelbuilder/turnkit/internal/channels/typing"
	"github.com/nextlevelbuilder/turnkit/internal/routing"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// streamCloseTimeout bounds the final send of a stream left open by a handler.
const streamCloseTimeout = 10 * time.Second

// ErrNilActivity is returned by OnTurn for a context without an activity.
var ErrNilActivity = errors.New("app: turn has no activity")

type typingStopKey struct{}

// StopTypingTimer stops the typing indicator of the current turn, if any.
func StopTypingTimer(ctx context.Context) {
	if stop, ok := ctx.Value(typingStopKey{}).(func()); ok {
		stop()
	}
}

// OnTurn processes one inbound activity. Errors raised between the sign-in
// gate and the after-turn hooks are passed to the error hooks and returned.
func (a *Application) OnTurn(ctx context.Context, tc turn.Context) (err error) {
	act := tc.Activity()
	if act == nil {
		return ErrNilActivity
	}

	ctx, span := a.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("activity.type", act.Type),
		attribute.String("channel.id", act.ChannelID),
		attribute.String("conversation.id", act.Conversation.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if a.opts.StartTypingTimer && isMessage(act) {
		ctrl := a.startTyping(ctx, tc)
		ctx = context.WithValue(ctx, typingStopKey{}, ctrl.Stop)
		defer ctrl.Stop()
	}
	defer a.closeStream(ctx, tc)

	if isMessage(act) {
		switch {
		case a.opts.NormalizeMentions:
			NormalizeMentions(act)
		case a.opts.RemoveRecipientMention:
			RemoveRecipientMention(act)
		}
	}

	ts, err := a.loadState(ctx, tc)
	if err != nil {
		return fmt.Errorf("load turn state: %w", err)
	}

	tc, save, err := a.run(ctx, tc, ts)
	if err != nil {
		return a.handleError(ctx, tc, ts, err)
	}
	if !save {
		return nil
	}
	if err := ts.Save(ctx); err != nil {
		return fmt.Errorf("save turn state: %w", err)
	}
	return nil
}

// run covers the sign-in gate through the after-turn hooks. It returns the
// turn context the handler ran against and whether turn state should be saved.
func (a *Application) run(ctx context.Context, tc turn.Context, ts *turn.State) (turn.Context, bool, error) {
	if ua := a.opts.UserAuthorization; ua != nil {
		res, err := ua.StartOrContinueSignIn(ctx, tc, ts)
		if err != nil {
			if auth.IsFatal(err) {
				// The flow has ended; persist the cleared sign-in record.
				if serr := ts.Save(ctx); serr != nil {
					err = errors.Join(err, fmt.Errorf("save turn state: %w", serr))
				}
			}
			return tc, false, err
		}
		switch res.Status {
		case auth.SignInPending, auth.SignInDuplicate, auth.SignInFailed:
			slog.Debug("turn held by sign-in", "status", res.Status, "handler", res.Handler)
			return tc, true, nil
		case auth.SignInComplete:
			if res.Continuation != nil {
				tc = turn.WithActivity(tc, res.Continuation)
			}
		}
	}

	for _, h := range a.beforeTurn.snapshot() {
		ok, err := h(ctx, tc, ts)
		if err != nil {
			return tc, false, err
		}
		if !ok {
			return tc, true, nil
		}
	}

	for _, d := range a.downloaders.snapshot() {
		files, err := d.DownloadFiles(ctx, tc, ts)
		if err != nil {
			return tc, false, fmt.Errorf("download files: %w", err)
		}
		ts.Temp().InputFiles = append(ts.Temp().InputFiles, files...)
	}

	route, err := a.selectRoute(ctx, tc)
	if err != nil {
		return tc, false, err
	}
	if route != nil {
		if err := route.Handler(ctx, tc, ts); err != nil {
			return tc, false, err
		}
	} else {
		slog.Debug("no route matched", "type", tc.Activity().Type, "name", tc.Activity().Name)
	}

	for _, h := range a.afterTurn.snapshot() {
		ok, err := h(ctx, tc, ts)
		if err != nil {
			return tc, false, err
		}
		if !ok {
			return tc, false, nil
		}
	}
	return tc, true, nil
}

// selectRoute returns the first matching route, trying invoke routes first
// for invoke activities.
func (a *Application) selectRoute(ctx context.Context, tc turn.Context) (*routing.Route, error) {
	groups := []bool{false}
	if tc.Activity().IsType(protocol.ActivityTypeInvoke) {
		groups = []bool{true, false}
	}
	for _, invoke := range groups {
		routes, err := a.routes.Enumerate(invoke)
		if err != nil {
			return nil, err
		}
		for i := range routes {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if routes[i].Selector(ctx, tc) {
				return &routes[i], nil
			}
		}
	}
	return nil, nil
}

func (a *Application) loadState(ctx context.Context, tc turn.Context) (*turn.State, error) {
	if a.opts.TurnStateFactory != nil {
		return a.opts.TurnStateFactory(ctx, tc)
	}
	ts := turn.NewState(a.opts.Storage, tc.Activity())
	if err := ts.Load(ctx); err != nil {
		return nil, err
	}
	return ts, nil
}

// startTyping starts the turn's typing indicator. It stops at the first
// outbound activity that is not a plain typing indicator.
func (a *Application) startTyping(ctx context.Context, tc turn.Context) *typing.Controller {
	ctrl := typing.New(typing.Options{
		InitialDelay:      a.opts.TypingDelay,
		KeepaliveInterval: a.opts.TypingInterval,
		MaxDuration:       a.opts.TypingMaxDuration,
		StartFn: func() error {
			_, err := tc.SendActivity(ctx, protocol.NewTyping())
			return err
		},
	})
	tc.OnSendActivities(func(_ context.Context, acts []*protocol.Activity) error {
		for _, act := range acts {
			if !act.IsType(protocol.ActivityTypeTyping) || turn.IsStreamActivity(act) {
				ctrl.Stop()
				break
			}
		}
		return nil
	})
	ctrl.Start()
	return ctrl
}

func (a *Application) closeStream(ctx context.Context, tc turn.Context) {
	s := tc.Stream()
	if !s.Opened() || s.Ended() {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), streamCloseTimeout)
	defer cancel()
	if err := s.EndStream(cctx); err != nil {
		slog.Warn("failed to end open stream", "conversation", tc.Activity().Conversation.ID, "error", err)
	}
}
