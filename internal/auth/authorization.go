package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/tokenclient"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// signInStateKey holds the active sign-in of a conversation in conversation state.
const signInStateKey = "__signInState"

// HandlerSettings names one sign-in handler and its connection.
type HandlerSettings struct {
	Name string
	FlowSettings
}

// Options configures UserAuthorization.
type Options struct {
	Storage  store.Storage
	Client   tokenclient.Client
	Handlers []HandlerSettings
	// DefaultHandler is used for auto sign-in. Defaults to the first handler.
	DefaultHandler string
	// AutoSignIn decides whether an activity without an active flow must sign
	// in before routing. Nil means every activity.
	AutoSignIn func(ctx context.Context, tc turn.Context) bool
}

// SignInStatus is the outcome of StartOrContinueSignIn.
type SignInStatus int

const (
	// SignInNotRequired means routing proceeds without sign-in.
	SignInNotRequired SignInStatus = iota
	// SignInPending means the turn ends and the flow waits for the user.
	SignInPending
	// SignInComplete means a token was obtained this turn.
	SignInComplete
	// SignInDuplicate means a duplicate exchange was acknowledged; the turn ends.
	SignInDuplicate
	// SignInFailed means the flow failed and failure callbacks ran; the turn ends.
	SignInFailed
)

// SignInResult is returned to the dispatcher.
type SignInResult struct {
	Status  SignInStatus
	Handler string
	// Continuation is the activity that triggered sign-in, to be processed
	// now that the user is signed in.
	Continuation *protocol.Activity
}

// signInState is the conversation-scoped record of an in-progress sign-in.
type signInState struct {
	ActiveHandler string             `json:"activeHandler"`
	Continuation  *protocol.Activity `json:"continuation,omitempty"`
}

// SuccessHandler runs after a handler obtains a token.
type SuccessHandler func(ctx context.Context, tc turn.Context, ts *turn.State, handler string) error

// FailureHandler runs after a handler's flow fails.
type FailureHandler func(ctx context.Context, tc turn.Context, ts *turn.State, handler string, err error) error

// UserAuthorization owns the named sign-in handlers of an application.
type UserAuthorization struct {
	flows          map[string]*OAuthFlow
	defaultHandler string
	autoSignIn     func(ctx context.Context, tc turn.Context) bool

	mu        sync.RWMutex
	onSuccess []SuccessHandler
	onFailure []FailureHandler
}

// New validates opts and builds one OAuthFlow per handler.
func New(opts Options) (*UserAuthorization, error) {
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("%w: no sign-in handlers", ErrInvalidConfig)
	}
	ua := &UserAuthorization{
		flows:      make(map[string]*OAuthFlow, len(opts.Handlers)),
		autoSignIn: opts.AutoSignIn,
	}
	for _, h := range opts.Handlers {
		if _, dup := ua.flows[h.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate sign-in handler %q", ErrInvalidConfig, h.Name)
		}
		flow, err := NewOAuthFlow(h.Name, h.FlowSettings, opts.Client, opts.Storage)
		if err != nil {
			return nil, err
		}
		ua.flows[h.Name] = flow
	}

	ua.defaultHandler = opts.DefaultHandler
	if ua.defaultHandler == "" {
		ua.defaultHandler = opts.Handlers[0].Name
	}
	if _, ok := ua.flows[ua.defaultHandler]; !ok {
		return nil, fmt.Errorf("%w: default handler %q", ErrHandlerNotFound, ua.defaultHandler)
	}
	return ua, nil
}

// DefaultHandler returns the handler used for auto sign-in.
func (u *UserAuthorization) DefaultHandler() string { return u.defaultHandler }

// Flow returns the flow of a named handler.
func (u *UserAuthorization) Flow(handler string) (*OAuthFlow, error) {
	if handler == "" {
		handler = u.defaultHandler
	}
	f, ok := u.flows[handler]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, handler)
	}
	return f, nil
}

func (u *UserAuthorization) OnSignInSuccess(h SuccessHandler) {
	u.mu.Lock()
	u.onSuccess = append(u.onSuccess, h)
	u.mu.Unlock()
}

func (u *UserAuthorization) OnSignInFailure(h FailureHandler) {
	u.mu.Lock()
	u.onFailure = append(u.onFailure, h)
	u.mu.Unlock()
}

// Token returns the token a handler obtained this turn.
func (u *UserAuthorization) Token(ts *turn.State, handler string) string {
	if handler == "" {
		handler = u.defaultHandler
	}
	return ts.Temp().AuthTokens[handler]
}

// StartOrContinueSignIn continues the conversation's active flow, or starts
// the default handler's flow when auto sign-in selects the activity.
func (u *UserAuthorization) StartOrContinueSignIn(ctx context.Context, tc turn.Context, ts *turn.State) (SignInResult, error) {
	var st signInState
	if _, err := ts.Conversation().Get(signInStateKey, &st); err != nil {
		return SignInResult{}, err
	}

	if st.ActiveHandler != "" {
		flow, ok := u.flows[st.ActiveHandler]
		if !ok {
			// Handler removed from configuration since the flow began.
			ts.Conversation().Delete(signInStateKey)
			return SignInResult{Status: SignInNotRequired}, nil
		}
		res, err := flow.Continue(ctx, tc)
		if err != nil {
			return u.failed(ctx, tc, ts, st.ActiveHandler, err)
		}
		return u.settle(ctx, tc, ts, st.ActiveHandler, res, st.Continuation)
	}

	if u.autoSignIn != nil && !u.autoSignIn(ctx, tc) {
		return SignInResult{Status: SignInNotRequired}, nil
	}
	return u.SignIn(ctx, tc, ts, u.defaultHandler)
}

// SignIn begins the named handler's flow from a route.
func (u *UserAuthorization) SignIn(ctx context.Context, tc turn.Context, ts *turn.State, handler string) (SignInResult, error) {
	flow, err := u.Flow(handler)
	if err != nil {
		return SignInResult{}, err
	}
	name := flow.Name()
	if tok := ts.Temp().AuthTokens[name]; tok != "" {
		return SignInResult{Status: SignInComplete, Handler: name}, nil
	}

	res, err := flow.Begin(ctx, tc)
	if err != nil {
		return u.failed(ctx, tc, ts, name, err)
	}
	if res.Status == StatusPending {
		if err := ts.Conversation().Set(signInStateKey, signInState{
			ActiveHandler: name,
			Continuation:  tc.Activity().Clone(),
		}); err != nil {
			return SignInResult{}, err
		}
	}
	return u.settle(ctx, tc, ts, name, res, nil)
}

// SignOut signs the user out of a handler and forgets any active flow for it.
func (u *UserAuthorization) SignOut(ctx context.Context, tc turn.Context, ts *turn.State, handler string) error {
	flow, err := u.Flow(handler)
	if err != nil {
		return err
	}
	if err := flow.SignOut(ctx, tc); err != nil {
		return err
	}
	delete(ts.Temp().AuthTokens, flow.Name())

	var st signInState
	if ok, _ := ts.Conversation().Get(signInStateKey, &st); ok && st.ActiveHandler == flow.Name() {
		ts.Conversation().Delete(signInStateKey)
	}
	return nil
}

func (u *UserAuthorization) settle(ctx context.Context, tc turn.Context, ts *turn.State, handler string, res Result, continuation *protocol.Activity) (SignInResult, error) {
	switch res.Status {
	case StatusDuplicate:
		return SignInResult{Status: SignInDuplicate, Handler: handler}, nil
	case StatusPending:
		return SignInResult{Status: SignInPending, Handler: handler}, nil
	}

	ts.Conversation().Delete(signInStateKey)
	if res.Token != nil {
		ts.Temp().AuthTokens[handler] = res.Token.Token
	}

	u.mu.RLock()
	hooks := append([]SuccessHandler(nil), u.onSuccess...)
	u.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, tc, ts, handler); err != nil {
			return SignInResult{}, fmt.Errorf("sign-in success handler: %w", err)
		}
	}
	return SignInResult{Status: SignInComplete, Handler: handler, Continuation: continuation}, nil
}

// failed clears the active sign-in and runs the failure callbacks. Without
// callbacks the error is returned to the dispatcher.
func (u *UserAuthorization) failed(ctx context.Context, tc turn.Context, ts *turn.State, handler string, cause error) (SignInResult, error) {
	ts.Conversation().Delete(signInStateKey)
	delete(ts.Temp().AuthTokens, handler)

	u.mu.RLock()
	hooks := append([]FailureHandler(nil), u.onFailure...)
	u.mu.RUnlock()
	if len(hooks) == 0 {
		return SignInResult{}, cause
	}

	slog.Warn("sign-in failed", "handler", handler, "error", cause)
	var errs []error
	for _, h := range hooks {
		if err := h(ctx, tc, ts, handler, cause); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return SignInResult{}, errors.Join(append([]error{cause}, errs...)...)
	}
	return SignInResult{Status: SignInFailed, Handler: handler}, nil
}
