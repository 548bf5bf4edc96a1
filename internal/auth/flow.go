// Package auth runs OAuth user sign-in inside a turn: the per-conversation
// sign-in flow, SSO token-exchange deduplication, magic-code redemption and
// the named-handler UserAuthorization used by the dispatcher.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/tokenclient"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const (
	DefaultTimeout                   = 15 * time.Minute
	DefaultInvalidSignInRetryMax     = 2
	DefaultInvalidSignInRetryMessage = "Invalid sign in. Please try again."
	DefaultTitle                     = "Sign In"
	DefaultText                      = "Please sign in to continue."

	// CancelledByUser is the verifyState value sent when the user closes the
	// sign-in window.
	CancelledByUser = "CancelledByUser"
)

const (
	failureDetailExchange = "The bot is unable to exchange token. Proceed with regular login."
	failureDetailExpired  = "The sign-in flow has expired. Please sign in again."
)

// FlowSettings configures one OAuth connection.
type FlowSettings struct {
	ConnectionName            string
	Title                     string
	Text                      string
	Timeout                   time.Duration
	InvalidSignInRetryMax     int
	InvalidSignInRetryMessage string
	FinalRedirect             string
}

func (s FlowSettings) withDefaults() FlowSettings {
	if s.Title == "" {
		s.Title = DefaultTitle
	}
	if s.Text == "" {
		s.Text = DefaultText
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.InvalidSignInRetryMax <= 0 {
		s.InvalidSignInRetryMax = DefaultInvalidSignInRetryMax
	}
	if s.InvalidSignInRetryMessage == "" {
		s.InvalidSignInRetryMessage = DefaultInvalidSignInRetryMessage
	}
	return s
}

// Status is the outcome of one flow step.
type Status int

const (
	// StatusPending means no token yet; the flow waits for the next activity.
	StatusPending Status = iota
	// StatusComplete means a token was obtained.
	StatusComplete
	// StatusDuplicate means another delivery of the same exchange already ran.
	StatusDuplicate
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusComplete:
		return "complete"
	case StatusDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of Begin or Continue.
type Result struct {
	Status Status
	Token  *protocol.TokenResponse
}

// OAuthFlow drives sign-in for one connection. Its progress is persisted per
// conversation, so one OAuthFlow serves every conversation concurrently.
type OAuthFlow struct {
	name     string
	settings FlowSettings
	client   tokenclient.Client
	storage  store.Storage
	dedup    *ExchangeDeduplicator
	now      func() time.Time
}

// NewOAuthFlow creates a flow. name scopes its persisted state.
func NewOAuthFlow(name string, settings FlowSettings, client tokenclient.Client, storage store.Storage) (*OAuthFlow, error) {
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty flow name", ErrInvalidConfig)
	case settings.ConnectionName == "":
		return nil, fmt.Errorf("%w: flow %q has no connection name", ErrInvalidConfig, name)
	case client == nil:
		return nil, fmt.Errorf("%w: flow %q has no token client", ErrInvalidConfig, name)
	case storage == nil:
		return nil, fmt.Errorf("%w: flow %q has no storage", ErrInvalidConfig, name)
	}
	f := &OAuthFlow{
		name:     name,
		settings: settings.withDefaults(),
		client:   client,
		storage:  storage,
		dedup:    NewExchangeDeduplicator(storage),
		now:      time.Now,
	}
	f.dedup.now = func() time.Time { return f.now() }
	return f, nil
}

// Name returns the handler name the flow was created with.
func (f *OAuthFlow) Name() string { return f.name }

// Settings returns the flow settings with defaults applied.
func (f *OAuthFlow) Settings() FlowSettings { return f.settings }

// State returns the persisted flow state for the conversation of tc.
func (f *OAuthFlow) State(ctx context.Context, tc turn.Context) (FlowState, error) {
	return f.loadState(ctx, tc.Activity())
}

// Begin looks for a cached token and otherwise starts the flow by sending a
// sign-in prompt.
func (f *OAuthFlow) Begin(ctx context.Context, tc turn.Context) (Result, error) {
	a := tc.Activity()
	resp, err := f.client.GetTokenOrSignInResource(ctx, a, f.settings.ConnectionName, f.settings.FinalRedirect)
	if err != nil {
		return Result{}, fmt.Errorf("begin sign-in %q: %w", f.name, err)
	}

	if resp.TokenResponse != nil && resp.TokenResponse.Token != "" {
		if err := f.deleteState(ctx, a); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusComplete, Token: resp.TokenResponse}, nil
	}
	if resp.SignInResource == nil {
		return Result{}, fmt.Errorf("begin sign-in %q: token service returned neither token nor sign-in resource", f.name)
	}

	st := FlowState{FlowStarted: true, FlowExpires: f.now().Add(f.settings.Timeout)}
	if err := f.saveState(ctx, a, st); err != nil {
		return Result{}, err
	}
	if _, err := tc.SendActivity(ctx, f.promptActivity(a.ChannelID, resp.SignInResource)); err != nil {
		return Result{}, fmt.Errorf("send sign-in prompt: %w", err)
	}
	slog.Debug("sign-in flow started", "handler", f.name, "channel", a.ChannelID, "conversation", a.Conversation.ID)
	return Result{Status: StatusPending}, nil
}

// Continue advances a started flow with the current activity. Errors matching
// IsFatal have already reset the flow.
func (f *OAuthFlow) Continue(ctx context.Context, tc turn.Context) (Result, error) {
	a := tc.Activity()
	st, err := f.loadState(ctx, a)
	if err != nil {
		return Result{}, err
	}
	if !st.FlowStarted {
		return f.Begin(ctx, tc)
	}

	exchange := isInvoke(a, protocol.InvokeSignInTokenExchange)
	if st.Expired(f.now()) {
		if exchange {
			var req protocol.TokenExchangeInvokeRequest
			_ = a.DecodeValue(&req)
			if err := f.sendInvokeResponse(ctx, tc, http.StatusBadRequest, protocol.TokenExchangeInvokeResponse{
				ID:             req.ID,
				ConnectionName: f.settings.ConnectionName,
				FailureDetail:  failureDetailExpired,
			}); err != nil {
				return Result{}, err
			}
		}
		return Result{}, f.fail(ctx, a, ErrFlowTimeout)
	}

	res, err := f.resolve(ctx, tc)
	if err != nil {
		if IsFatal(err) {
			return Result{}, f.fail(ctx, a, err)
		}
		return Result{}, err
	}

	switch res.Status {
	case StatusComplete:
		if err := f.deleteState(ctx, a); err != nil {
			return Result{}, err
		}
		slog.Debug("sign-in flow completed", "handler", f.name, "conversation", a.Conversation.ID)
		return res, nil
	case StatusDuplicate:
		return res, nil
	}

	// Token exchanges are retried by the client itself and do not count.
	if exchange {
		return res, nil
	}
	if st.ContinueCount >= f.settings.InvalidSignInRetryMax {
		return Result{}, f.fail(ctx, a, ErrInvalidSignIn)
	}
	st.ContinueCount++
	if err := f.saveState(ctx, a, st); err != nil {
		return Result{}, err
	}
	if a.IsType(protocol.ActivityTypeMessage) {
		if _, err := turn.SendText(ctx, tc, f.settings.InvalidSignInRetryMessage); err != nil {
			return Result{}, fmt.Errorf("send sign-in retry message: %w", err)
		}
	}
	return res, nil
}

// resolve recognizes the kind of the inbound activity and tries to obtain a
// token from it.
func (f *OAuthFlow) resolve(ctx context.Context, tc turn.Context) (Result, error) {
	a := tc.Activity()
	switch {
	case a.IsType(protocol.ActivityTypeEvent) && strings.EqualFold(a.Name, protocol.EventTokenResponse):
		var tok protocol.TokenResponse
		if err := a.DecodeValue(&tok); err != nil {
			return Result{}, fmt.Errorf("decode token response event: %w", err)
		}
		if tok.Token == "" {
			return Result{Status: StatusPending}, nil
		}
		return Result{Status: StatusComplete, Token: &tok}, nil

	case isInvoke(a, protocol.InvokeSignInFailure):
		var v protocol.SignInFailureValue
		_ = a.DecodeValue(&v)
		if err := f.sendInvokeResponse(ctx, tc, http.StatusOK, nil); err != nil {
			return Result{}, err
		}
		return Result{}, &SignInFailureError{Code: v.Code, Message: v.Message}

	case isInvoke(a, protocol.InvokeSignInVerifyState):
		return f.verifyState(ctx, tc)

	case isInvoke(a, protocol.InvokeSignInTokenExchange):
		return f.exchangeToken(ctx, tc)

	case a.IsType(protocol.ActivityTypeMessage):
		code, ok := ExtractMagicCode(a.Text)
		if !ok {
			return Result{Status: StatusPending}, nil
		}
		tok, err := f.client.GetUserToken(ctx, a.From.ID, f.settings.ConnectionName, a.ChannelID, code)
		if err != nil {
			slog.Warn("magic code redemption failed", "handler", f.name, "error", err)
			return Result{Status: StatusPending}, nil
		}
		if tok == nil || tok.Token == "" {
			return Result{Status: StatusPending}, nil
		}
		return Result{Status: StatusComplete, Token: tok}, nil
	}
	return Result{Status: StatusPending}, nil
}

func (f *OAuthFlow) verifyState(ctx context.Context, tc turn.Context) (Result, error) {
	a := tc.Activity()
	var v protocol.VerifyStateValue
	if err := a.DecodeValue(&v); err != nil {
		if err := f.sendInvokeResponse(ctx, tc, http.StatusBadRequest, nil); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusPending}, nil
	}
	if v.State == CancelledByUser {
		if err := f.sendInvokeResponse(ctx, tc, http.StatusOK, nil); err != nil {
			return Result{}, err
		}
		return Result{}, ErrUserCancelled
	}

	tok, err := f.client.GetUserToken(ctx, a.From.ID, f.settings.ConnectionName, a.ChannelID, v.State)
	switch {
	case err != nil:
		slog.Warn("verify state token lookup failed", "handler", f.name, "error", err)
		return Result{Status: StatusPending}, f.sendInvokeResponse(ctx, tc, http.StatusInternalServerError, nil)
	case tok == nil || tok.Token == "":
		return Result{Status: StatusPending}, f.sendInvokeResponse(ctx, tc, http.StatusNotFound, nil)
	default:
		if err := f.sendInvokeResponse(ctx, tc, http.StatusOK, nil); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusComplete, Token: tok}, nil
	}
}

func (f *OAuthFlow) exchangeToken(ctx context.Context, tc turn.Context) (Result, error) {
	a := tc.Activity()
	var req protocol.TokenExchangeInvokeRequest
	if err := a.DecodeValue(&req); err != nil {
		return Result{Status: StatusPending}, f.sendInvokeResponse(ctx, tc, http.StatusBadRequest, protocol.TokenExchangeInvokeResponse{
			ConnectionName: f.settings.ConnectionName,
			FailureDetail:  failureDetailExchange,
		})
	}

	failure := protocol.TokenExchangeInvokeResponse{
		ID:             req.ID,
		ConnectionName: f.settings.ConnectionName,
		FailureDetail:  failureDetailExchange,
	}
	if !strings.EqualFold(req.ConnectionName, f.settings.ConnectionName) {
		return Result{Status: StatusPending}, f.sendInvokeResponse(ctx, tc, http.StatusBadRequest, failure)
	}

	proceed, err := f.dedup.ProceedWithExchange(ctx, tc)
	if err != nil {
		return Result{}, err
	}
	if !proceed {
		return Result{Status: StatusDuplicate}, nil
	}

	tok, err := f.client.ExchangeToken(ctx, a.From.ID, f.settings.ConnectionName, a.ChannelID, tokenclient.ExchangeRequest{Token: req.Token})
	switch {
	case errors.Is(err, tokenclient.ErrConsentRequired), err == nil && (tok == nil || tok.Token == ""):
		return Result{Status: StatusPending}, f.sendInvokeResponse(ctx, tc, http.StatusPreconditionFailed, failure)
	case err != nil:
		if serr := f.sendInvokeResponse(ctx, tc, http.StatusBadRequest, failure); serr != nil {
			return Result{}, errors.Join(err, serr)
		}
		return Result{}, fmt.Errorf("exchange token %q: %w", f.name, err)
	}

	if err := f.sendInvokeResponse(ctx, tc, http.StatusOK, protocol.TokenExchangeInvokeResponse{
		ID:             req.ID,
		ConnectionName: f.settings.ConnectionName,
	}); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusComplete, Token: tok}, nil
}

// Reset clears the persisted flow state of the conversation.
func (f *OAuthFlow) Reset(ctx context.Context, tc turn.Context) error {
	return f.deleteState(ctx, tc.Activity())
}

// SignOut signs the user out at the token service and resets the flow.
func (f *OAuthFlow) SignOut(ctx context.Context, tc turn.Context) error {
	a := tc.Activity()
	if err := f.client.SignOutUser(ctx, a.From.ID, f.settings.ConnectionName, a.ChannelID); err != nil {
		return fmt.Errorf("sign out %q: %w", f.name, err)
	}
	return f.deleteState(ctx, a)
}

// fail resets the flow and returns cause.
func (f *OAuthFlow) fail(ctx context.Context, a *protocol.Activity, cause error) error {
	if err := f.deleteState(ctx, a); err != nil {
		return errors.Join(cause, err)
	}
	slog.Info("sign-in flow ended", "handler", f.name, "conversation", a.Conversation.ID, "reason", cause)
	return cause
}

func (f *OAuthFlow) sendInvokeResponse(ctx context.Context, tc turn.Context, status int, body any) error {
	if _, err := tc.SendActivity(ctx, protocol.NewInvokeResponseActivity(status, body)); err != nil {
		return fmt.Errorf("send invoke response %d: %w", status, err)
	}
	return nil
}

func isInvoke(a *protocol.Activity, name string) bool {
	return a.IsType(protocol.ActivityTypeInvoke) && strings.EqualFold(a.Name, name)
}
