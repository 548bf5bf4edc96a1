package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/tokenclient"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// fakeTokens is an in-memory token service.
type fakeTokens struct {
	mu sync.Mutex

	cached      string            // token returned by GetTokenOrSignInResource
	codes       map[string]string // magic code -> token
	userTokErr  error
	exchangeTok string
	exchangeErr error
	// exchangeGate blocks ExchangeToken until closed when set.
	exchangeGate chan struct{}

	userTokenCodes []string
	exchangeCalls  int
	signOutCalls   int
}

var _ tokenclient.Client = (*fakeTokens)(nil)

func (f *fakeTokens) GetUserToken(_ context.Context, _, connectionName, _, magicCode string) (*protocol.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userTokenCodes = append(f.userTokenCodes, magicCode)
	if f.userTokErr != nil {
		return nil, f.userTokErr
	}
	if tok, ok := f.codes[magicCode]; ok {
		return &protocol.TokenResponse{ConnectionName: connectionName, Token: tok}, nil
	}
	return nil, nil
}

func (f *fakeTokens) GetTokenOrSignInResource(_ context.Context, _ *protocol.Activity, connectionName, _ string) (*tokenclient.TokenOrSignInResourceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != "" {
		return &tokenclient.TokenOrSignInResourceResponse{
			TokenResponse: &protocol.TokenResponse{ConnectionName: connectionName, Token: f.cached},
		}, nil
	}
	return &tokenclient.TokenOrSignInResourceResponse{
		SignInResource: &protocol.SignInResource{
			SignInLink:            "https://login.example/" + connectionName,
			TokenExchangeResource: &protocol.TokenExchangeResource{ID: "ter-1", URI: "api://app"},
		},
	}, nil
}

func (f *fakeTokens) GetSignInResource(_ context.Context, _ *protocol.Activity, connectionName, _ string) (*protocol.SignInResource, error) {
	return &protocol.SignInResource{SignInLink: "https://login.example/" + connectionName}, nil
}

func (f *fakeTokens) ExchangeToken(_ context.Context, _, connectionName, _ string, _ tokenclient.ExchangeRequest) (*protocol.TokenResponse, error) {
	f.mu.Lock()
	f.exchangeCalls++
	gate, tok, err := f.exchangeGate, f.exchangeTok, f.exchangeErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &protocol.TokenResponse{ConnectionName: connectionName, Token: tok}, nil
}

func (f *fakeTokens) SignOutUser(context.Context, string, string, string) error {
	f.mu.Lock()
	f.signOutCalls++
	f.mu.Unlock()
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*protocol.Activity
}

func (r *recordingSender) SendActivities(_ context.Context, acts []*protocol.Activity) ([]*protocol.ResourceResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.ResourceResponse, len(acts))
	for i, a := range acts {
		r.sent = append(r.sent, a)
		out[i] = &protocol.ResourceResponse{ID: fmt.Sprint(len(r.sent))}
	}
	return out, nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.sent {
		if a.Text != "" {
			out = append(out, a.Text)
		}
	}
	return out
}

func baseActivity(channel string) *protocol.Activity {
	return &protocol.Activity{
		ID:           "act-1",
		ChannelID:    channel,
		From:         protocol.ChannelAccount{ID: "user-1"},
		Recipient:    protocol.ChannelAccount{ID: "bot"},
		Conversation: protocol.ConversationAccount{ID: "conv-1"},
	}
}

func message(channel, text string) *protocol.Activity {
	a := baseActivity(channel)
	a.Type = protocol.ActivityTypeMessage
	a.Text = text
	return a
}

func invoke(t *testing.T, channel, name string, value any) *protocol.Activity {
	t.Helper()
	a := baseActivity(channel)
	a.Type = protocol.ActivityTypeInvoke
	a.Name = name
	data, err := json.Marshal(value)
	require.NoError(t, err)
	a.Value = data
	return a
}

func newTurn(a *protocol.Activity) (*turn.BaseContext, *recordingSender) {
	s := &recordingSender{}
	return turn.NewContext(a, s), s
}

func newFlow(t *testing.T, tokens *fakeTokens, storage store.Storage, settings FlowSettings) *OAuthFlow {
	t.Helper()
	if settings.ConnectionName == "" {
		settings.ConnectionName = "graph"
	}
	f, err := NewOAuthFlow("graph", settings, tokens, storage)
	require.NoError(t, err)
	return f
}

// startFlow persists a started flow for the default test conversation.
func startFlow(t *testing.T, f *OAuthFlow, expires time.Time, count int) {
	t.Helper()
	require.NoError(t, f.saveState(context.Background(), baseActivity(protocol.ChannelMSTeams), FlowState{
		FlowStarted:   true,
		FlowExpires:   expires,
		ContinueCount: count,
	}))
}

func decodeBody(t *testing.T, resp protocol.InvokeResponse, dst any) {
	t.Helper()
	raw, ok := resp.Body.(json.RawMessage)
	require.True(t, ok, "invoke response body missing")
	require.NoError(t, json.Unmarshal(raw, dst))
}
