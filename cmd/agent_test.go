package cmd

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/turnkit/internal/app"
	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

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
		if a.IsType(protocol.ActivityTypeMessage) {
			out = append(out, a.Text)
		}
	}
	return out
}

func newAgentApp(t *testing.T) *app.Application {
	t.Helper()
	application, err := app.New(app.Options{Storage: store.NewMemoryStorage()}, &echoAgent{})
	require.NoError(t, err)
	return application
}

func message(text string) *protocol.Activity {
	return &protocol.Activity{
		Type:         protocol.ActivityTypeMessage,
		ID:           "act-1",
		ChannelID:    protocol.ChannelTest,
		Text:         text,
		From:         protocol.ChannelAccount{ID: "user-1", Name: "Ada"},
		Recipient:    protocol.ChannelAccount{ID: "bot", Name: "Bot"},
		Conversation: protocol.ConversationAccount{ID: "conv-1"},
	}
}

func runTurn(t *testing.T, application *app.Application, a *protocol.Activity) []string {
	t.Helper()
	s := &recordingSender{}
	require.NoError(t, application.OnTurn(context.Background(), turn.NewContext(a, s)))
	return s.texts()
}

func TestEchoAgent_CountsTurns(t *testing.T) {
	application := newAgentApp(t)

	assert.Equal(t, []string{"[1] You said: hi"}, runTurn(t, application, message("hi")))
	assert.Equal(t, []string{"[2] You said: again"}, runTurn(t, application, message("again")))
	assert.Equal(t, []string{"[3] You said: (no text)"}, runTurn(t, application, message("  ")))
}

func TestEchoAgent_HelpWinsOverEcho(t *testing.T) {
	application := newAgentApp(t)

	for _, text := range []string{"/help", "/start", "/HELP please"} {
		got := runTurn(t, application, message(text))
		require.Len(t, got, 1, text)
		assert.Contains(t, got[0], "count our turns")
		assert.NotContains(t, got[0], signInCommand, "sign-in commands are hidden without auth")
	}

	// Help does not touch the counter.
	assert.Equal(t, []string{"[1] You said: hi"}, runTurn(t, application, message("hi")))
}

func TestEchoAgent_SignCommandsWithoutAuth(t *testing.T) {
	application := newAgentApp(t)

	assert.Equal(t, []string{"Sign-in is not configured."}, runTurn(t, application, message(signInCommand)))
	assert.Equal(t, []string{"Sign-in is not configured."}, runTurn(t, application, message(signOutCommand)))
}

func TestEchoAgent_WelcomesNewMembers(t *testing.T) {
	application := newAgentApp(t)

	a := message("")
	a.Type = protocol.ActivityTypeConversationUpdate
	a.MembersAdded = []protocol.ChannelAccount{
		{ID: "bot"},
		{ID: "user-1", Name: "Ada"},
		{ID: "user-2"},
	}

	assert.Equal(t, []string{
		"Hello Ada! Send /help to see what I can do.",
		"Hello there! Send /help to see what I can do.",
	}, runTurn(t, application, a))
}

func TestExplicitSignIn(t *testing.T) {
	tests := []struct {
		name string
		a    *protocol.Activity
		want bool
	}{
		{"command", message("/signin"), true},
		{"command with spaces and case", message("  /SignIn "), true},
		{"other text", message("hello"), false},
		{"event", &protocol.Activity{Type: protocol.ActivityTypeEvent, Text: "/signin"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, explicitSignIn(context.Background(), turn.NewContext(tt.a, nil)))
		})
	}
}
