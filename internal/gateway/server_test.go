package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

func testProcessor() channels.TurnProcessor {
	return channels.TurnProcessorFunc(func(ctx context.Context, tc turn.Context) error {
		a := tc.Activity()
		switch {
		case a.IsType(protocol.ActivityTypeInvoke) && a.Name == "ping":
			_, err := tc.SendActivity(ctx, protocol.NewInvokeResponseActivity(http.StatusOK, map[string]string{"pong": a.Conversation.ID}))
			return err
		case a.IsType(protocol.ActivityTypeInvoke) && a.Name == "explode":
			if _, err := tc.SendActivity(ctx, protocol.NewInvokeResponseActivity(http.StatusBadRequest, nil)); err != nil {
				return err
			}
			return errors.New("boom")
		case a.IsType(protocol.ActivityTypeMessage) && a.Text == "fail":
			return errors.New("handler failed")
		case a.IsType(protocol.ActivityTypeMessage):
			if _, err := tc.SendActivity(ctx, protocol.NewTyping()); err != nil {
				return err
			}
			if _, err := turn.SendText(ctx, tc, "one"); err != nil {
				return err
			}
			_, err := turn.SendText(ctx, tc, "two: "+a.Text)
			return err
		}
		return nil
	})
}

func post(t *testing.T, h http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func activityJSON(t *testing.T, a protocol.Activity) string {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	return string(data)
}

func TestMessagesReturnsReplies(t *testing.T) {
	s := NewServer(config.GatewayConfig{}, testProcessor(), nil)
	rec := post(t, s.BuildMux(), activityJSON(t, protocol.Activity{
		Type:         protocol.ActivityTypeMessage,
		ID:           "in-1",
		Text:         "hi",
		From:         protocol.ChannelAccount{ID: "u1"},
		Conversation: protocol.ConversationAccount{ID: "c1"},
	}), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Activities []protocol.Activity `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Activities, 2, "typing is not returned")
	assert.Equal(t, "one", body.Activities[0].Text)
	assert.Equal(t, "two: hi", body.Activities[1].Text)
	assert.Equal(t, "c1", body.Activities[1].Conversation.ID)
	assert.Equal(t, "u1", body.Activities[1].Recipient.ID)
	assert.Equal(t, "in-1", body.Activities[1].ReplyToID)
	assert.Equal(t, protocol.ChannelDirectLine, body.Activities[1].ChannelID)
	assert.NotEmpty(t, body.Activities[0].ID)
}

func TestMessagesInvokeResponse(t *testing.T) {
	s := NewServer(config.GatewayConfig{}, testProcessor(), nil)
	h := s.BuildMux()

	rec := post(t, h, activityJSON(t, protocol.Activity{
		Type: protocol.ActivityTypeInvoke, Name: "ping",
		Conversation: protocol.ConversationAccount{ID: "c7"},
	}), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pong":"c7"}`, rec.Body.String())

	rec = post(t, h, activityJSON(t, protocol.Activity{
		Type: protocol.ActivityTypeInvoke, Name: "unknown",
		Conversation: protocol.ConversationAccount{ID: "c7"},
	}), nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = post(t, h, activityJSON(t, protocol.Activity{
		Type: protocol.ActivityTypeInvoke, Name: "explode",
		Conversation: protocol.ConversationAccount{ID: "c7"},
	}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "invoke response sent before the error wins")
}

func TestMessagesErrors(t *testing.T) {
	s := NewServer(config.GatewayConfig{MaxBodyBytes: 256}, testProcessor(), nil)
	h := s.BuildMux()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", "{", http.StatusBadRequest},
		{"missing type", `{"conversation":{"id":"c"}}`, http.StatusBadRequest},
		{"missing conversation", `{"type":"message"}`, http.StatusBadRequest},
		{"too large", `{"type":"message","text":"` + strings.Repeat("x", 512) + `","conversation":{"id":"c"}}`, http.StatusBadRequest},
		{"handler error", `{"type":"message","text":"fail","conversation":{"id":"c"}}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(t, h, tt.body, nil).Code)
		})
	}
}

func TestAuthAndRateLimit(t *testing.T) {
	s := NewServer(config.GatewayConfig{Token: "secret", RateLimitRPM: 2}, testProcessor(), nil)
	h := s.BuildMux()
	body := `{"type":"event","conversation":{"id":"c"}}`

	assert.Equal(t, http.StatusUnauthorized, post(t, h, body, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, body, http.Header{"Authorization": {"Bearer wrong"}}).Code)

	auth := http.Header{"Authorization": {"Bearer secret"}}
	assert.Equal(t, http.StatusOK, post(t, h, body, auth).Code)
	assert.Equal(t, http.StatusOK, post(t, h, body, auth).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, h, body, auth).Code)
}

type stubChannel struct {
	*channels.BaseChannel
}

func (stubChannel) Start(context.Context) error { return nil }
func (stubChannel) Stop(context.Context) error  { return nil }

func TestHealth(t *testing.T) {
	mgr := channels.NewManager()
	ch := stubChannel{channels.NewBaseChannel("telegram", nil, nil)}
	ch.SetRunning(true)
	mgr.RegisterChannel("telegram", ch)

	s := NewServer(config.GatewayConfig{Token: "secret"}, testProcessor(), mgr)
	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status   string `json:"status"`
		Channels map[string]struct {
			Running bool `json:"running"`
		} `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Channels["telegram"].Running)
}

func TestWebChatRequiresToken(t *testing.T) {
	s := NewServer(config.GatewayConfig{Token: "secret"}, testProcessor(), nil)
	s.SetWebChat(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h := s.BuildMux()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=secret", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
