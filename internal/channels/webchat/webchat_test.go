package webchat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

func echoProcessor() channels.TurnProcessor {
	return channels.TurnProcessorFunc(func(ctx context.Context, tc turn.Context) error {
		a := tc.Activity()
		switch {
		case a.IsType(protocol.ActivityTypeConversationUpdate):
			_, err := turn.SendText(ctx, tc, "welcome "+a.MembersAdded[0].ID)
			return err
		case a.IsType(protocol.ActivityTypeMessage):
			_, err := turn.SendText(ctx, tc, "echo: "+a.Text)
			return err
		}
		return nil
	})
}

func startServer(t *testing.T, ch *Channel) *httptest.Server {
	t.Helper()
	require.NoError(t, ch.Start(context.Background()))
	srv := httptest.NewServer(ch)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ch.Stop(ctx)
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	return websocket.DefaultDialer.Dial(u, header)
}

func readActivity(t *testing.T, ws *websocket.Conn) protocol.Activity {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var a protocol.Activity
	require.NoError(t, ws.ReadJSON(&a))
	return a
}

func TestWebChatRoundTrip(t *testing.T) {
	ch := New(config.WebChatConfig{BotName: "helper"}, nil, echoProcessor())
	srv := startServer(t, ch)

	ws, _, err := dial(t, srv, "user=u1&conversation=conv-1", nil)
	require.NoError(t, err)
	defer ws.Close()

	welcome := readActivity(t, ws)
	assert.Equal(t, "welcome u1", welcome.Text)
	assert.Equal(t, "conv-1", welcome.Conversation.ID)
	assert.Equal(t, "helper", welcome.From.ID)
	assert.NotEmpty(t, welcome.ID)

	require.NoError(t, ws.WriteJSON(protocol.Activity{Text: "hi", From: protocol.ChannelAccount{ID: "spoofed"}}))
	reply := readActivity(t, ws)
	assert.Equal(t, protocol.ActivityTypeMessage, reply.Type)
	assert.Equal(t, "echo: hi", reply.Text)
	assert.Equal(t, "u1", reply.Recipient.ID, "sender identity comes from the connection")
	assert.Equal(t, protocol.ChannelWebChat, reply.ChannelID)
	assert.Equal(t, 1, ch.Connections())
}

func TestWebChatAllowList(t *testing.T) {
	ch := New(config.WebChatConfig{AllowFrom: []string{"u1"}}, nil, echoProcessor())
	srv := startServer(t, ch)

	_, resp, err := dial(t, srv, "user=intruder", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebChatOriginCheck(t *testing.T) {
	ch := New(config.WebChatConfig{}, []string{"https://app.example"}, echoProcessor())
	srv := startServer(t, ch)

	_, resp, err := dial(t, srv, "user=u1", http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := dial(t, srv, "user=u1", http.Header{"Origin": {"https://app.example"}})
	require.NoError(t, err)
	_ = ws.Close()
}

func TestWebChatNotRunning(t *testing.T) {
	ch := New(config.WebChatConfig{}, nil, echoProcessor())
	rec := httptest.NewRecorder()
	ch.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebChatStopClosesConnections(t *testing.T) {
	ch := New(config.WebChatConfig{}, nil, echoProcessor())
	require.NoError(t, ch.Start(context.Background()))
	srv := httptest.NewServer(ch)
	defer srv.Close()

	ws, _, err := dial(t, srv, "user=u1", nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = readActivity(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Stop(ctx))
	assert.False(t, ch.IsRunning())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}
