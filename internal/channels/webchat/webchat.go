// Package webchat exposes the turn dispatcher to browser clients over a
// WebSocket. Each connection is one conversation; activities travel as JSON.
package webchat

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	defaultBotName = "turnkit"
)

// Channel accepts WebSocket connections and runs a turn per inbound activity.
type Channel struct {
	*channels.BaseChannel
	bot      protocol.ChannelAccount
	upgrader websocket.Upgrader
	origins  []string

	mu    sync.Mutex
	conns map[string]*conn
	ctx   context.Context
	stop  context.CancelFunc
}

// New creates a webchat channel. allowedOrigins restricts browser origins;
// empty allows all.
func New(cfg config.WebChatConfig, allowedOrigins []string, processor channels.TurnProcessor) *Channel {
	name := cfg.BotName
	if name == "" {
		name = defaultBotName
	}
	c := &Channel{
		BaseChannel: channels.NewBaseChannel(protocol.ChannelWebChat, processor, cfg.AllowFrom),
		bot:         protocol.ChannelAccount{ID: name, Name: name, Role: "bot"},
		origins:     allowedOrigins,
		conns:       make(map[string]*conn),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     c.checkOrigin,
	}
	return c
}

// Start marks the channel running; connections arrive through ServeHTTP.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx, c.stop = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()
	c.SetRunning(true)
	slog.Info("webchat channel started", "channel", c.Name())
	return nil
}

// Stop closes every open connection and waits for in-flight turns.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	c.mu.Lock()
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	for _, cn := range conns {
		cn.close()
	}
	err := c.WaitTurns(ctx)

	c.mu.Lock()
	if c.stop != nil {
		c.stop()
	}
	c.mu.Unlock()
	slog.Info("webchat channel stopped", "channel", c.Name())
	return err
}

// Connections returns the number of open connections.
func (c *Channel) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// checkOrigin validates the browser origin against the whitelist.
// Empty Origin header (non-browser clients) is always allowed.
func (c *Channel) checkOrigin(r *http.Request) bool {
	if len(c.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range c.origins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// The query parameters "user" and "conversation" pick stable IDs; both
// default to fresh UUIDs.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.IsRunning() {
		http.Error(w, "webchat not running", http.StatusServiceUnavailable)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		userID = "anon-" + uuid.NewString()
	}
	if !c.IsAllowed(userID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation"))
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	cn := newConn(ws, conversationID)
	c.register(cn)
	defer func() {
		c.unregister(cn)
		cn.close()
	}()

	user := protocol.ChannelAccount{ID: userID, Name: r.URL.Query().Get("name"), Role: "user"}
	slog.Info("webchat client connected", "conn", cn.id, "user", userID, "conversation", conversationID)

	go cn.pingLoop()

	ctx := c.turnContext()
	c.Dispatch(ctx, userID, c.inbound(&protocol.Activity{
		Type:         protocol.ActivityTypeConversationUpdate,
		MembersAdded: []protocol.ChannelAccount{user},
	}, user, conversationID), cn)

	for {
		var a protocol.Activity
		if err := ws.ReadJSON(&a); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("webchat read failed", "conn", cn.id, "error", err)
			}
			slog.Info("webchat client disconnected", "conn", cn.id)
			return
		}
		if a.Type == "" {
			a.Type = protocol.ActivityTypeMessage
		}
		c.Dispatch(ctx, userID, c.inbound(&a, user, conversationID), cn)
	}
}

// inbound stamps channel, addressing and identity fields the client cannot
// be trusted to set.
func (c *Channel) inbound(a *protocol.Activity, user protocol.ChannelAccount, conversationID string) *protocol.Activity {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Timestamp = time.Now().UTC()
	a.ChannelID = c.Name()
	if user.Name == "" {
		user.Name = a.From.Name
	}
	a.From = user
	a.Recipient = c.bot
	a.Conversation = protocol.ConversationAccount{ID: conversationID, ConversationType: "personal"}
	return a
}

func (c *Channel) turnContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Channel) register(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[cn.id] = cn
}

func (c *Channel) unregister(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, cn.id)
}

// conn is one WebSocket connection. It implements turn.Sender; writes are
// serialized because turns of the same connection may overlap.
type conn struct {
	id             string
	conversationID string
	ws             *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, conversationID string) *conn {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &conn{
		id:             uuid.NewString(),
		conversationID: conversationID,
		ws:             ws,
		done:           make(chan struct{}),
	}
}

func (cn *conn) SendActivities(ctx context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error) {
	out := make([]*protocol.ResourceResponse, 0, len(activities))
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	for _, a := range activities {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = time.Now().UTC()
		}
		_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cn.ws.WriteJSON(a); err != nil {
			return out, err
		}
		out = append(out, &protocol.ResourceResponse{ID: a.ID})
	}
	return out, nil
}

func (cn *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			cn.writeMu.Lock()
			err := cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			cn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (cn *conn) close() {
	cn.closeOnce.Do(func() {
		close(cn.done)
		cn.writeMu.Lock()
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		cn.writeMu.Unlock()
		_ = cn.ws.Close()
	})
}
