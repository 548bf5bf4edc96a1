// Package gateway serves the turn dispatcher over HTTP: a JSON activity
// endpoint, the web chat socket and a health probe.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultTurnTimeout  = 30 * time.Second
)

// Server is the HTTP front door of the turn dispatcher.
type Server struct {
	cfg         config.GatewayConfig
	processor   channels.TurnProcessor
	manager     *channels.Manager
	webchat     http.Handler
	rateLimiter *channels.RateLimiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. manager may be nil; it only feeds /health.
func NewServer(cfg config.GatewayConfig, processor channels.TurnProcessor, manager *channels.Manager) *Server {
	return &Server{
		cfg:         cfg,
		processor:   processor,
		manager:     manager,
		rateLimiter: channels.NewRateLimiter(cfg.RateLimitRPM),
	}
}

// SetWebChat mounts the web chat handler on /ws.
func (s *Server) SetWebChat(h http.Handler) { s.webchat = h }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", s.authMiddleware(s.handleMessages))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.webchat != nil {
		mux.HandleFunc("GET /ws", s.authMiddleware(s.webchat.ServeHTTP))
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			token := extractBearerToken(r)
			if token == "" {
				// Browsers cannot set headers on WebSocket upgrades.
				token = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		if !s.rateLimiter.Allow(clientKey(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

// handleMessages runs one turn for the posted activity. Invokes answer with
// the captured invoke response; everything else returns the replies the
// turn produced.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	var activity protocol.Activity
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid activity: " + err.Error()})
		return
	}
	if activity.Type == "" || activity.Conversation.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "activity type and conversation id are required"})
		return
	}
	if activity.ChannelID == "" {
		activity.ChannelID = protocol.ChannelDirectLine
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now().UTC()
	}

	timeout := s.cfg.TurnTimeout.Std()
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	out := &collector{}
	tc := turn.NewContext(&activity, out)
	if err := s.processor.OnTurn(ctx, tc); err != nil {
		slog.Error("gateway turn failed",
			"channel", activity.ChannelID,
			"conversation", activity.Conversation.ID,
			"type", activity.Type,
			"error", err,
		)
		// An invoke response sent before the failure still answers the caller.
		if resp, ok := tc.InvokeResponse(); ok && activity.IsType(protocol.ActivityTypeInvoke) {
			writeInvokeResponse(w, resp)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "turn failed"})
		return
	}

	if activity.IsType(protocol.ActivityTypeInvoke) {
		resp, ok := tc.InvokeResponse()
		if !ok {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no invoke response"})
			return
		}
		writeInvokeResponse(w, resp)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"activities": out.all()})
}

// handleHealth reports liveness plus the state of each registered channel.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion}
	if s.manager != nil {
		body["channels"] = s.manager.GetStatus()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeInvokeResponse(w http.ResponseWriter, resp protocol.InvokeResponse) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
