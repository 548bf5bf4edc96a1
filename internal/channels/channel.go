// Package channels connects chat platforms (Telegram, Discord, web chat) to
// the turn dispatcher. Each channel turns platform events into activities and
// delivers the activities a turn sends back.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// TurnProcessor runs one turn. *app.Application implements it.
type TurnProcessor interface {
	OnTurn(ctx context.Context, tc turn.Context) error
}

// TurnProcessorFunc adapts a function to TurnProcessor.
type TurnProcessorFunc func(ctx context.Context, tc turn.Context) error

func (f TurnProcessorFunc) OnTurn(ctx context.Context, tc turn.Context) error { return f(ctx, tc) }

// DMPolicy controls how direct messages are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted senders in groups
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// Peer kinds passed to CheckPolicy.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord").
	Name() string

	// Start begins listening for events. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel and waits for in-flight turns.
	Stop(ctx context.Context) error

	// IsRunning returns whether the channel is actively processing events.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	processor TurnProcessor
	running   atomic.Bool
	allowList []string
	turns     sync.WaitGroup
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, processor TurnProcessor, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		processor: processor,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// SetName overrides the channel name (used by InstanceLoader for named instances).
func (c *BaseChannel) SetName(name string) { c.name = name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart, userPart = senderID[:idx], senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || idPart == allowed || senderID == trimmed || idPart == trimmed {
			return true
		}
		if userPart != "" && strings.EqualFold(userPart, trimmed) {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates DM/Group policy for a message.
// Returns true if the message should be accepted, false if rejected.
// Empty policies default to "open".
func (c *BaseChannel) CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID string) bool {
	policy := dmPolicy
	if peerKind == PeerGroup {
		policy = groupPolicy
	}

	switch policy {
	case string(DMPolicyDisabled):
		return false
	case string(DMPolicyAllowlist):
		return c.IsAllowed(senderID)
	default: // "open"
		return true
	}
}

// HandleActivity runs one turn for an inbound activity, replying through
// sender. senderID is matched against the allowlist (see IsAllowed); rejected
// senders are dropped.
func (c *BaseChannel) HandleActivity(ctx context.Context, senderID string, activity *protocol.Activity, sender turn.Sender) error {
	if !c.IsAllowed(senderID) {
		slog.Debug("activity rejected by allowlist", "channel", c.name, "sender_id", senderID)
		return nil
	}
	if c.processor == nil {
		slog.Warn("no turn processor for channel", "channel", c.name)
		return nil
	}

	tc := turn.NewContext(activity, sender)
	if err := c.processor.OnTurn(ctx, tc); err != nil {
		slog.Error("turn failed",
			"channel", c.name,
			"conversation", activity.Conversation.ID,
			"type", activity.Type,
			"error", err,
		)
		return err
	}
	return nil
}

// Dispatch runs HandleActivity on its own goroutine. WaitTurns waits for all
// dispatched turns to finish.
func (c *BaseChannel) Dispatch(ctx context.Context, senderID string, activity *protocol.Activity, sender turn.Sender) {
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		_ = c.HandleActivity(ctx, senderID, activity, sender)
	}()
}

// WaitTurns blocks until dispatched turns finish or ctx is done.
func (c *BaseChannel) WaitTurns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Truncate shortens s to at most maxLen bytes for log previews, appending
// "..." when cut. A multi-byte character is never split.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// ChunkText splits text into pieces of at most maxLen bytes, preferring to
// break after a newline in the second half of a piece.
func ChunkText(text string, maxLen int) []string {
	var out []string
	for len(text) > maxLen {
		cut := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cut = idx + 1
		}
		// Do not split a UTF-8 sequence.
		for cut > 0 && cut < len(text) && !isRuneStart(text[cut]) {
			cut--
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
