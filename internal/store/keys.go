// Storage key types.
//
// Keys are structs so call sites cannot transpose fields; String() renders the
// canonical storage form shared by every backend:
//
//	Flow state:    oauth/{handler}/{channelId}/{conversationId}/flowState
//	Exchange:      oauth/{channelId}/{conversationId}/{exchangeId}
//	Conversation:  {channelId}/conversations/{conversationId}
//	User:          {channelId}/users/{userId}
//
// Examples:
//
//	oauth/graph/msteams/19:abc@thread.v2/flowState
//	oauth/msteams/19:abc@thread.v2/3f1c9a
//	telegram/conversations/386246614
//	telegram/users/386246614
package store

import (
	"fmt"
	"strings"
)

const oauthPrefix = "oauth"

// FlowStateKey addresses the persisted sign-in flow state of one handler in one conversation.
type FlowStateKey struct {
	Handler        string
	ChannelID      string
	ConversationID string
}

func (k FlowStateKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/flowState", oauthPrefix, k.Handler, k.ChannelID, k.ConversationID)
}

// ExchangeKey addresses the deduplication record of one token-exchange request.
type ExchangeKey struct {
	ChannelID      string
	ConversationID string
	ExchangeID     string
}

func (k ExchangeKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", oauthPrefix, k.ChannelID, k.ConversationID, k.ExchangeID)
}

// ConversationStateKey addresses the conversation-scoped turn state.
type ConversationStateKey struct {
	ChannelID      string
	ConversationID string
}

func (k ConversationStateKey) String() string {
	return fmt.Sprintf("%s/conversations/%s", k.ChannelID, k.ConversationID)
}

// UserStateKey addresses the user-scoped turn state.
type UserStateKey struct {
	ChannelID string
	UserID    string
}

func (k UserStateKey) String() string {
	return fmt.Sprintf("%s/users/%s", k.ChannelID, k.UserID)
}

// ParseFlowStateKey parses the canonical flow state key form.
// Conversation IDs may themselves contain '/', so the handler and channel are
// taken from the front and the "flowState" marker from the back.
func ParseFlowStateKey(key string) (FlowStateKey, bool) {
	if !strings.HasPrefix(key, oauthPrefix+"/") || !strings.HasSuffix(key, "/flowState") {
		return FlowStateKey{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(key, oauthPrefix+"/"), "/flowState")
	parts := strings.SplitN(body, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return FlowStateKey{}, false
	}
	return FlowStateKey{Handler: parts[0], ChannelID: parts[1], ConversationID: parts[2]}, true
}

// IsOAuthKey reports whether key belongs to the sign-in key space.
func IsOAuthKey(key string) bool {
	return strings.HasPrefix(key, oauthPrefix+"/")
}
