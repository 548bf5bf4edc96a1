// Package protocol holds the activity model exchanged between channels and the
// turn engine: activities, accounts, mention entities, attachments and the
// invoke/token payloads used by the sign-in flow.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// ProtocolVersion is bumped when the JSON shape of Activity changes incompatibly.
const ProtocolVersion = 1

// ChannelAccount identifies a user or bot on a channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// ConversationAccount identifies a conversation on a channel.
type ConversationAccount struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
}

// Entity is a loosely typed annotation on an activity (mentions, stream info, ...).
type Entity struct {
	Type      string          `json:"type"`
	Mentioned *ChannelAccount `json:"mentioned,omitempty"`
	Text      string          `json:"text,omitempty"`

	// Streaming metadata (Type == EntityTypeStreamInfo).
	StreamID       string `json:"streamId,omitempty"`
	StreamType     string `json:"streamType,omitempty"`
	StreamSequence int    `json:"streamSequence,omitempty"`
}

// Attachment carries a file reference or a card.
type Attachment struct {
	ContentType string `json:"contentType"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Content     any    `json:"content,omitempty"`
	Name        string `json:"name,omitempty"`
}

// MessageReaction is one reaction added to or removed from a message.
type MessageReaction struct {
	Type string `json:"type"`
}

// Activity is one inbound or outbound unit of conversation.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    time.Time           `json:"timestamp,omitempty"`
	ChannelID    string              `json:"channelId"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Locale       string              `json:"locale,omitempty"`

	Text        string       `json:"text,omitempty"`
	TextFormat  string       `json:"textFormat,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Entities    []Entity     `json:"entities,omitempty"`

	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	MembersAdded     []ChannelAccount  `json:"membersAdded,omitempty"`
	MembersRemoved   []ChannelAccount  `json:"membersRemoved,omitempty"`
	ReactionsAdded   []MessageReaction `json:"reactionsAdded,omitempty"`
	ReactionsRemoved []MessageReaction `json:"reactionsRemoved,omitempty"`

	ChannelData json.RawMessage `json:"channelData,omitempty"`
}

// IsType reports whether the activity type equals t, ignoring case.
func (a *Activity) IsType(t string) bool {
	return a != nil && strings.EqualFold(a.Type, t)
}

// Mentions returns the mention entities of the activity.
func (a *Activity) Mentions() []Entity {
	var out []Entity
	for _, e := range a.Entities {
		if strings.EqualFold(e.Type, EntityTypeMention) {
			out = append(out, e)
		}
	}
	return out
}

// DecodeValue unmarshals the activity Value into dst.
func (a *Activity) DecodeValue(dst any) error {
	if len(a.Value) == 0 {
		return json.Unmarshal([]byte("null"), dst)
	}
	return json.Unmarshal(a.Value, dst)
}

// Clone returns a deep copy of the activity via its JSON form.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		cp := *a
		return &cp
	}
	var cp Activity
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *a
	}
	return &cp
}

// Reply builds an outbound activity addressed back to the sender of a.
func (a *Activity) Reply(text string) *Activity {
	return &Activity{
		Type:         ActivityTypeMessage,
		Timestamp:    time.Now().UTC(),
		ChannelID:    a.ChannelID,
		ServiceURL:   a.ServiceURL,
		From:         a.Recipient,
		Recipient:    a.From,
		Conversation: a.Conversation,
		ReplyToID:    a.ID,
		Locale:       a.Locale,
		Text:         text,
	}
}

// NewMessage builds a plain outbound message activity.
func NewMessage(text string) *Activity {
	return &Activity{Type: ActivityTypeMessage, Text: text}
}

// NewTyping builds a typing indicator activity.
func NewTyping() *Activity {
	return &Activity{Type: ActivityTypeTyping}
}

// ResourceResponse is returned by a channel for each sent activity.
type ResourceResponse struct {
	ID string `json:"id"`
}
