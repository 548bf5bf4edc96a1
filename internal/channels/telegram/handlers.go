package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// channelData is carried on inbound activities so outbound sends and the file
// downloader can find their way back to the chat.
type channelData struct {
	ChatID          int64     `json:"chat_id"`
	MessageThreadID int       `json:"message_thread_id,omitempty"`
	Files           []fileRef `json:"files,omitempty"`
}

// fileRef points at a Telegram-hosted file; the content is fetched on demand.
type fileRef struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// Service messages (member added/removed, title changed) have no content.
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped",
			"chat_id", message.Chat.ID,
			"new_members", len(message.NewChatMembers),
			"left_member", message.LeftChatMember != nil,
		)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := channels.PeerDirect
	if isGroup {
		peerKind = channels.PeerGroup
	}

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"username", user.Username,
		"channel", c.Name(),
		"text_preview", channels.Truncate(message.Text, 60),
	)

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy",
			"peer", peerKind, "user_id", user.ID, "chat_id", message.Chat.ID)
		return
	}

	if isGroup && c.requireMention && !detectMention(message, c.account.Name) {
		slog.Debug("telegram group message skipped: bot not mentioned", "chat_id", message.Chat.ID)
		return
	}

	activity := buildActivity(c.Name(), message, c.account)
	c.Dispatch(ctx, senderID, activity, &sender{api: c.api})
}

// buildActivity converts a Telegram message into an inbound message activity.
// Forum topics get their own conversation so state does not leak between them.
func buildActivity(channelName string, msg *telego.Message, bot protocol.ChannelAccount) *protocol.Activity {
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	threadID := 0
	conversationID := strconv.FormatInt(msg.Chat.ID, 10)
	if isGroup && msg.Chat.IsForum {
		threadID = msg.MessageThreadID
		if threadID == 0 {
			threadID = telegramGeneralTopicID
		}
		conversationID = fmt.Sprintf("%s:topic:%d", conversationID, threadID)
	}

	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}

	a := &protocol.Activity{
		Type:      protocol.ActivityTypeMessage,
		ID:        strconv.Itoa(msg.MessageID),
		Timestamp: time.Unix(msg.Date, 0).UTC(),
		ChannelID: channelName,
		Recipient: bot,
		Conversation: protocol.ConversationAccount{
			ID:      conversationID,
			Name:    msg.Chat.Title,
			IsGroup: isGroup,
		},
		Text: stripCommandSuffix(text, bot.Name),
	}
	if msg.From != nil {
		a.From = protocol.ChannelAccount{ID: strconv.FormatInt(msg.From.ID, 10), Name: msg.From.Username, Role: "user"}
		if a.From.Name == "" {
			a.From.Name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
		a.Locale = msg.From.LanguageCode
	}
	if isGroup {
		a.Conversation.ConversationType = "group"
	} else {
		a.Conversation.ConversationType = "personal"
	}

	if bot.Name != "" {
		botMention := "@" + bot.Name
		for _, e := range entities {
			if e.Type != "mention" {
				continue
			}
			if mentioned := entityText(text, e); strings.EqualFold(mentioned, botMention) {
				b := bot
				a.Entities = append(a.Entities, protocol.Entity{
					Type:      protocol.EntityTypeMention,
					Mentioned: &b,
					Text:      mentioned,
				})
				break
			}
		}
	}

	files := messageFiles(msg)
	for _, f := range files {
		a.Attachments = append(a.Attachments, protocol.Attachment{ContentType: f.MimeType, Name: f.Name})
	}

	data, err := json.Marshal(channelData{ChatID: msg.Chat.ID, MessageThreadID: threadID, Files: files})
	if err == nil {
		a.ChannelData = data
	}
	return a
}

// messageFiles lists the downloadable files of a message. Photos use the
// largest size.
func messageFiles(msg *telego.Message) []fileRef {
	var files []fileRef
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		files = append(files, fileRef{FileID: photo.FileID, Name: "photo.jpg", MimeType: "image/jpeg", Size: int64(photo.FileSize)})
	}
	if msg.Document != nil {
		files = append(files, fileRef{FileID: msg.Document.FileID, Name: msg.Document.FileName, MimeType: msg.Document.MimeType, Size: int64(msg.Document.FileSize)})
	}
	if msg.Audio != nil {
		files = append(files, fileRef{FileID: msg.Audio.FileID, Name: msg.Audio.FileName, MimeType: msg.Audio.MimeType, Size: int64(msg.Audio.FileSize)})
	}
	if msg.Voice != nil {
		files = append(files, fileRef{FileID: msg.Voice.FileID, Name: "voice.ogg", MimeType: msg.Voice.MimeType, Size: int64(msg.Voice.FileSize)})
	}
	if msg.Video != nil {
		files = append(files, fileRef{FileID: msg.Video.FileID, Name: msg.Video.FileName, MimeType: msg.Video.MimeType, Size: int64(msg.Video.FileSize)})
	}
	return files
}

// entityText returns the text covered by an entity. Telegram offsets count
// UTF-16 code units.
func entityText(text string, e telego.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

// stripCommandSuffix turns "/help@mybot args" into "/help args" so command
// routes match in groups.
func stripCommandSuffix(text, botUsername string) string {
	if botUsername == "" || !strings.HasPrefix(text, "/") {
		return text
	}
	cmd, rest, _ := strings.Cut(text, " ")
	name, target, ok := strings.Cut(cmd, "@")
	if !ok || !strings.EqualFold(target, botUsername) {
		return text
	}
	if rest == "" {
		return name
	}
	return name + " " + rest
}

// detectMention checks if a Telegram message mentions the bot.
// Checks both text and caption entities; replying to the bot counts as a mention.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			switch entity.Type {
			case "mention":
				if strings.EqualFold(entityText(pair.text, entity), "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(entityText(pair.text, entity)), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		if strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername) {
			return true
		}
	}

	return false
}

// isServiceMessage returns true if the Telegram message is a service/system message
// (member added/removed, title changed, pinned, etc.) rather than a user-sent message.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}

	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}

	return true
}
