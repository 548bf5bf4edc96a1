package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// telegramMaxMessageLen is the Bot API limit for a single message.
const telegramMaxMessageLen = 4096

// sender delivers outbound activities to the chat named by the conversation ID.
type sender struct {
	api botAPI
}

func (s *sender) SendActivities(ctx context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error) {
	out := make([]*protocol.ResourceResponse, 0, len(activities))
	for _, a := range activities {
		chatID, threadID, err := parseConversationID(a.Conversation.ID)
		if err != nil {
			return out, err
		}

		switch {
		case a.IsType(protocol.ActivityTypeTyping):
			action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
			action.MessageThreadID = resolveThreadIDForSend(threadID)
			if err := s.api.SendChatAction(ctx, action); err != nil {
				return out, fmt.Errorf("telegram send chat action: %w", err)
			}
			out = append(out, &protocol.ResourceResponse{})

		case a.IsType(protocol.ActivityTypeMessage):
			var lastID string
			for _, params := range buildMessageParams(chatID, threadID, a) {
				msg, err := s.api.SendMessage(ctx, params)
				if err != nil {
					return out, fmt.Errorf("telegram send message: %w", err)
				}
				lastID = strconv.Itoa(msg.MessageID)
			}
			out = append(out, &protocol.ResourceResponse{ID: lastID})

		default:
			// No Telegram equivalent (events, end of conversation, ...).
			out = append(out, &protocol.ResourceResponse{})
		}
	}
	return out, nil
}

// buildMessageParams splits a message activity into Telegram sends. Sign-in
// cards become an inline URL button on the last chunk.
func buildMessageParams(chatID int64, threadID int, a *protocol.Activity) []*telego.SendMessageParams {
	text := a.Text
	var keyboard *telego.InlineKeyboardMarkup
	for _, att := range a.Attachments {
		title, link, ok := protocol.SignInLinkFromAttachment(att)
		if !ok {
			continue
		}
		if title == "" {
			title = "Sign in"
		}
		if text == "" {
			text = protocol.CardText(att)
		}
		if text == "" {
			text = title
		}
		keyboard = &telego.InlineKeyboardMarkup{
			InlineKeyboard: [][]telego.InlineKeyboardButton{{{Text: title, URL: link}}},
		}
		break
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	chunks := channels.ChunkText(text, telegramMaxMessageLen)
	params := make([]*telego.SendMessageParams, 0, len(chunks))
	for i, chunk := range chunks {
		p := &telego.SendMessageParams{
			ChatID:          tu.ID(chatID),
			Text:            chunk,
			MessageThreadID: resolveThreadIDForSend(threadID),
		}
		if i == 0 && a.ReplyToID != "" && a.Conversation.IsGroup {
			if replyID, err := strconv.Atoi(a.ReplyToID); err == nil {
				p.ReplyParameters = &telego.ReplyParameters{MessageID: replyID, AllowSendingWithoutReply: true}
			}
		}
		if i == len(chunks)-1 && keyboard != nil {
			p.ReplyMarkup = keyboard
		}
		params = append(params, p)
	}
	return params
}

// parseConversationID splits "<chat>" or "<chat>:topic:<thread>".
func parseConversationID(id string) (chatID int64, threadID int, err error) {
	chatPart, topicPart, hasTopic := strings.Cut(id, ":topic:")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram conversation id %q", id)
	}
	if hasTopic {
		threadID, err = strconv.Atoi(topicPart)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid telegram topic in conversation id %q", id)
		}
	}
	return chatID, threadID, nil
}
