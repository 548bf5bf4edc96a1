package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// sender delivers outbound activities to the Discord channel named by the
// conversation ID.
type sender struct {
	api sessionAPI
}

func (s *sender) SendActivities(ctx context.Context, activities []*protocol.Activity) ([]*protocol.ResourceResponse, error) {
	out := make([]*protocol.ResourceResponse, 0, len(activities))
	for _, a := range activities {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		channelID := a.Conversation.ID
		if channelID == "" {
			return out, fmt.Errorf("empty conversation id for discord send")
		}
		opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}

		switch {
		case a.IsType(protocol.ActivityTypeTyping):
			if err := s.api.ChannelTyping(channelID, opts...); err != nil {
				return out, fmt.Errorf("discord typing: %w", err)
			}
			out = append(out, &protocol.ResourceResponse{})

		case a.IsType(protocol.ActivityTypeMessage):
			var lastID string
			for _, data := range buildMessageSends(a) {
				msg, err := s.api.ChannelMessageSendComplex(channelID, data, opts...)
				if err != nil {
					return out, fmt.Errorf("send discord message: %w", err)
				}
				lastID = msg.ID
			}
			out = append(out, &protocol.ResourceResponse{ID: lastID})

		default:
			out = append(out, &protocol.ResourceResponse{})
		}
	}
	return out, nil
}

// buildMessageSends splits a message activity into Discord sends. Sign-in
// cards become a link button on the last chunk.
func buildMessageSends(a *protocol.Activity) []*discordgo.MessageSend {
	text := a.Text
	var components []discordgo.MessageComponent
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
		components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: title, Style: discordgo.LinkButton, URL: link},
			}},
		}
		break
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	chunks := channels.ChunkText(text, discordMaxMessageLen)
	sends := make([]*discordgo.MessageSend, 0, len(chunks))
	for i, chunk := range chunks {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && a.ReplyToID != "" && a.Conversation.IsGroup {
			data.Reference = &discordgo.MessageReference{MessageID: a.ReplyToID, ChannelID: a.Conversation.ID}
		}
		if i == len(chunks)-1 {
			data.Components = components
		}
		sends = append(sends, data)
	}
	return sends
}
