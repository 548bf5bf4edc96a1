package discord

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

var testBot = protocol.ChannelAccount{ID: "B1", Name: "turnbot", Role: "bot"}

func newMessage(content, guildID string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   guildID,
		Content:   content,
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Author:    &discordgo.User{ID: "u1", Username: "alice", GlobalName: "Alice"},
	}}
}

func TestBuildActivityGuildMention(t *testing.T) {
	m := newMessage("<@B1> deploy please", "g1")
	m.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn.example/a.png", Filename: "a.png", ContentType: "image/png"}}

	a := buildActivity("discord", m, testBot)
	assert.Equal(t, "m1", a.ID)
	assert.Equal(t, "c1", a.Conversation.ID)
	assert.True(t, a.Conversation.IsGroup)
	assert.Equal(t, "g1", a.Conversation.TenantID)
	assert.Equal(t, "Alice", a.From.Name)
	require.Len(t, a.Entities, 1)
	assert.Equal(t, "<@B1>", a.Entities[0].Text)
	require.Len(t, a.Attachments, 1)
	assert.Equal(t, "https://cdn.example/a.png", a.Attachments[0].ContentURL)

	var data channelData
	require.NoError(t, json.Unmarshal(a.ChannelData, &data))
	assert.Equal(t, "g1", data.GuildID)
}

func TestBuildActivityNicknameMention(t *testing.T) {
	a := buildActivity("discord", newMessage("hey <@!B1>", ""), testBot)
	assert.False(t, a.Conversation.IsGroup)
	require.Len(t, a.Entities, 1)
	assert.Equal(t, "<@!B1>", a.Entities[0].Text)
}

func TestResolveDisplayName(t *testing.T) {
	m := newMessage("x", "g")
	assert.Equal(t, "Alice", resolveDisplayName(m))
	m.Member = &discordgo.Member{Nick: "Al"}
	assert.Equal(t, "Al", resolveDisplayName(m))
	m.Member = nil
	m.Author.GlobalName = ""
	assert.Equal(t, "alice", resolveDisplayName(m))
}

func TestMentionsUser(t *testing.T) {
	m := &discordgo.Message{Mentions: []*discordgo.User{{ID: "x"}, {ID: "B1"}}}
	assert.True(t, mentionsUser(m, "B1"))
	assert.False(t, mentionsUser(m, "B2"))
	assert.False(t, mentionsUser(nil, "B1"))
}

func TestBuildMessageSends(t *testing.T) {
	card := &protocol.Activity{
		Type: protocol.ActivityTypeMessage,
		Attachments: []protocol.Attachment{{
			ContentType: protocol.ContentTypeSigninCard,
			Content: protocol.SigninCard{
				Text:    "Sign in to continue",
				Buttons: []protocol.CardAction{{Type: protocol.CardActionSignIn, Title: "Sign in", Value: "https://login.example"}},
			},
		}},
	}
	sends := buildMessageSends(card)
	require.Len(t, sends, 1)
	assert.Equal(t, "Sign in to continue", sends[0].Content)
	require.Len(t, sends[0].Components, 1)
	row, ok := sends[0].Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	btn, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "https://login.example", btn.URL)

	long := &protocol.Activity{
		Type:         protocol.ActivityTypeMessage,
		Text:         strings.Repeat("b", discordMaxMessageLen*2+1),
		ReplyToID:    "m0",
		Conversation: protocol.ConversationAccount{ID: "c1", IsGroup: true},
	}
	sends = buildMessageSends(long)
	require.Len(t, sends, 3)
	require.NotNil(t, sends[0].Reference)
	assert.Equal(t, "m0", sends[0].Reference.MessageID)
	assert.Nil(t, sends[1].Reference)

	assert.Empty(t, buildMessageSends(&protocol.Activity{Type: protocol.ActivityTypeMessage, Text: "  "}))
}

type fakeSession struct {
	typing []string
	sent   []*discordgo.MessageSend
}

func (f *fakeSession) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	f.typing = append(f.typing, channelID)
	return nil
}

func (f *fakeSession) ChannelMessageSendComplex(_ string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "out" + strings.Repeat("1", len(f.sent))}, nil
}

func TestSenderSendActivities(t *testing.T) {
	api := &fakeSession{}
	s := &sender{api: api}
	conv := protocol.ConversationAccount{ID: "c9"}

	res, err := s.SendActivities(context.Background(), []*protocol.Activity{
		{Type: protocol.ActivityTypeTyping, Conversation: conv},
		{Type: protocol.ActivityTypeMessage, Text: "done", Conversation: conv},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, []string{"c9"}, api.typing)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "done", api.sent[0].Content)
	assert.Equal(t, "out1", res[1].ID)

	_, err = s.SendActivities(context.Background(), []*protocol.Activity{{Type: protocol.ActivityTypeMessage, Text: "x"}})
	assert.Error(t, err)
}
