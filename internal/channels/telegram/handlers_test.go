package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

var testBot = protocol.ChannelAccount{ID: "999", Name: "turnbot", Role: "bot"}

func TestBuildActivityDirectMessage(t *testing.T) {
	msg := &telego.Message{
		MessageID: 42,
		Date:      1700000000,
		Chat:      telego.Chat{ID: 1001, Type: "private"},
		From:      &telego.User{ID: 7, Username: "alice", LanguageCode: "en"},
		Text:      "hello",
	}

	a := buildActivity("telegram", msg, testBot)
	assert.Equal(t, protocol.ActivityTypeMessage, a.Type)
	assert.Equal(t, "42", a.ID)
	assert.Equal(t, "telegram", a.ChannelID)
	assert.Equal(t, "1001", a.Conversation.ID)
	assert.False(t, a.Conversation.IsGroup)
	assert.Equal(t, "7", a.From.ID)
	assert.Equal(t, "alice", a.From.Name)
	assert.Equal(t, testBot, a.Recipient)
	assert.Equal(t, "en", a.Locale)
	assert.Equal(t, "hello", a.Text)
	assert.Empty(t, a.Entities)

	var data channelData
	require.NoError(t, json.Unmarshal(a.ChannelData, &data))
	assert.Equal(t, int64(1001), data.ChatID)
}

func TestBuildActivityForumTopicAndMention(t *testing.T) {
	text := "héllo @TurnBot what's up"
	msg := &telego.Message{
		MessageID:       5,
		Chat:            telego.Chat{ID: -100200, Type: "supergroup", IsForum: true, Title: "Team"},
		MessageThreadID: 17,
		From:            &telego.User{ID: 8, FirstName: "Bob"},
		Text:            text,
		Entities:        []telego.MessageEntity{{Type: "mention", Offset: 6, Length: 8}},
	}

	a := buildActivity("telegram", msg, testBot)
	assert.Equal(t, "-100200:topic:17", a.Conversation.ID)
	assert.True(t, a.Conversation.IsGroup)
	assert.Equal(t, "Bob", a.From.Name)
	require.Len(t, a.Entities, 1)
	assert.Equal(t, "@TurnBot", a.Entities[0].Text)
	assert.Equal(t, testBot.ID, a.Entities[0].Mentioned.ID)
}

func TestBuildActivityGeneralTopicDefault(t *testing.T) {
	msg := &telego.Message{
		Chat: telego.Chat{ID: -5, Type: "supergroup", IsForum: true},
		From: &telego.User{ID: 1},
		Text: "hi",
	}
	a := buildActivity("telegram", msg, testBot)
	assert.Equal(t, "-5:topic:1", a.Conversation.ID)
}

func TestBuildActivityFiles(t *testing.T) {
	msg := &telego.Message{
		Chat:     telego.Chat{ID: 3, Type: "private"},
		From:     &telego.User{ID: 1},
		Caption:  "see attached",
		Photo:    []telego.PhotoSize{{FileID: "small"}, {FileID: "large", FileSize: 2048}},
		Document: &telego.Document{FileID: "doc", FileName: "report.pdf", MimeType: "application/pdf"},
	}

	a := buildActivity("telegram", msg, testBot)
	assert.Equal(t, "see attached", a.Text)
	require.Len(t, a.Attachments, 2)
	assert.Equal(t, "image/jpeg", a.Attachments[0].ContentType)
	assert.Equal(t, "report.pdf", a.Attachments[1].Name)

	var data channelData
	require.NoError(t, json.Unmarshal(a.ChannelData, &data))
	require.Len(t, data.Files, 2)
	assert.Equal(t, "large", data.Files[0].FileID)
	assert.Equal(t, "doc", data.Files[1].FileID)
}

func TestStripCommandSuffix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/help@turnbot", "/help"},
		{"/help@TurnBot now please", "/help now please"},
		{"/help@otherbot", "/help@otherbot"},
		{"/help", "/help"},
		{"hello@turnbot", "hello@turnbot"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripCommandSuffix(tt.in, "turnbot"), tt.in)
	}
}

func TestDetectMention(t *testing.T) {
	tests := []struct {
		name string
		msg  *telego.Message
		want bool
	}{
		{
			name: "mention entity",
			msg: &telego.Message{
				Text:     "@turnbot hi",
				Entities: []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 8}},
			},
			want: true,
		},
		{
			name: "caption mention",
			msg: &telego.Message{
				Caption:         "look @TURNBOT",
				CaptionEntities: []telego.MessageEntity{{Type: "mention", Offset: 5, Length: 8}},
			},
			want: true,
		},
		{
			name: "command addressed to bot",
			msg: &telego.Message{
				Text:     "/start@turnbot",
				Entities: []telego.MessageEntity{{Type: "bot_command", Offset: 0, Length: 14}},
			},
			want: true,
		},
		{
			name: "reply to bot",
			msg: &telego.Message{
				Text:           "thanks",
				ReplyToMessage: &telego.Message{From: &telego.User{Username: "turnbot"}},
			},
			want: true,
		},
		{
			name: "other bot",
			msg: &telego.Message{
				Text:     "@otherbot hi",
				Entities: []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 9}},
			},
			want: false,
		},
		{
			name: "plain text",
			msg:  &telego.Message{Text: "hello everyone"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectMention(tt.msg, "turnbot"))
		})
	}
}

func TestIsServiceMessage(t *testing.T) {
	assert.True(t, isServiceMessage(&telego.Message{NewChatMembers: []telego.User{{ID: 1}}}))
	assert.False(t, isServiceMessage(&telego.Message{Text: "hi"}))
	assert.False(t, isServiceMessage(&telego.Message{Sticker: &telego.Sticker{FileID: "s"}}))
}

func TestParseConversationID(t *testing.T) {
	chat, thread, err := parseConversationID("-100200:topic:17")
	require.NoError(t, err)
	assert.Equal(t, int64(-100200), chat)
	assert.Equal(t, 17, thread)

	chat, thread, err = parseConversationID("55")
	require.NoError(t, err)
	assert.Equal(t, int64(55), chat)
	assert.Zero(t, thread)

	_, _, err = parseConversationID("not-a-chat")
	assert.Error(t, err)
}

func TestBuildMessageParamsSignInCard(t *testing.T) {
	a := &protocol.Activity{
		Type: protocol.ActivityTypeMessage,
		Attachments: []protocol.Attachment{{
			ContentType: protocol.ContentTypeOAuthCard,
			Content: &protocol.OAuthCard{
				Text:    "Please sign in",
				Buttons: []protocol.CardAction{{Type: protocol.CardActionSignIn, Title: "Sign in", Value: "https://login.example/x"}},
			},
		}},
	}

	params := buildMessageParams(10, 1, a)
	require.Len(t, params, 1)
	assert.Equal(t, "Please sign in", params[0].Text)
	assert.Zero(t, params[0].MessageThreadID, "general topic is omitted")
	markup, ok := params[0].ReplyMarkup.(*telego.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Equal(t, "https://login.example/x", markup.InlineKeyboard[0][0].URL)
}

func TestBuildMessageParamsChunksLongText(t *testing.T) {
	a := &protocol.Activity{
		Type:         protocol.ActivityTypeMessage,
		Text:         strings.Repeat("a", telegramMaxMessageLen+10),
		ReplyToID:    "12",
		Conversation: protocol.ConversationAccount{IsGroup: true},
	}
	params := buildMessageParams(10, 0, a)
	require.Len(t, params, 2)
	require.NotNil(t, params[0].ReplyParameters)
	assert.Equal(t, 12, params[0].ReplyParameters.MessageID)
	assert.Nil(t, params[1].ReplyParameters)

	assert.Nil(t, buildMessageParams(10, 0, &protocol.Activity{Type: protocol.ActivityTypeMessage}))
}

type fakeAPI struct {
	mu       sync.Mutex
	sent     []*telego.SendMessageParams
	actions  []*telego.SendChatActionParams
	files    map[string]*telego.File
	fileErrs int
}

func (f *fakeAPI) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return &telego.Message{MessageID: 100 + len(f.sent)}, nil
}

func (f *fakeAPI) SendChatAction(_ context.Context, p *telego.SendChatActionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, p)
	return nil
}

func (f *fakeAPI) GetFile(_ context.Context, p *telego.GetFileParams) (*telego.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[p.FileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return file, nil
}

func TestSenderSendActivities(t *testing.T) {
	api := &fakeAPI{}
	s := &sender{api: api}
	conv := protocol.ConversationAccount{ID: "77:topic:3"}

	res, err := s.SendActivities(context.Background(), []*protocol.Activity{
		{Type: protocol.ActivityTypeTyping, Conversation: conv},
		{Type: protocol.ActivityTypeMessage, Text: "hi", Conversation: conv},
		{Type: protocol.ActivityTypeEvent, Conversation: conv},
	})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "101", res[1].ID)

	require.Len(t, api.actions, 1)
	assert.Equal(t, 3, api.actions[0].MessageThreadID)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "hi", api.sent[0].Text)
	assert.Equal(t, 3, api.sent[0].MessageThreadID)
}

func TestSenderRejectsBadConversation(t *testing.T) {
	s := &sender{api: &fakeAPI{}}
	_, err := s.SendActivities(context.Background(), []*protocol.Activity{
		{Type: protocol.ActivityTypeMessage, Text: "hi", Conversation: protocol.ConversationAccount{ID: "x"}},
	})
	assert.Error(t, err)
}

func TestFileFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photos/a.jpg":
			_, _ = w.Write([]byte("jpegdata"))
		case "/docs/big.bin":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api := &fakeAPI{files: map[string]*telego.File{
		"photo": {FileID: "photo", FilePath: "photos/a.jpg"},
		"big":   {FileID: "big", FilePath: "docs/big.bin"},
	}}
	f := &fileFetcher{
		api:      api,
		client:   srv.Client(),
		maxBytes: 16,
		fileURL:  func(path string) string { return srv.URL + "/" + path },
	}

	raw, err := json.Marshal(channelData{ChatID: 1, Files: []fileRef{
		{FileID: "photo", Name: "photo.jpg", MimeType: "image/jpeg"},
		{FileID: "big", Name: "big.bin"},
	}})
	require.NoError(t, err)

	files, err := f.fetchAll(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, files, 1, "oversized file is skipped")
	assert.Equal(t, "jpegdata", string(files[0].Content))
	assert.Equal(t, "image/jpeg", files[0].ContentType)

	files, err = f.fetchAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMenuCommands(t *testing.T) {
	got := menuCommands(nil)
	require.Len(t, got, 4)
	assert.Equal(t, "start", got[0].Command)
	assert.Equal(t, "signout", got[3].Command)

	got = menuCommands([]config.BotCommand{
		{Command: "/Echo", Description: "  Repeat text  "},
		{Command: "echo", Description: "duplicate"},
		{Command: "bad-name", Description: "dash not allowed"},
		{Command: "quiet"},
		{Command: "long", Description: strings.Repeat("é", 300)},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "echo", got[0].Command)
	assert.Equal(t, "Repeat text", got[0].Description)
	assert.Equal(t, "quiet", got[1].Description)
	assert.Len(t, []rune(got[2].Description), maxCommandDescription)

	many := make([]config.BotCommand, 0, 120)
	for i := range 120 {
		many = append(many, config.BotCommand{Command: fmt.Sprintf("c%d", i), Description: "x"})
	}
	assert.Len(t, menuCommands(many), maxMenuCommands)
}
