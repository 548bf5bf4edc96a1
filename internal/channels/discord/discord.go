// Package discord hosts the turn dispatcher on a Discord bot over the gateway.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// discordMaxMessageLen is the per-message content limit.
const discordMaxMessageLen = 2000

// sessionAPI is the part of the Discord REST API the sender uses.
type sessionAPI interface {
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	account        protocol.ChannelAccount // the bot, populated on start
	requireMention bool                    // require @bot mention in groups (default true)
	turnCtx        context.Context
	cancel         context.CancelFunc
	removeHandler  func()
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, processor channels.TurnProcessor) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	// Request necessary intents
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel(protocol.ChannelDiscord, processor, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord bot", "channel", c.Name())

	c.turnCtx, c.cancel = context.WithCancel(ctx)
	c.removeHandler = c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		c.cancel()
		return fmt.Errorf("open discord session: %w", err)
	}

	// Fetch bot identity
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		c.cancel()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.account = protocol.ChannelAccount{ID: user.ID, Name: user.Username, Role: "bot"}

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop closes the Discord gateway connection and waits for in-flight turns.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping discord bot", "channel", c.Name())
	c.SetRunning(false)
	if c.removeHandler != nil {
		c.removeHandler()
	}
	err := c.session.Close()
	if waitErr := c.WaitTurns(ctx); waitErr != nil && err == nil {
		err = waitErr
	}
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore our own and other bots' messages.
	if m.Author == nil || m.Author.ID == c.account.ID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = m.Author.ID + "|" + m.Author.Username
	}

	peerKind := channels.PeerGroup
	if m.GuildID == "" {
		peerKind = channels.PeerDirect
	}

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("discord message rejected by policy",
			"peer", peerKind,
			"user_id", m.Author.ID,
			"username", m.Author.Username,
		)
		return
	}

	if peerKind == channels.PeerGroup && c.requireMention && !mentionsUser(m.Message, c.account.ID) {
		slog.Debug("discord group message skipped: bot not mentioned", "channel_id", m.ChannelID)
		return
	}

	slog.Debug("discord message received",
		"sender_id", m.Author.ID,
		"channel_id", m.ChannelID,
		"is_dm", m.GuildID == "",
		"preview", channels.Truncate(m.Content, 50),
	)

	ctx := c.turnCtx
	if ctx == nil {
		ctx = context.Background()
	}
	c.Dispatch(ctx, senderID, buildActivity(c.Name(), m, c.account), &sender{api: c.session})
}

// channelData is attached to inbound activities.
type channelData struct {
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id"`
}

// buildActivity converts a Discord message into an inbound message activity.
func buildActivity(channelName string, m *discordgo.MessageCreate, bot protocol.ChannelAccount) *protocol.Activity {
	isGroup := m.GuildID != ""
	a := &protocol.Activity{
		Type:      protocol.ActivityTypeMessage,
		ID:        m.ID,
		Timestamp: m.Timestamp.UTC(),
		ChannelID: channelName,
		From: protocol.ChannelAccount{
			ID:   m.Author.ID,
			Name: resolveDisplayName(m),
			Role: "user",
		},
		Recipient: bot,
		Conversation: protocol.ConversationAccount{
			ID:       m.ChannelID,
			IsGroup:  isGroup,
			TenantID: m.GuildID,
		},
		Text: m.Content,
	}
	if isGroup {
		a.Conversation.ConversationType = "group"
	} else {
		a.Conversation.ConversationType = "personal"
	}

	// Discord renders mentions as <@id> or <@!id> (nickname form).
	if bot.ID != "" {
		for _, token := range []string{"<@" + bot.ID + ">", "<@!" + bot.ID + ">"} {
			if strings.Contains(m.Content, token) {
				b := bot
				a.Entities = append(a.Entities, protocol.Entity{
					Type:      protocol.EntityTypeMention,
					Mentioned: &b,
					Text:      token,
				})
				break
			}
		}
	}

	for _, att := range m.Attachments {
		a.Attachments = append(a.Attachments, protocol.Attachment{
			ContentType: att.ContentType,
			ContentURL:  att.URL,
			Name:        att.Filename,
		})
	}

	if data, err := json.Marshal(channelData{GuildID: m.GuildID, ChannelID: m.ChannelID}); err == nil {
		a.ChannelData = data
	}
	return a
}

func mentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil || userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
