// Package telegram hosts the turn dispatcher on a Telegram bot using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// botAPI is the part of the Bot API the channel uses.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	api            botAPI
	config         config.TelegramConfig
	requireMention bool
	httpClient     *http.Client
	account        protocol.ChannelAccount // the bot, populated on start
	pollCancel     context.CancelFunc      // cancels the long polling context
	pollDone       chan struct{}           // closed when polling goroutine exits
}

const (
	httpTimeout        = 60 * time.Second
	pollTimeoutSeconds = 30
	stopPollWait       = 10 * time.Second
)

// New builds the channel; the bot token is checked by telego but no request
// is made until Start.
func New(cfg config.TelegramConfig, processor channels.TurnProcessor) (*Channel, error) {
	httpClient, err := newHTTPClient(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := cfg.RequireMention == nil || *cfg.RequireMention
	return &Channel{
		BaseChannel:    channels.NewBaseChannel(protocol.ChannelTelegram, processor, cfg.AllowFrom),
		bot:            bot,
		api:            bot,
		config:         cfg,
		requireMention: requireMention,
		httpClient:     httpClient,
	}, nil
}

// newHTTPClient serves both Bot API calls and file downloads.
func newHTTPClient(proxy string) (*http.Client, error) {
	client := &http.Client{Timeout: httpTimeout}
	if proxy == "" {
		return client, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
	}
	client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	return client, nil
}

// Start resolves the bot identity used for mention detection and outbound
// From, then long-polls for messages until Stop.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("fetch telegram bot identity: %w", err)
	}
	c.account = protocol.ChannelAccount{ID: strconv.FormatInt(me.ID, 10), Name: me.Username, Role: "bot"}

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        pollTimeoutSeconds,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	c.SetRunning(true)
	slog.Info("telegram bot connected", "channel", c.Name(), "username", me.Username)

	go c.syncMenu(pollCtx)
	go c.poll(pollCtx, updates)
	return nil
}

func (c *Channel) poll(ctx context.Context, updates <-chan telego.Update) {
	defer close(c.pollDone)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				slog.Info("telegram updates closed", "channel", c.Name())
				return
			}
			if update.Message != nil {
				c.handleMessage(ctx, update.Message)
			}
		}
	}
}

// Stop ends long polling, then waits for in-flight turns within ctx.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.pollCancel == nil {
		return c.WaitTurns(ctx)
	}
	c.pollCancel()

	// Telegram releases the getUpdates lock only after the poll returns.
	select {
	case <-c.pollDone:
	case <-time.After(stopPollWait):
		slog.Warn("telegram polling did not exit in time", "channel", c.Name())
	}
	slog.Info("telegram bot stopped", "channel", c.Name())
	return c.WaitTurns(ctx)
}

// telegramGeneralTopicID is the fixed topic ID for the "General" topic in forum supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend returns the thread ID for Telegram send API calls.
// General topic (1) must be omitted; Telegram rejects it with "thread not found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
