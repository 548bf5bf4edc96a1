package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/turnkit/internal/app"
	"github.com/nextlevelbuilder/turnkit/internal/auth"
	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/channels/discord"
	"github.com/nextlevelbuilder/turnkit/internal/channels/telegram"
	"github.com/nextlevelbuilder/turnkit/internal/channels/webchat"
	"github.com/nextlevelbuilder/turnkit/internal/config"
	"github.com/nextlevelbuilder/turnkit/internal/gateway"
	"github.com/nextlevelbuilder/turnkit/internal/store"
	"github.com/nextlevelbuilder/turnkit/internal/telemetry"
	"github.com/nextlevelbuilder/turnkit/internal/tokenclient"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and all enabled channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	storage, closeStorage, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := closeStorage(); err != nil {
			slog.Warn("storage close", "error", err)
		}
	}()
	slog.Info("storage ready", "driver", cfg.Storage.Driver)

	application, err := buildApplication(cfg, storage)
	if err != nil {
		return err
	}

	mgr := channels.NewManager()
	wc := registerChannels(cfg, application, mgr)

	loader := channels.NewInstanceLoader(mgr, application)
	loader.RegisterFactory(protocol.ChannelTelegram, telegram.Factory)
	loader.RegisterFactory(protocol.ChannelDiscord, discord.Factory)
	if err := loader.LoadAll(ctx, cfg.Channels.Instances); err != nil {
		return err
	}

	server := gateway.NewServer(cfg.Gateway, application, mgr)
	if wc != nil {
		server.SetWebChat(wc)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		startErr := mgr.StartAll(gctx)
		if startErr == nil {
			<-gctx.Done()
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		loader.Stop(sctx)
		return errors.Join(startErr, mgr.StopAll(sctx))
	})

	slog.Info("turnkit running", "version", Version, "channels", mgr.GetEnabledChannels())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("turnkit stopped")
	return nil
}

// buildApplication wires storage, sign-in and the built-in agent into an
// Application.
func buildApplication(cfg *config.Config, storage store.Storage) (*app.Application, error) {
	opts := app.Options{
		Storage:                storage,
		StartTypingTimer:       cfg.App.StartTypingTimer,
		TypingDelay:            cfg.App.TypingDelay.Std(),
		TypingInterval:         cfg.App.TypingInterval.Std(),
		TypingMaxDuration:      cfg.App.TypingMaxDuration.Std(),
		NormalizeMentions:      cfg.App.NormalizeMentions,
		RemoveRecipientMention: cfg.App.RemoveRecipientMention,
		RouteLockTimeout:       cfg.App.RouteLockTimeout.Std(),
	}

	if cfg.Auth.Enabled() {
		ua, err := buildAuthorization(cfg.Auth, storage)
		if err != nil {
			return nil, err
		}
		opts.UserAuthorization = ua
	}

	if cfg.App.DownloadAttachments {
		opts.FileDownloaders = append(opts.FileDownloaders, app.NewAttachmentDownloader(app.AttachmentDownloaderOptions{
			TokenSource: downloadTokenSource(cfg.Auth.TokenService),
			MaxBytes:    cfg.App.AttachmentMaxBytes,
		}))
	}

	application, err := app.New(opts, &echoAgent{auth: opts.UserAuthorization})
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}

	application.OnTurnError(func(ctx context.Context, tc turn.Context, _ *turn.State, err error) error {
		slog.Error("turn error",
			"channel", tc.Activity().ChannelID,
			"conversation", tc.Activity().Conversation.ID,
			"error", err,
		)
		_, sendErr := turn.SendText(ctx, tc, "Sorry, something went wrong.")
		return sendErr
	})
	return application, nil
}

func buildAuthorization(cfg config.AuthConfig, storage store.Storage) (*auth.UserAuthorization, error) {
	handlers := make([]auth.HandlerSettings, 0, len(cfg.Handlers))
	for _, h := range cfg.Handlers {
		handlers = append(handlers, h.HandlerSettings())
	}
	opts := auth.Options{
		Storage:        storage,
		Client:         tokenclient.NewHTTPClient(cfg.TokenService.ClientConfig()),
		Handlers:       handlers,
		DefaultHandler: cfg.DefaultHandler,
	}
	if !cfg.AutoSignInEnabled() {
		opts.AutoSignIn = explicitSignIn
	}
	ua, err := auth.New(opts)
	if err != nil {
		return nil, fmt.Errorf("build sign-in: %w", err)
	}
	ua.OnSignInSuccess(func(ctx context.Context, tc turn.Context, _ *turn.State, handler string) error {
		slog.Info("user signed in", "handler", handler, "user", tc.Activity().From.ID)
		return nil
	})
	ua.OnSignInFailure(func(ctx context.Context, tc turn.Context, _ *turn.State, handler string, err error) error {
		slog.Warn("sign-in failed", "handler", handler, "user", tc.Activity().From.ID, "error", err)
		_, sendErr := turn.SendText(ctx, tc, "Sign-in failed. Send "+signInCommand+" to try again.")
		return sendErr
	})
	return ua, nil
}

// downloadTokenSource authenticates attachment downloads with the agent's
// client credentials when a token endpoint is configured.
func downloadTokenSource(cfg config.TokenServiceConfig) oauth2.TokenSource {
	if cfg.TokenURL == "" {
		return nil
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.AppID,
		ClientSecret: cfg.AppSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return cc.TokenSource(context.Background())
}

// registerChannels adds the channels enabled in the top-level config and
// returns the webchat channel, if any, for the gateway to serve on /ws.
func registerChannels(cfg *config.Config, application *app.Application, mgr *channels.Manager) *webchat.Channel {
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, application)
		if err != nil {
			slog.Error("telegram channel disabled", "error", err)
		} else {
			mgr.RegisterChannel(tg.Name(), tg)
			application.AddFileDownloader(tg)
		}
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, application)
		if err != nil {
			slog.Error("discord channel disabled", "error", err)
		} else {
			mgr.RegisterChannel(dc.Name(), dc)
		}
	}
	if !cfg.Channels.WebChat.Enabled {
		return nil
	}
	wc := webchat.New(cfg.Channels.WebChat, cfg.Gateway.AllowedOrigins, application)
	mgr.RegisterChannel(wc.Name(), wc)
	return wc
}
