package telegram

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/turnkit/internal/config"
)

// Bot API limits for setMyCommands.
const (
	maxMenuCommands       = 100
	maxCommandDescription = 256
)

var commandNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

var defaultMenu = []config.BotCommand{
	{Command: "start", Description: "Start chatting with the bot"},
	{Command: "help", Description: "Show available commands"},
	{Command: "signin", Description: "Connect your account"},
	{Command: "signout", Description: "Disconnect your account"},
}

// SyncMenuCommands replaces the bot's command menu.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := c.bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	if len(commands) == 0 {
		return nil
	}
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
}

// syncMenu publishes the command menu, retrying up to three times.
func (c *Channel) syncMenu(ctx context.Context) {
	commands := menuCommands(c.config.Commands)
	for attempt := 1; attempt <= 3; attempt++ {
		err := c.SyncMenuCommands(ctx, commands)
		if err == nil {
			slog.Debug("telegram menu commands synced", "channel", c.Name(), "count", len(commands))
			return
		}
		slog.Warn("telegram menu sync failed", "channel", c.Name(), "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt*5) * time.Second):
		}
	}
}

// menuCommands turns configured commands into the menu Telegram accepts:
// a leading slash is dropped, names are lowercased, invalid names and
// duplicates are skipped and descriptions are truncated.
func menuCommands(configured []config.BotCommand) []telego.BotCommand {
	if len(configured) == 0 {
		configured = defaultMenu
	}

	seen := make(map[string]struct{}, len(configured))
	out := make([]telego.BotCommand, 0, len(configured))
	for _, cmd := range configured {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cmd.Command), "/"))
		if !commandNamePattern.MatchString(name) {
			slog.Warn("telegram: skipping invalid menu command", "command", cmd.Command)
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		desc := strings.TrimSpace(cmd.Description)
		if desc == "" {
			desc = name
		}
		if r := []rune(desc); len(r) > maxCommandDescription {
			desc = string(r[:maxCommandDescription])
		}
		seen[name] = struct{}{}
		out = append(out, telego.BotCommand{Command: name, Description: desc})
		if len(out) == maxMenuCommands {
			break
		}
	}
	return out
}
