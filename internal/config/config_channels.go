package config

import "encoding/json"

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WebChat  WebChatConfig  `json:"webchat"`
	// Instances adds extra named channels, e.g. a second Telegram bot.
	Instances []ChannelInstance `json:"instances,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"` // max file download size in bytes (default 20MB)
	// Commands replaces the bot menu; empty keeps start/help/signin/signout.
	Commands []BotCommand `json:"commands,omitempty"`
}

// BotCommand is one entry of a chat bot's command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
}

// WebChatConfig configures the websocket chat served by the gateway on /ws.
type WebChatConfig struct {
	Enabled   bool                `json:"enabled"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
	BotName   string              `json:"bot_name,omitempty"` // default "turnkit"
}

// ChannelInstance is a named channel built by the factory registered for Type.
// Config holds the channel's own settings, e.g. a TelegramConfig.
type ChannelInstance struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// GatewayConfig controls the HTTP server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`           // bearer token for /api/messages and /ws
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origin whitelist (empty = allow all)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // requests per minute per caller (default 30, 0 = disabled)
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max inbound activity size (default 1MB)
	TurnTimeout    Duration `json:"turn_timeout,omitempty"`    // bound on one HTTP turn (default 30s)
}
