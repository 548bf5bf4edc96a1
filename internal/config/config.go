package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/turnkit/internal/auth"
	"github.com/nextlevelbuilder/turnkit/internal/tokenclient"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Duration is a time.Duration written as "15m" or as a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"'`)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for a turnkit agent host.
type Config struct {
	App       AppConfig       `json:"app"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// AppConfig tunes the turn dispatcher.
type AppConfig struct {
	StartTypingTimer       bool     `json:"start_typing_timer,omitempty"`
	TypingDelay            Duration `json:"typing_delay,omitempty"`    // default 1s
	TypingInterval         Duration `json:"typing_interval,omitempty"` // default 1s
	TypingMaxDuration      Duration `json:"typing_max_duration,omitempty"`
	NormalizeMentions      bool     `json:"normalize_mentions,omitempty"`
	RemoveRecipientMention bool     `json:"remove_recipient_mention,omitempty"`
	RouteLockTimeout       Duration `json:"route_lock_timeout,omitempty"` // default 1s
	DownloadAttachments    bool     `json:"download_attachments,omitempty"`
	AttachmentMaxBytes     int64    `json:"attachment_max_bytes,omitempty"` // default 20MB
}

// AuthConfig configures user sign-in. No handlers means sign-in is disabled.
type AuthConfig struct {
	TokenService   TokenServiceConfig `json:"token_service"`
	Handlers       []HandlerConfig    `json:"handlers,omitempty"`
	DefaultHandler string             `json:"default_handler,omitempty"`
	// AutoSignIn signs in on every activity before routing (default true).
	AutoSignIn *bool `json:"auto_sign_in,omitempty"`
}

// Enabled reports whether any sign-in handler is configured.
func (a AuthConfig) Enabled() bool { return len(a.Handlers) > 0 }

// AutoSignInEnabled applies the default to AutoSignIn.
func (a AuthConfig) AutoSignInEnabled() bool { return a.AutoSignIn == nil || *a.AutoSignIn }

// TokenServiceConfig locates the user token service.
// AppSecret is NEVER read from config.json, only from env TURNKIT_APP_SECRET.
type TokenServiceConfig struct {
	BaseURL           string   `json:"base_url,omitempty"`
	AppID             string   `json:"app_id,omitempty"`
	AppSecret         string   `json:"-"`
	TokenURL          string   `json:"token_url,omitempty"`
	Scopes            []string `json:"scopes,omitempty"`
	Timeout           Duration `json:"timeout,omitempty"`
	RequestsPerSecond float64  `json:"requests_per_second,omitempty"` // 0 = unlimited
	Burst             int      `json:"burst,omitempty"`
}

// ClientConfig converts to the token client configuration.
func (t TokenServiceConfig) ClientConfig() tokenclient.Config {
	return tokenclient.Config{
		BaseURL:           t.BaseURL,
		AppID:             t.AppID,
		AppSecret:         t.AppSecret,
		TokenURL:          t.TokenURL,
		Scopes:            t.Scopes,
		Timeout:           t.Timeout.Std(),
		RequestsPerSecond: t.RequestsPerSecond,
		Burst:             t.Burst,
	}
}

// HandlerConfig is one named sign-in handler.
type HandlerConfig struct {
	Name                      string   `json:"name"`
	ConnectionName            string   `json:"connection_name"`
	Title                     string   `json:"title,omitempty"`
	Text                      string   `json:"text,omitempty"`
	Timeout                   Duration `json:"timeout,omitempty"` // default 15m
	InvalidSignInRetryMax     int      `json:"invalid_sign_in_retry_max,omitempty"`
	InvalidSignInRetryMessage string   `json:"invalid_sign_in_retry_message,omitempty"`
	FinalRedirect             string   `json:"final_redirect,omitempty"`
}

// HandlerSettings converts to the sign-in handler settings.
func (h HandlerConfig) HandlerSettings() auth.HandlerSettings {
	return auth.HandlerSettings{
		Name: h.Name,
		FlowSettings: auth.FlowSettings{
			ConnectionName:            h.ConnectionName,
			Title:                     h.Title,
			Text:                      h.Text,
			Timeout:                   h.Timeout.Std(),
			InvalidSignInRetryMax:     h.InvalidSignInRetryMax,
			InvalidSignInRetryMessage: h.InvalidSignInRetryMessage,
			FinalRedirect:             h.FinalRedirect,
		},
	}
}

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// StorageConfig selects where turn state, flow state and exchange records live.
// PostgresDSN is NEVER read from config.json, only from env TURNKIT_POSTGRES_DSN.
type StorageConfig struct {
	Driver      string      `json:"driver,omitempty"` // "memory" (default), "sqlite", "postgres", "redis"
	SQLitePath  string      `json:"sqlite_path,omitempty"`
	PostgresDSN string      `json:"-"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

// RedisConfig configures the redis storage driver.
type RedisConfig struct {
	Addr     string   `json:"addr,omitempty"`
	Password string   `json:"-"` // from env TURNKIT_REDIS_PASSWORD only
	DB       int      `json:"db,omitempty"`
	Prefix   string   `json:"prefix,omitempty"`
	TTL      Duration `json:"ttl,omitempty"` // 0 = keep forever
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "turnkit"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}
