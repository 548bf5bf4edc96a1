package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	require.NoError(t, err)
	assert.Equal(t, Default().Gateway, cfg.Gateway)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, time.Second, cfg.App.TypingDelay.Std())
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, `{
		// comments and trailing commas are fine
		app: {
			typing_delay: "250ms",
			typing_interval: 2,
			normalize_mentions: false,
		},
		auth: {
			token_service: { base_url: "https://tokens.example", app_id: "app-1" },
			handlers: [
				{ name: "graph", connection_name: "graph-conn", timeout: "10m" },
			],
		},
		channels: {
			telegram: { enabled: true, token: "tg", allow_from: [12345, "@ann"] },
		},
		gateway: { port: 8080 },
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.App.TypingDelay.Std())
	assert.Equal(t, 2*time.Second, cfg.App.TypingInterval.Std())
	assert.False(t, cfg.App.NormalizeMentions)
	assert.True(t, cfg.App.StartTypingTimer, "defaults survive partial sections")

	require.Len(t, cfg.Auth.Handlers, 1)
	hs := cfg.Auth.Handlers[0].HandlerSettings()
	assert.Equal(t, "graph", hs.Name)
	assert.Equal(t, "graph-conn", hs.ConnectionName)
	assert.Equal(t, 10*time.Minute, hs.Timeout)
	assert.True(t, cfg.Auth.Enabled())
	assert.True(t, cfg.Auth.AutoSignInEnabled())

	cc := cfg.Auth.TokenService.ClientConfig()
	assert.Equal(t, "https://tokens.example", cc.BaseURL)
	assert.Equal(t, "app-1", cc.AppID)

	assert.Equal(t, FlexibleStringSlice{"12345", "@ann"}, cfg.Channels.Telegram.AllowFrom)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host)
}

func TestLoadParseError(t *testing.T) {
	_, err := Load(writeConfig(t, `{ app: `))
	assert.ErrorContains(t, err, "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TURNKIT_GATEWAY_TOKEN", "secret")
	t.Setenv("TURNKIT_PORT", "9000")
	t.Setenv("TURNKIT_DISCORD_TOKEN", "dc")
	t.Setenv("TURNKIT_APP_SECRET", "app-secret")
	t.Setenv("TURNKIT_STORAGE_DRIVER", "postgres")
	t.Setenv("TURNKIT_POSTGRES_DSN", "postgres://localhost/turnkit")
	t.Setenv("TURNKIT_TELEMETRY_ENABLED", "1")

	cfg, err := Load(writeConfig(t, `{ gateway: { token: "from-file", port: 1234 } }`))
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Gateway.Token)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.True(t, cfg.Channels.Discord.Enabled)
	assert.Equal(t, "dc", cfg.Channels.Discord.Token)
	assert.Equal(t, "app-secret", cfg.Auth.TokenService.AppSecret)
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/turnkit", cfg.Storage.PostgresDSN)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestSecretsNotReadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{ storage: { driver: "redis", redis: { password: "leaked" } } }`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Storage.Redis.Password)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, `unknown driver "mongo"`},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = StoragePostgres }, "TURNKIT_POSTGRES_DSN"},
		{"handler without connection", func(c *Config) {
			c.Auth.Handlers = []HandlerConfig{{Name: "graph"}}
		}, "connection_name are required"},
		{"duplicate handler", func(c *Config) {
			c.Auth.Handlers = []HandlerConfig{{Name: "a", ConnectionName: "x"}, {Name: "a", ConnectionName: "y"}}
		}, `duplicate handler "a"`},
		{"unknown default handler", func(c *Config) {
			c.Auth.Handlers = []HandlerConfig{{Name: "a", ConnectionName: "x"}}
			c.Auth.DefaultHandler = "b"
		}, `default handler "b"`},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }, "channels.telegram"},
		{"duplicate instance", func(c *Config) {
			c.Channels.Instances = []ChannelInstance{{Name: "x", Type: "telegram"}, {Name: "x", Type: "discord"}}
		}, `duplicate name "x"`},
		{"bad telemetry protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, `unknown protocol "udp"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"15m"`, 15 * time.Minute, false},
		{`1.5`, 1500 * time.Millisecond, false},
		{`""`, 0, false},
		{`null`, 0, false},
		{`"soon"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "secret"
	cfg.Channels.Telegram.Token = "tg"
	cfg.Auth.TokenService.AppSecret = "app"

	masked := cfg.MaskedCopy()
	assert.Equal(t, "***", masked.Gateway.Token)
	assert.Equal(t, "***", masked.Channels.Telegram.Token)
	assert.Equal(t, "***", masked.Auth.TokenService.AppSecret)
	assert.Empty(t, masked.Channels.Discord.Token)
	assert.Equal(t, "secret", cfg.Gateway.Token, "original untouched")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".turnkit/state.db"), ExpandHome("~/.turnkit/state.db"))
	assert.Equal(t, "/var/lib/turnkit", ExpandHome("/var/lib/turnkit"))
}
