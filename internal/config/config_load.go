package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		App: AppConfig{
			StartTypingTimer:  true,
			TypingDelay:       Duration(time.Second),
			TypingInterval:    Duration(time.Second),
			TypingMaxDuration: Duration(2 * time.Minute),
			NormalizeMentions: true,
			RouteLockTimeout:  Duration(time.Second),
		},
		Storage: StorageConfig{
			Driver:     StorageMemory,
			SQLitePath: "~/.turnkit/state.db",
			Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "turnkit:"},
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         3978,
			RateLimitRPM: 30,
			MaxBodyBytes: 1 << 20,
			TurnTimeout:  Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "turnkit",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("TURNKIT_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("TURNKIT_HOST", &c.Gateway.Host)
	if v := os.Getenv("TURNKIT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("TURNKIT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("TURNKIT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	// Auto-enable channels if credentials are provided via env
	if os.Getenv("TURNKIT_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("TURNKIT_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}

	// Token service
	envStr("TURNKIT_TOKEN_SERVICE_URL", &c.Auth.TokenService.BaseURL)
	envStr("TURNKIT_APP_ID", &c.Auth.TokenService.AppID)
	envStr("TURNKIT_APP_SECRET", &c.Auth.TokenService.AppSecret)
	envStr("TURNKIT_TOKEN_URL", &c.Auth.TokenService.TokenURL)

	// Storage
	envStr("TURNKIT_STORAGE_DRIVER", &c.Storage.Driver)
	envStr("TURNKIT_SQLITE_PATH", &c.Storage.SQLitePath)
	envStr("TURNKIT_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("TURNKIT_REDIS_ADDR", &c.Storage.Redis.Addr)
	envStr("TURNKIT_REDIS_PASSWORD", &c.Storage.Redis.Password)

	// Telemetry
	envStr("TURNKIT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TURNKIT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TURNKIT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("TURNKIT_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("TURNKIT_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "", StorageMemory, StorageSQLite, StorageRedis:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage: postgres driver requires TURNKIT_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}

	seen := make(map[string]bool, len(c.Auth.Handlers))
	for i, h := range c.Auth.Handlers {
		if h.Name == "" || h.ConnectionName == "" {
			errs = append(errs, fmt.Errorf("auth: handler %d: name and connection_name are required", i))
			continue
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Errorf("auth: duplicate handler %q", h.Name))
		}
		seen[h.Name] = true
	}
	if c.Auth.DefaultHandler != "" && !seen[c.Auth.DefaultHandler] {
		errs = append(errs, fmt.Errorf("auth: default handler %q is not configured", c.Auth.DefaultHandler))
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		errs = append(errs, errors.New("channels.telegram: token is required"))
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		errs = append(errs, errors.New("channels.discord: token is required"))
	}
	names := make(map[string]bool)
	for i, inst := range c.Channels.Instances {
		if inst.Name == "" || inst.Type == "" {
			errs = append(errs, fmt.Errorf("channels.instances[%d]: name and type are required", i))
			continue
		}
		if names[inst.Name] {
			errs = append(errs, fmt.Errorf("channels.instances: duplicate name %q", inst.Name))
		}
		names[inst.Name] = true
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry: unknown protocol %q", c.Telemetry.Protocol))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// MaskedCopy returns a copy of the config with all secret fields masked.
func (c *Config) MaskedCopy() *Config {
	cp := *c
	cp.Auth.Handlers = append([]HandlerConfig(nil), c.Auth.Handlers...)
	cp.Channels.Instances = append([]ChannelInstance(nil), c.Channels.Instances...)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Auth.TokenService.AppSecret)
	maskNonEmpty(&cp.Storage.PostgresDSN)
	maskNonEmpty(&cp.Storage.Redis.Password)
	return &cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = "***"
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
