package discord

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/turnkit/internal/channels"
	"github.com/nextlevelbuilder/turnkit/internal/config"
)

// Factory creates a Discord channel from a configured channel instance.
func Factory(name string, raw json.RawMessage, processor channels.TurnProcessor) (channels.Channel, error) {
	var cfg config.DiscordConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode discord config: %w", err)
		}
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	cfg.Enabled = true

	// Named instances default to allowlist-only groups.
	if cfg.GroupPolicy == "" {
		cfg.GroupPolicy = string(channels.GroupPolicyAllowlist)
	}

	ch, err := New(cfg, processor)
	if err != nil {
		return nil, err
	}
	ch.SetName(name)
	return ch, nil
}
