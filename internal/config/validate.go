package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must be a ws:// or wss:// URL, got %q", c.Server.URL)
	}

	if c.Identity.UserID == "" {
		return errors.New("identity.user_id is required")
	}
	if c.Identity.Username == "" {
		return errors.New("identity.username is required")
	}

	if c.Connection.ReconnectBaseDelay <= 0 {
		return errors.New("connection.reconnect_base_delay must be > 0")
	}
	if c.Connection.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return errors.New("connection.heartbeat_interval must be > 0")
	}
	if c.Connection.ConnectTimeout <= 0 {
		return errors.New("connection.connect_timeout must be > 0")
	}
	if c.Connection.QueueCapacity < 1 {
		return errors.New("connection.queue_capacity must be >= 1")
	}

	if c.Presence.AutoAway <= 0 {
		return errors.New("presence.auto_away must be > 0")
	}
	if c.Presence.RecentlyOnlineCap < 1 {
		return errors.New("presence.recently_online_cap must be >= 1")
	}

	return nil
}
