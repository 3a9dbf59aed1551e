package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultReconnectBaseDelay   = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultQueueCapacity        = 100
	DefaultAnnounceInterval     = 30 * time.Second
	DefaultInactivityCheck      = 60 * time.Second
	DefaultSweepInterval        = 60 * time.Second
	DefaultAutoAway             = 5 * time.Minute
	DefaultRecentlyOnlineCap    = 10
)

func (c *Config) applyDefaults() {
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.QueueCapacity == 0 {
		c.Connection.QueueCapacity = DefaultQueueCapacity
	}

	if c.Presence.AnnounceInterval == 0 {
		c.Presence.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.Presence.InactivityCheck == 0 {
		c.Presence.InactivityCheck = DefaultInactivityCheck
	}
	if c.Presence.SweepInterval == 0 {
		c.Presence.SweepInterval = DefaultSweepInterval
	}
	if c.Presence.AutoAway == 0 {
		c.Presence.AutoAway = DefaultAutoAway
	}
	if c.Presence.RecentlyOnlineCap == 0 {
		c.Presence.RecentlyOnlineCap = DefaultRecentlyOnlineCap
	}
}
