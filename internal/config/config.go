package config

import "time"

// Config is the root configuration for a realtime client instance.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Identity   IdentityConfig   `yaml:"identity"`
	Connection ConnectionConfig `yaml:"connection"`
	Presence   PresenceConfig   `yaml:"presence"`
	Store      StoreConfig      `yaml:"store"`
}

// ServerConfig holds realtime server settings.
type ServerConfig struct {
	URL          string   `yaml:"url"`           // e.g. wss://realtime.clipwatch.tv/ws
	Token        string   `yaml:"token"`         // static bearer token (optional)
	Subprotocols []string `yaml:"subprotocols"`  // Sec-WebSocket-Protocol identifiers
}

// IdentityConfig identifies the local user.
type IdentityConfig struct {
	UserID      string `yaml:"user_id"`
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name"`
	AvatarURL   string `yaml:"avatar_url"`
	RoomID      string `yaml:"room_id"` // initial room scope (optional)
}

// ConnectionConfig holds Connection Manager settings.
type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	QueueCapacity        int           `yaml:"queue_capacity"`
}

// PresenceConfig holds Presence Coordinator settings.
type PresenceConfig struct {
	AnnounceInterval  time.Duration `yaml:"announce_interval"`
	InactivityCheck   time.Duration `yaml:"inactivity_check"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	AutoAway          time.Duration `yaml:"auto_away"`
	RecentlyOnlineCap int           `yaml:"recently_online_cap"`
}

// StoreConfig holds the local key-value cache settings.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite file path; empty = in-memory
}
