package models

import "linkup/internal/tracing"

// Config holds the client configuration
type Config struct {
	UserID    string          `json:"user_id"`
	Signaling SignalingConfig `json:"signaling"`
	API       APIConfig       `json:"api"`
	Database  DatabaseConfig  `json:"database"`
	Call      CallConfig      `json:"call"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Server    ServerConfig    `json:"server"`
	Tracing   tracing.Config  `json:"tracing"`
	LogLevel  string          `json:"log_level"`
	// Rooms opened right after login by the headless client
	Rooms []string `json:"rooms"`
}

// SignalingConfig holds the websocket endpoint and reconnect policy
type SignalingConfig struct {
	URL                  string `json:"url"`
	ReconnectInitialMs   int    `json:"reconnect_initial_ms"`
	ReconnectMaxMs       int    `json:"reconnect_max_ms"`
	ReconnectMaxAttempts int    `json:"reconnect_max_attempts"`
	OpenTimeoutMs        int    `json:"open_timeout_ms"`
	WriteTimeoutMs       int    `json:"write_timeout_ms"`
	SendQueueSize        int    `json:"send_queue_size"`
}

// APIConfig holds the REST collaborator settings
type APIConfig struct {
	BaseURL             string `json:"base_url"`
	TimeoutSec          int    `json:"timeout_sec"`
	RetryAttempts       int    `json:"retry_attempts"`
	MaxAttachmentSizeMB int    `json:"max_attachment_size_mb"`
	BreakerMaxFailures  int    `json:"breaker_max_failures"`
	BreakerResetSec     int    `json:"breaker_reset_sec"`
}

// DatabaseConfig holds the local history cache settings. An empty path
// disables the cache.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// CallConfig holds peer connection settings shared by calls and broadcasts
type CallConfig struct {
	ICEServers []string `json:"ice_servers"`
}

// BroadcastConfig holds broadcast-specific settings
type BroadcastConfig struct {
	JoinWaitSec  int `json:"join_wait_sec"`
	ChatCapacity int `json:"chat_capacity"`
}

// ServerConfig holds the local debug API settings
type ServerConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
