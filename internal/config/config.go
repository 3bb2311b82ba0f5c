package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"linkup/internal/constants"
	"linkup/internal/models"
	"linkup/internal/security"
	"linkup/internal/validation"
)

// Environment variables read on top of the JSON file
const (
	EnvSignalURL = "LINKUP_SIGNAL_URL"
	EnvAPIURL    = "LINKUP_API_URL"
	EnvDBPath    = "LINKUP_DB_PATH"
	EnvUserID    = "LINKUP_USER_ID"
	EnvLogLevel  = "LINKUP_LOG_LEVEL"
	EnvToken     = "LINKUP_TOKEN"
)

var (
	ErrMissingSignalURL = models.ConfigError{Message: "missing signaling URL"}
	ErrMissingAPIURL    = models.ConfigError{Message: "missing API base URL"}
	ErrMissingUserID    = models.ConfigError{Message: "missing user id"}
)

var validLogLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// LoadConfig reads the JSON file at path, applies environment overrides and
// fills in defaults.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	return &config, nil
}

// Credential returns the bearer token from the environment. It is never read
// from the config file.
func Credential() string {
	return strings.TrimSpace(os.Getenv(EnvToken))
}

func applyEnvironmentOverrides(c *models.Config) {
	if v := os.Getenv(EnvSignalURL); v != "" {
		c.Signaling.URL = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		c.UserID = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

func validate(c *models.Config) error {
	if c.Signaling.URL == "" {
		return ErrMissingSignalURL
	}
	if err := validateURL(c.Signaling.URL, "ws", "wss"); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid signaling URL: %v", err)}
	}
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid API base URL: %v", err)}
	}
	if c.UserID == "" {
		return ErrMissingUserID
	}
	if err := validation.ValidateID("user_id", c.UserID); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid user id: %v", err)}
	}
	if c.Database.Path != "" {
		if err := security.ValidateFilePath(c.Database.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
		}
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return models.ConfigError{Message: fmt.Sprintf("invalid log level: %s", c.LogLevel)}
	}
	if c.Signaling.ReconnectMaxMs > 0 && c.Signaling.ReconnectInitialMs > c.Signaling.ReconnectMaxMs {
		return models.ConfigError{Message: "reconnect_initial_ms must not exceed reconnect_max_ms"}
	}
	if err := c.Tracing.Validate(); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	seen := make(map[string]bool, len(c.Rooms))
	for i, room := range c.Rooms {
		if room == "" {
			return models.ConfigError{Message: fmt.Sprintf("empty room id at index %d", i)}
		}
		if err := validation.ValidateID("room_id", room); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid room id at index %d: %v", i, err)}
		}
		if seen[room] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate room id: %s", room)}
		}
		seen[room] = true
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}

func applyDefaults(c *models.Config) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	s := &c.Signaling
	if s.ReconnectInitialMs <= 0 {
		s.ReconnectInitialMs = constants.DefaultReconnectInitialDelayMs
	}
	if s.ReconnectMaxMs <= 0 {
		s.ReconnectMaxMs = constants.DefaultReconnectMaxDelayMs
	}
	if s.ReconnectMaxAttempts <= 0 {
		s.ReconnectMaxAttempts = constants.DefaultReconnectMaxAttempts
	}
	if s.OpenTimeoutMs <= 0 {
		s.OpenTimeoutMs = constants.DefaultOpenTimeoutMs
	}
	if s.WriteTimeoutMs <= 0 {
		s.WriteTimeoutMs = constants.DefaultWriteTimeoutMs
	}
	if s.SendQueueSize <= 0 {
		s.SendQueueSize = constants.DefaultSendQueueSize
	}

	a := &c.API
	if a.TimeoutSec <= 0 {
		a.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if a.RetryAttempts <= 0 {
		a.RetryAttempts = constants.DefaultAPIRetryAttempts
	}
	if a.MaxAttachmentSizeMB <= 0 {
		a.MaxAttachmentSizeMB = constants.DefaultMaxAttachmentSizeMB
	}
	if a.BreakerMaxFailures <= 0 {
		a.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if a.BreakerResetSec <= 0 {
		a.BreakerResetSec = constants.DefaultBreakerResetTimeoutSec
	}

	if len(c.Call.ICEServers) == 0 {
		c.Call.ICEServers = append([]string(nil), constants.DefaultICEServers...)
	}
	if c.Broadcast.JoinWaitSec <= 0 {
		c.Broadcast.JoinWaitSec = constants.DefaultBroadcastJoinWaitSec
	}
	if c.Broadcast.ChatCapacity <= 0 {
		c.Broadcast.ChatCapacity = constants.DefaultBroadcastChatCapacity
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = constants.DefaultDebugListenAddr
	}
}
