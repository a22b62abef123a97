package matrix

import (
	"errors"
	"log/slog"
	"time"
)

// Config holds configuration for the bot client.
type Config struct {
	// Homeserver is the Matrix homeserver URL (required)
	Homeserver string

	// UserID is the bot's Matrix user ID (e.g., @bot:matrix.org) (required)
	UserID string

	// AccessToken is the access token for authentication (required)
	AccessToken string

	// DeviceID is the device ID for this client session
	DeviceID string

	// AllowedRooms limits which rooms the bot will respond in (empty = all)
	AllowedRooms []string

	// AllowedUsers limits which users can interact (empty = all)
	AllowedUsers []string

	// JoinOnInvite automatically joins rooms when invited
	JoinOnInvite bool

	// ReconnectBackoff is the pause between failed sync requests
	ReconnectBackoff time.Duration

	// Logger is an optional logger instance
	Logger *slog.Logger
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if c.Homeserver == "" {
		return errors.New("matrix: homeserver is required")
	}
	if c.UserID == "" {
		return errors.New("matrix: user_id is required")
	}
	if c.AccessToken == "" {
		return errors.New("matrix: access_token is required")
	}

	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
