package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the main configuration structure for mxbot.
type Config struct {
	Version       int                 `yaml:"version"`
	Matrix        MatrixConfig        `yaml:"matrix"`
	Commands      CommandsConfig      `yaml:"commands"`
	Store         StoreConfig         `yaml:"store"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// MatrixConfig holds homeserver credentials and room filters.
type MatrixConfig struct {
	Homeserver       string        `yaml:"homeserver"`
	UserID           string        `yaml:"user_id"`
	AccessToken      string        `yaml:"access_token"`
	DeviceID         string        `yaml:"device_id"`
	AllowedRooms     []string      `yaml:"allowed_rooms"`
	AllowedUsers     []string      `yaml:"allowed_users"`
	JoinOnInvite     bool          `yaml:"join_on_invite"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

// CommandsConfig controls command recognition and dispatch.
type CommandsConfig struct {
	// Prefixes are literal command prefixes. Ignored when PrefixPattern is set.
	Prefixes []string `yaml:"prefixes"`

	// PrefixPattern is a regular expression matched at the start of a message.
	PrefixPattern string `yaml:"prefix_pattern"`

	Owner            string `yaml:"owner"`
	CaseSensitive    bool   `yaml:"case_sensitive"`
	ReplyOnError     *bool  `yaml:"reply_on_error"`
	ProcessSelf      bool   `yaml:"process_self"`
	ProcessOldEvents bool   `yaml:"process_old_events"`
	DedupSize        int    `yaml:"dedup_size"`
}

// StoreConfig configures the sync state store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty keeps state in memory.
	Path                string   `yaml:"path"`
	ResolveState        bool     `yaml:"resolve_state"`
	Compress            bool     `yaml:"compress"`
	TimelineLimit       int      `yaml:"timeline_limit"`
	ImportantEvents     []string `yaml:"important_events"`
	MaintenanceSchedule string   `yaml:"maintenance_schedule"`
}

// Load reads, merges and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := checkRawVersion(raw); err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReplyOnErrorEnabled reports whether failed commands should be answered in the room.
func (c CommandsConfig) ReplyOnErrorEnabled() bool {
	return c.ReplyOnError == nil || *c.ReplyOnError
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Matrix.ReconnectBackoff == 0 {
		cfg.Matrix.ReconnectBackoff = 5 * time.Second
	}
	if len(cfg.Commands.Prefixes) == 0 && cfg.Commands.PrefixPattern == "" {
		cfg.Commands.Prefixes = []string{"!"}
	}
	if cfg.Commands.DedupSize == 0 {
		cfg.Commands.DedupSize = 1024
	}
	if cfg.Store.TimelineLimit == 0 {
		cfg.Store.TimelineLimit = 10
	}
	if cfg.Store.MaintenanceSchedule == "" {
		cfg.Store.MaintenanceSchedule = "@every 5m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "mxbot"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
}

// Validate checks the configuration for values the bot cannot run with.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var problems []string
	if strings.TrimSpace(c.Matrix.Homeserver) == "" {
		problems = append(problems, "matrix.homeserver is required")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		problems = append(problems, "matrix.user_id must look like @user:server")
	}
	if strings.TrimSpace(c.Matrix.AccessToken) == "" {
		problems = append(problems, "matrix.access_token is required")
	}
	if c.Matrix.ReconnectBackoff < 0 {
		problems = append(problems, "matrix.reconnect_backoff must not be negative")
	}

	if c.Commands.PrefixPattern != "" {
		if _, err := regexp.Compile(c.Commands.PrefixPattern); err != nil {
			problems = append(problems, fmt.Sprintf("commands.prefix_pattern is invalid: %v", err))
		}
	}
	for _, prefix := range c.Commands.Prefixes {
		if prefix == "" {
			problems = append(problems, "commands.prefixes must not contain empty entries")
			break
		}
	}
	if c.Commands.Owner != "" && !strings.HasPrefix(c.Commands.Owner, "@") {
		problems = append(problems, "commands.owner must be a user id")
	}
	if c.Commands.DedupSize < 0 {
		problems = append(problems, "commands.dedup_size must not be negative")
	}

	if c.Store.TimelineLimit < 0 {
		problems = append(problems, "store.timeline_limit must not be negative")
	}
	if _, err := cron.ParseStandard(c.Store.MaintenanceSchedule); err != nil {
		problems = append(problems, fmt.Sprintf("store.maintenance_schedule is invalid: %v", err))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		problems = append(problems, "logging.format must be json or text")
	}

	rate := c.Observability.Tracing.SamplingRate
	if rate < 0 || rate > 1 {
		problems = append(problems, "observability.tracing.sampling_rate must be between 0 and 1")
	}
	if c.Observability.Tracing.Enabled && c.Observability.Tracing.Endpoint == "" {
		problems = append(problems, "observability.tracing.endpoint is required when tracing is enabled")
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}
