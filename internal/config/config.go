// Package config loads the ledgerchat configuration from defaults, an
// optional YAML file and LEDGERCHAT_* environment variables, and validates it.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration wraps every loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config is the root configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Assistant  AssistantConfig  `mapstructure:"assistant"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig selects the message store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite pebble"`
	Path   string `mapstructure:"path"   validate:"required"`
	// PebbleTimestampIndex maintains the ordered index in the pebble store.
	PebbleTimestampIndex bool `mapstructure:"pebble_timestamp_index"`
	// BusyTimeout is how long a sqlite write waits on a locked database.
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"      validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
}

// AssistantConfig selects and configures the assistant backend.
type AssistantConfig struct {
	Backend string        `mapstructure:"backend" validate:"required,oneof=gemini ark"`
	Timeout time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=10m"`
	Gemini  GeminiConfig  `mapstructure:"gemini"`
	Ark     ArkConfig     `mapstructure:"ark"`
}

type GeminiConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	ModelName         string  `mapstructure:"model_name"          validate:"required"`
	Temperature       float32 `mapstructure:"temperature"         validate:"min=0,max=2"`
	MaxRetries        int     `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=0,max=60"`
	SystemInstruction string  `mapstructure:"system_instruction"`
}

type ArkConfig struct {
	BaseURL     string  `mapstructure:"base_url"    validate:"omitempty,url"`
	Region      string  `mapstructure:"region"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxTokens   int     `mapstructure:"max_tokens"  validate:"min=0"`
}

// TranscriptConfig holds the conversation-facing settings: the day-bucketing
// timezone, the canned messages and receipt detection markers.
type TranscriptConfig struct {
	Timezone       string        `mapstructure:"timezone"`
	ReceiptMarkers []string      `mapstructure:"receipt_markers"  validate:"min=1,dive,required"`
	SessionIdleTTL time.Duration `mapstructure:"session_idle_ttl" validate:"min=0"`
	Messages       Messages      `mapstructure:"messages"`
}

type Messages struct {
	Welcome             string `mapstructure:"welcome"              validate:"required"`
	Apology             string `mapstructure:"apology"              validate:"required"`
	TechnicalDifficulty string `mapstructure:"technical_difficulty" validate:"required"`
	SaveFailed          string `mapstructure:"save_failed"          validate:"required"`
	LoadFailed          string `mapstructure:"load_failed"          validate:"required"`
	TurnInFlight        string `mapstructure:"turn_in_flight"       validate:"required"`
	HistoryReset        string `mapstructure:"history_reset"        validate:"required"`
	HistoryEmpty        string `mapstructure:"history_empty"        validate:"required"`
	NotAuthorized       string `mapstructure:"not_authorized"       validate:"required"`
}

type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	// AdminID restricts the bot to one user when non-zero.
	AdminID int64 `mapstructure:"admin_id" validate:"min=0"`
}

type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Validate runs the cross-field checks the struct tags cannot express.
func (c *Config) Validate() error {
	switch c.Assistant.Backend {
	case "gemini":
		if c.Assistant.Gemini.APIKey == "" {
			return errors.New("assistant.gemini.api_key is required when assistant.backend is gemini")
		}
	case "ark":
		if c.Assistant.Ark.APIKey == "" || c.Assistant.Ark.Model == "" {
			return errors.New("assistant.ark.api_key and assistant.ark.model are required when assistant.backend is ark")
		}
	}

	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return errors.New("telegram.token is required when telegram is enabled")
	}
	if !c.Telegram.Enabled && !c.HTTP.Enabled {
		return errors.New("at least one of telegram or http must be enabled")
	}

	if _, err := c.Transcript.Location(); err != nil {
		return err
	}

	for name, task := range c.Scheduler.Tasks {
		if task.Enabled && task.Schedule == "" {
			return fmt.Errorf("scheduler task %q is enabled but has no schedule", name)
		}
	}
	return nil
}

// Location returns the timezone transcript days are bucketed in. An empty
// value means the process's local timezone.
func (t TranscriptConfig) Location() (*time.Location, error) {
	if t.Timezone == "" || t.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid transcript.timezone %q: %w", t.Timezone, err)
	}
	return loc, nil
}
