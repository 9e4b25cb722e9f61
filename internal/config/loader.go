package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/edgard/ledgerchat/internal/transcript"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// LEDGERCHAT_ASSISTANT_GEMINI_API_KEY.
const EnvPrefix = "LEDGERCHAT"

const (
	TaskStoreMaintenance = "store_maintenance"
	TaskSessionSweep     = "session_sweep"
)

var defaults = map[string]any{
	"log.level": "info",
	"log.json":  false,

	"database.driver":                 "sqlite",
	"database.path":                   "ledgerchat.db",
	"database.pebble_timestamp_index": true,
	"database.busy_timeout":           5 * time.Second,
	"database.conn_max_lifetime":      5 * time.Minute,

	"assistant.backend":                    "gemini",
	"assistant.timeout":                    90 * time.Second,
	"assistant.gemini.api_key":             "",
	"assistant.gemini.model_name":          "gemini-2.0-flash",
	"assistant.gemini.temperature":         0.4,
	"assistant.gemini.max_retries":         2,
	"assistant.gemini.retry_delay_seconds": 2,
	"assistant.gemini.system_instruction":  "",
	"assistant.ark.base_url":               "https://ark.cn-beijing.volces.com/api/v3",
	"assistant.ark.region":                 "cn-beijing",
	"assistant.ark.api_key":                "",
	"assistant.ark.model":                  "",
	"assistant.ark.temperature":            0.4,
	"assistant.ark.max_tokens":             0,

	"transcript.timezone":         "Local",
	"transcript.receipt_markers":  transcript.DefaultReceiptMarkers,
	"transcript.session_idle_ttl": 2 * time.Hour,

	"transcript.messages.welcome":              "Hi! Tell me about a sale, a purchase or anything else you want on the record.",
	"transcript.messages.apology":              "Sorry, I couldn't come up with a reply. Could you try rephrasing?",
	"transcript.messages.technical_difficulty": "I'm having technical difficulties right now. Please try again in a moment.",
	"transcript.messages.save_failed":          "Your message is shown but could not be saved.",
	"transcript.messages.load_failed":          "Your earlier history could not be loaded.",
	"transcript.messages.turn_in_flight":       "Still working on your previous message, one moment.",
	"transcript.messages.history_reset":        "History has been cleared.",
	"transcript.messages.history_empty":        "No history yet.",
	"transcript.messages.not_authorized":       "You are not authorized to use this bot.",

	"telegram.enabled":  false,
	"telegram.token":    "",
	"telegram.admin_id": 0,

	"http.enabled":          true,
	"http.addr":             ":8080",
	"http.read_timeout":     10 * time.Second,
	"http.write_timeout":    2 * time.Minute,
	"http.shutdown_timeout": 10 * time.Second,

	"scheduler.tasks." + TaskStoreMaintenance + ".enabled":  true,
	"scheduler.tasks." + TaskStoreMaintenance + ".schedule": "0 0 4 * * *",
	"scheduler.tasks." + TaskSessionSweep + ".enabled":      true,
	"scheduler.tasks." + TaskSessionSweep + ".schedule":     "0 */10 * * * *",
}

// Load builds the configuration from defaults, the YAML file at path and
// environment variables, in increasing precedence. An empty path looks for
// an optional config.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file %s: %w", ErrConfiguration, path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfiguration, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %w", ErrConfiguration, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return cfg, nil
}
