package config

// Config is the root configuration for the signalpipe daemon.
//
// The file may be JSON or YAML; YAML is converted to JSON and decoded with
// DisallowUnknownFields, so typos in keys fail loudly instead of being
// silently ignored. All durations are Go duration strings ("500ms", "10s").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	OpenAI   OpenAIConfig   `json:"openai"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Pipeline PipelineConfig `json:"pipeline,omitempty"`
}

// TelegramConfig controls the channel gateway.
//
// Defaults (when fields are omitted/zero):
//   - poll_timeout: "10s"
//   - resolve_rate_per_sec: 1
//   - resync_schedule: "@every 5m" ("off" disables the safety resync)
type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// ResolveRatePerSec caps outbound channel-resolution calls so bursts of
	// strategy mutations do not trip Telegram flood protection.
	ResolveRatePerSec int `json:"resolve_rate_per_sec,omitempty"`

	// ResyncSchedule is a cron spec re-asserting the listening set
	// periodically, in case the gateway dropped handlers across a reconnect.
	ResyncSchedule string `json:"resync_schedule,omitempty"`
}

// OpenAIConfig controls the signal parser.
//
// Defaults:
//   - model: "gpt-4o-mini"
//   - timeout: "30s"
//
// BaseURL is optional and exists for OpenAI-compatible endpoints.
type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the SQLite store.
//
// Example:
//
//	"storage": { "path": "./signalpipe.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PipelineConfig controls the signal worker pool.
//
// Defaults:
//   - workers: 2
//   - retention: "24h"
type PipelineConfig struct {
	Workers   int    `json:"workers,omitempty"`
	Retention string `json:"retention,omitempty"`
}
