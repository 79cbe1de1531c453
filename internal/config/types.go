package config

type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	// Scheduler controls the persistent job scheduler.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage controls the optional audit trail.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramConfig lists the bot identities job payloads can send through.
// If the whole section is omitted, message jobs settle as skipped.
type TelegramConfig struct {
	Bots       []BotConfig `json:"bots"`
	RatePerSec int         `json:"rate_per_sec,omitempty"` // per bot; default 25
}

type BotConfig struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	Default bool   `json:"default,omitempty"`
}

// SchedulerConfig controls the persistent job scheduler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - store_path: "./data/jobs.json"
//   - runlog_dir: "<store dir>/runs"
//   - max_wake_delay: "60s"
//   - exec_timeout: "10m"
//   - stuck_after: "2h"
//   - runlog_max_bytes: 2 MiB
//   - runlog_keep_lines: 2000
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	StorePath string `json:"store_path,omitempty"`
	RunLogDir string `json:"runlog_dir,omitempty"`

	// Timezone is the default location for cron expressions whose
	// schedule does not name one (e.g. "Asia/Jakarta").
	Timezone string `json:"timezone,omitempty"`

	MaxWakeDelay string `json:"max_wake_delay,omitempty"`
	ExecTimeout  string `json:"exec_timeout,omitempty"`
	StuckAfter   string `json:"stuck_after,omitempty"`

	RunLogMaxBytes  int64 `json:"runlog_max_bytes,omitempty"`
	RunLogKeepLines int   `json:"runlog_keep_lines,omitempty"`
}

// StorageConfig controls the optional audit trail.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./cronbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
