package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cronbot/internal/config"
	"cronbot/internal/runtime/supervisor"
	"cronbot/internal/services/scheduler"
	"cronbot/internal/storage"
	"cronbot/internal/transport"
	"cronbot/internal/transport/telegram"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.Manager

var NewConfigManager = config.NewManager

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Config mapping ----

// mapSchedulerConfig converts the raw config section (string durations)
// into the scheduler's typed config.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	if cfg == nil {
		return scheduler.Config{}, nil
	}
	sc := cfg.Scheduler

	storePath := strings.TrimSpace(sc.StorePath)
	if storePath == "" {
		storePath = filepath.Join(".", "data", "jobs.json")
	}
	runLogDir := strings.TrimSpace(sc.RunLogDir)
	if runLogDir == "" {
		runLogDir = filepath.Join(filepath.Dir(storePath), "runs")
	}

	maxWake, err := parseDurationField("scheduler.max_wake_delay", sc.MaxWakeDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	execTimeout, err := parseDurationField("scheduler.exec_timeout", sc.ExecTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	stuckAfter, err := parseDurationField("scheduler.stuck_after", sc.StuckAfter)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if sc.RunLogMaxBytes < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.runlog_max_bytes must be >= 0")
	}
	if sc.RunLogKeepLines < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.runlog_keep_lines must be >= 0")
	}

	return scheduler.Config{
		Enabled:         sc.Enabled,
		StorePath:       storePath,
		RunLogDir:       runLogDir,
		Timezone:        sc.Timezone,
		MaxWakeDelay:    maxWake,
		ExecTimeout:     execTimeout,
		StuckAfter:      stuckAfter,
		RunLogMaxBytes:  sc.RunLogMaxBytes,
		RunLogKeepLines: sc.RunLogKeepLines,
	}, nil
}

// mapStorageConfig returns the typed storage config and whether storage
// is enabled at all.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := parseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, true, nil
}

// mapTelegramConfig returns the sender config and whether a sender is
// configured. An absent telegram section is valid: message jobs then
// settle as skipped.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool) {
	if cfg == nil || cfg.Telegram == nil || len(cfg.Telegram.Bots) == 0 {
		return telegram.Config{}, false
	}
	bots := make([]transport.BotConfig, 0, len(cfg.Telegram.Bots))
	for _, b := range cfg.Telegram.Bots {
		bots = append(bots, transport.BotConfig{
			ID:      b.ID,
			Token:   b.Token,
			Default: b.Default,
		})
	}
	return telegram.Config{
		Bots:       bots,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, true
}
