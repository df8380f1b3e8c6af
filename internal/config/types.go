package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Contest   ContestConfig   `json:"contest,omitempty"`
}

type TelegramConfig struct {
	Token       string  `json:"token"`
	AdminIDs    []int64 `json:"admin_ids"`
	WebAppURL   string  `json:"webapp_url,omitempty"`
	PollTimeout string  `json:"poll_timeout,omitempty"` // default: "10s"
	RatePerSec  int     `json:"rate_per_sec,omitempty"` // outgoing send rate, default: 20
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the sqlite database file.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default: "5s"
}

// SchedulerConfig controls the task scheduler.
//
// ScanInterval is how often the persisted pending tasks are reconciled against
// the in-memory timer registry. Minute granularity is the intended default.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	ScanInterval string `json:"scan_interval,omitempty"` // default: "1m"
	Timezone     string `json:"timezone,omitempty"`      // IANA TZ, e.g. "Europe/Moscow"
}

// ContestConfig carries defaults applied when a contest omits them.
type ContestConfig struct {
	DefaultButtonText string `json:"default_button_text,omitempty"` // default: "Participate"
	ResultButtonText  string `json:"result_button_text,omitempty"`  // default: "See results"
}

// Validate checks fields that would otherwise fail deep inside a service.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.scan_interval", c.Scheduler.ScanInterval); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}
