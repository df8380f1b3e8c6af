package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
  admin_ids: [11, 22]
  poll_timeout: "15s"
  rate_per_sec: 25
logging:
  level: debug
  console: true
storage:
  path: /var/lib/bot/bot.db
  busy_timeout: "2s"
scheduler:
  enabled: true
  scan_interval: "30s"
  timezone: "Europe/Moscow"
contest:
  default_button_text: "Join"
  result_button_text: "Winners"
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminIDs) != 2 || cfg.Telegram.AdminIDs[1] != 22 {
		t.Fatalf("admin_ids = %v", cfg.Telegram.AdminIDs)
	}
	if cfg.Scheduler.ScanInterval != "30s" || !cfg.Scheduler.Enabled {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Contest.DefaultButtonText != "Join" {
		t.Fatalf("contest = %+v", cfg.Contest)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	raw := `{"telegram":{"token":"t"},"logging":{"console":true},"storage":{"path":"x.db"},"scheduler":{"enabled":false}}`
	cfg, err := Decode("config.json", []byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Storage.Path != "x.db" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	t.Parallel()
	raw := strings.Replace(validYAML, "scan_interval:", "scan_intervall:", 1)
	if _, err := Decode("config.yaml", []byte(raw)); err == nil {
		t.Fatal("expected unknown-field error for typo")
	}
}

func TestDecodeRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	raw := `{"telegram":{"token":"t"},"storage":{"path":"x"},"logging":{"console":true},"scheduler":{"enabled":true}} {}`
	if _, err := Decode("config.json", []byte(raw)); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = " " }, wantErr: "telegram.token"},
		{name: "missing storage path", mutate: func(c *Config) { c.Storage.Path = "" }, wantErr: "storage.path"},
		{name: "bad scan interval", mutate: func(c *Config) { c.Scheduler.ScanInterval = "soon" }, wantErr: "scan_interval"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
		{name: "negative duration", mutate: func(c *Config) { c.Telegram.PollTimeout = "-5s" }, wantErr: "poll_timeout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("config.yaml", []byte(validYAML))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestManagerLoadAndGet(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("telegram:\n  token: \"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	if got := DurationOr("45s", time.Minute); got != 45*time.Second {
		t.Fatalf("DurationOr = %v", got)
	}
	if got := DurationOr("", time.Minute); got != time.Minute {
		t.Fatalf("DurationOr empty = %v, want default", got)
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatal("expected parse error")
	}
}
