package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_id: 42
  poll_timeout: "15s"
channels:
  destinations: [-1001, -1002]
  audit: -1009
logging:
  level: "debug"
  console: true
scheduler:
  timezone: "Asia/Jakarta"
  daily:
    - name: "morning"
      at: "08:00"
      text: "hello"
broadcast:
  rate_per_sec: 5
`

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.OwnerUserID != 42 {
		t.Fatalf("owner = %d", cfg.Telegram.OwnerUserID)
	}
	if len(cfg.Channels.Destinations) != 2 || cfg.Channels.Destinations[1] != -1002 {
		t.Fatalf("destinations = %v", cfg.Channels.Destinations)
	}
	if cfg.Channels.Audit != -1009 {
		t.Fatalf("audit = %d", cfg.Channels.Audit)
	}
	if len(cfg.Scheduler.Daily) != 1 || cfg.Scheduler.Daily[0].At != "08:00" {
		t.Fatalf("daily = %+v", cfg.Scheduler.Daily)
	}
	if cfg.Broadcast.RatePerSec != 5 {
		t.Fatalf("rate = %d", cfg.Broadcast.RatePerSec)
	}
	if cfg.Storage != nil {
		t.Fatalf("storage should be nil when omitted")
	}
}

func TestParseBytesJSON(t *testing.T) {
	t.Parallel()
	raw := `{"telegram":{"token":"t","owner_user_id":1},"channels":{"destinations":[-1],"audit":-2},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"scheduler":{},"broadcast":{}}`
	cfg, err := ParseBytes("config.json", []byte(raw))
	if err != nil {
		t.Fatalf("ParseBytes error: %v", err)
	}
	if cfg.Telegram.Token != "t" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestParseBytesRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	raw := sampleYAML + "\nmystery_section:\n  x: 1\n"
	if _, err := ParseBytes("config.yaml", []byte(raw)); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}

	raw2 := `{"telegram":{"token":"t","owner_user_id":1,"typo_field":true}}`
	if _, err := ParseBytes("config.json", []byte(raw2)); err == nil {
		t.Fatal("expected error for unknown nested key")
	}
}

func TestParseBytesRejectsTrailingData(t *testing.T) {
	t.Parallel()
	raw := `{"telegram":{"token":"t"}}{"extra":true}`
	if _, err := ParseBytes("config.json", []byte(raw)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestManagerLoadAndGet(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{raw: "10s", want: 10 * time.Second, ok: true},
		{raw: "2m30s", want: 150 * time.Second, ok: true},
		{raw: "", want: 0, ok: true},
		{raw: "ten seconds", ok: false},
		{raw: "-5s", ok: false},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if tt.ok != (err == nil) {
			t.Fatalf("ParseDurationField(%q) err = %v, want ok=%v", tt.raw, err, tt.ok)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
}
