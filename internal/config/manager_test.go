package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
  resync_schedule: "@every 10m"
openai:
  api_key: "sk-test"
  model: "gpt-4o-mini"
logging:
  level: debug
  console: true
storage:
  path: "./test.db"
  busy_timeout: "5s"
pipeline:
  workers: 3
  retention: "48h"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.PollTimeout != "15s" || cfg.Telegram.ResyncSchedule != "@every 10m" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Pipeline.Workers != 3 || cfg.Pipeline.Retention != "48h" {
		t.Fatalf("pipeline = %+v", cfg.Pipeline)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"telegram": {"token": "123:abc"},
		"openai": {"api_key": "sk"},
		"logging": {"console": true},
		"storage": {"path": "./db.sqlite"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "./db.sqlite" {
		t.Fatalf("Path = %q", cfg.Storage.Path)
	}
}

func TestParseRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "unknown key",
			content: `
telegram:
  token: "t"
  pol_timeout: "10s"
storage:
  path: "./db"
`,
			wantErr: "unknown field",
		},
		{
			name: "missing token",
			content: `
telegram:
  token: "  "
storage:
  path: "./db"
`,
			wantErr: "telegram.token is required",
		},
		{
			name: "missing storage path",
			content: `
telegram:
  token: "t"
storage:
  path: ""
`,
			wantErr: "storage.path is required",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(writeConfig(t, tt.content)).Parse()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty is zero", raw: "", want: 0},
		{name: "seconds", raw: "30s", want: 30 * time.Second},
		{name: "compound", raw: "1h30m", want: 90 * time.Minute},
		{name: "garbage", raw: "soon", wantErr: true},
		{name: "negative", raw: "-5s", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationField("test.field", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	if d, err := ParseDurationOrDefault("test.field", "", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, %v", d, err)
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, latest delivered

	got := <-ch
	if got != second {
		t.Fatal("expected the latest config after overflow")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after Unsubscribe")
	}
}
