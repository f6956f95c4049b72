package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `{
  "data_dir": "./data",
  "global": {
    "timezone": "Europe/Berlin",
    "default_upload_subfolder": "uploads",
    "theme": "dark"
  },
  "logging": {
    "level": "debug",
    "console": true,
    "file": {"enabled": false},
    "telegram": {"enabled": false}
  },
  "bots": [
    {
      "token": "123456789:AAtestTokenValue",
      "chat_id": "@channel_one",
      "fire_time": "08:30",
      "enabled": true,
      "schedules": ["morning.csv", "evening.xlsx"]
    },
    {
      "id": "bot2",
      "token": "987654321:BBtestTokenValue",
      "chat_id": "-1001234",
      "enabled": false
    }
  ]
}
`

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return NewManager(path)
}

func TestParse(t *testing.T) {
	m := writeConfig(t, sampleConfig)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Global.Timezone != "Europe/Berlin" || cfg.Global.Theme != "dark" {
		t.Fatalf("global settings lost: %+v", cfg.Global)
	}
	if len(cfg.Bots) != 2 {
		t.Fatalf("bots = %d, want 2", len(cfg.Bots))
	}

	b := cfg.Bots[0]
	if b.ID != DeriveID(b.Token) {
		t.Fatalf("missing id must be derived from token, got %q", b.ID)
	}
	if got := cfg.Bots[1]; got.FireTime != "09:00" || len(got.Schedules) != 1 || got.Schedules[0] != "schedule.xlsx" {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

func TestParseRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mangle  func(string) string
		wantErr string
	}{
		{"unknown field", func(s string) string {
			return strings.Replace(s, `"data_dir"`, `"surprise": 1, "data_dir"`, 1)
		}, "surprise"},
		{"bad timezone", func(s string) string {
			return strings.Replace(s, "Europe/Berlin", "Mars/Olympus", 1)
		}, "timezone"},
		{"bad fire time", func(s string) string {
			return strings.Replace(s, "08:30", "25:99", 1)
		}, "fire_time"},
		{"duplicate id", func(s string) string {
			return strings.Replace(s, `"id": "bot2"`, `"id": "123456789:AAtest"`, 1)
		}, "duplicate"},
		{"missing token", func(s string) string {
			return strings.Replace(s, "987654321:BBtestTokenValue", "", 1)
		}, "token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := writeConfig(t, tt.mangle(sampleConfig))
			_, err := m.Parse()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load must not fail on a missing file: %v", err)
	}
	if cfg.Global.Timezone != "UTC" || cfg.DataDir != "./data" {
		t.Fatalf("expected default document, got %+v", cfg)
	}

	m = writeConfig(t, "{broken")
	cfg, err = m.Load()
	if err != nil || cfg.Global.Timezone != "UTC" {
		t.Fatalf("corrupt file must fall back to defaults, got (%+v, %v)", cfg, err)
	}
}

func TestBotCRUD(t *testing.T) {
	m := writeConfig(t, sampleConfig)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	p := BotProfile{Token: "555:CCtestTokenValue", ChatID: "42", FireTime: "12:00", Enabled: true}
	if err := m.AddBot(p); err != nil {
		t.Fatalf("add: %v", err)
	}
	id := DeriveID(p.Token)
	if m.Get().Bot(id) == nil {
		t.Fatal("added bot not committed")
	}
	if err := m.AddBot(p); err == nil {
		t.Fatal("duplicate add must be rejected")
	}

	upd := *m.Get().Bot(id)
	upd.FireTime = "18:45"
	if err := m.UpdateBot(upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := m.Get().Bot(id).FireTime; got != "18:45" {
		t.Fatalf("fire_time after update = %q", got)
	}
	if err := m.UpdateBot(BotProfile{ID: "nope", Token: "x:y"}); err == nil {
		t.Fatal("updating an unknown bot must fail")
	}

	if err := m.DeleteBot(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if m.Get().Bot(id) != nil {
		t.Fatal("deleted bot still present")
	}
	if err := m.DeleteBot("nope"); err != nil {
		t.Fatalf("deleting an unknown bot must be a no-op, got %v", err)
	}

	// Mutations persist: a fresh manager on the same file agrees.
	m2 := NewManager(m.Path())
	cfg, err := m2.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bot(id) != nil || len(cfg.Bots) != 2 {
		t.Fatalf("persisted document out of sync: %+v", cfg.Bots)
	}
}

func TestMutateRejectsInvalid(t *testing.T) {
	m := writeConfig(t, sampleConfig)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	before := m.Get()

	err := m.Mutate(func(cfg *Config) error {
		cfg.Global.Timezone = "Mars/Olympus"
		return nil
	})
	if err == nil {
		t.Fatal("invalid mutation must be rejected")
	}
	if m.Get() != before {
		t.Fatal("rejected mutation must leave the committed config untouched")
	}
}

func TestParseFireTime(t *testing.T) {
	t.Parallel()
	h, min, err := ParseFireTime("08:30")
	if err != nil || h != 8 || min != 30 {
		t.Fatalf("ParseFireTime(08:30) = (%d, %d, %v)", h, min, err)
	}
	for _, bad := range []string{"", "8", "24:00", "12:60", "aa:bb"} {
		if _, _, err := ParseFireTime(bad); err == nil {
			t.Errorf("ParseFireTime(%q) must fail", bad)
		}
	}
}

func TestSubscribePublish(t *testing.T) {
	m := writeConfig(t, sampleConfig)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("subscriber received a different document")
		}
	default:
		t.Fatal("publish did not deliver")
	}

	// A slow subscriber gets the newest document, not the stale one.
	stale := Default()
	m.publish(stale)
	m.publish(cfg)
	if got := <-ch; got != cfg {
		t.Fatal("slow subscriber must see the latest config")
	}
}
