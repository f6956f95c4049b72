package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the persisted configuration document.
//
// It is stored as a single flat JSON (or YAML) file and rewritten in
// full on every mutation. Unknown fields are rejected on load.
type Config struct {
	// DataDir is the root under which schedule files, audio files and
	// runtime state live. Full delivery paths are built as
	// data_dir / entry.path / entry.filename.
	DataDir string `json:"data_dir"`

	Global  GlobalConfig  `json:"global"`
	Logging LoggingConfig `json:"logging"`

	// Storage controls the optional delivery audit log.
	Storage *StorageConfig `json:"storage,omitempty"`

	Bots []BotProfile `json:"bots"`
}

// GlobalConfig holds operator-wide settings.
//
// Theme and DefaultUploadSubfolder are owned by the external dashboard;
// they are round-tripped here so a full-document save never loses them.
type GlobalConfig struct {
	Timezone               string `json:"timezone"`
	DefaultUploadSubfolder string `json:"default_upload_subfolder"`
	Theme                  string `json:"theme"`
}

// BotProfile configures one delivery bot.
type BotProfile struct {
	// ID identifies the bot in state, triggers and the control surface.
	// If empty it is derived from the token prefix on load.
	ID     string `json:"id,omitempty"`
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
	// FireTime is the daily trigger time "HH:MM" in the global timezone.
	FireTime string `json:"fire_time"`
	Enabled  bool   `json:"enabled"`
	// Schedules is the ordered list of schedule source names for this
	// bot. Order is load-bearing: it controls cross-file send order.
	Schedules []string `json:"schedules,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Telegram TelegramLogConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// TelegramLogConfig mirrors warnings and errors into an operator chat,
// through one of the configured bots.
type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	BotID      string `json:"bot_id,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the delivery audit log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/deliveries" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

const (
	defaultFireTime = "09:00"
	defaultSchedule = "schedule.xlsx"
	idTokenPrefix   = 16
)

// Default returns the known-good fallback document used when the
// persisted config is absent or unreadable (fail closed, never crash
// on a bad file).
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Global: GlobalConfig{
			Timezone: "UTC",
			Theme:    "light",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Bots: []BotProfile{},
	}
}

// Normalize fills defaults in place. It is applied after every
// successful parse, before validation.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.Global.Timezone) == "" {
		c.Global.Timezone = "UTC"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Bots {
		b := &c.Bots[i]
		if strings.TrimSpace(b.ID) == "" {
			b.ID = DeriveID(b.Token)
		}
		if strings.TrimSpace(b.FireTime) == "" {
			b.FireTime = defaultFireTime
		}
		if len(b.Schedules) == 0 {
			b.Schedules = []string{defaultSchedule}
		}
	}
}

// Validate rejects documents that would arm broken triggers.
func (c *Config) Validate() error {
	if tz := strings.TrimSpace(c.Global.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("global.timezone: invalid %q: %w", tz, err)
		}
	}
	seen := make(map[string]bool, len(c.Bots))
	for i := range c.Bots {
		b := &c.Bots[i]
		if strings.TrimSpace(b.Token) == "" {
			return fmt.Errorf("bots[%d]: token is required", i)
		}
		if _, _, err := ParseFireTime(b.FireTime); err != nil {
			return fmt.Errorf("bots[%d]: %w", i, err)
		}
		if seen[b.ID] {
			return fmt.Errorf("bots[%d]: duplicate bot id %q", i, b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// Bot returns the profile with the given id, or nil.
func (c *Config) Bot(id string) *BotProfile {
	for i := range c.Bots {
		if c.Bots[i].ID == id {
			return &c.Bots[i]
		}
	}
	return nil
}

// DeriveID builds a stable bot id from a token when none is configured.
func DeriveID(token string) string {
	t := strings.TrimSpace(token)
	if len(t) > idTokenPrefix {
		t = t[:idTokenPrefix]
	}
	return t
}

// ParseFireTime parses "HH:MM" into hour and minute.
func ParseFireTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("fire_time: want HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("fire_time: invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("fire_time: invalid minute in %q", s)
	}
	return hour, minute, nil
}

// ParseDurationField parses an optional Go duration string from the
// config, returning 0 for empty input.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
