package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "castbot/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the audit log backend.
//
// Driver values:
//   - "file": dependency-free jsonl backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one terminal send outcome.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At       time.Time `json:"at"`
	BotID    string    `json:"bot_id"`
	ChatID   string    `json:"chat_id"`
	File     string    `json:"file"`
	Attempts int       `json:"attempts"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// Store is the minimal persistence API used by the delivery engine.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	RecentDeliveries(ctx context.Context, botID string, limit int) ([]DeliveryRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
