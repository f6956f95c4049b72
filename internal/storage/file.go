package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "castbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// It keeps one append-only JSON Lines file, <prefix>.deliveries.jsonl.
// Reads re-scan the file; delivery volume is a handful of records per
// day per bot, so this stays cheap.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	jsonlPath := filepath.Join(dir, base) + ".deliveries.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(jsonlPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, path: jsonlPath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("delivery log closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) RecentDeliveries(ctx context.Context, botID string, limit int) ([]DeliveryRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []DeliveryRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if botID != "" && r.BotID != botID {
			continue
		}
		out = append(out, r)
		if len(out) > limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}
