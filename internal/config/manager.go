package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "castbot/pkg/logx"
)

// Manager owns the persisted configuration document.
//
// Reads are served from the last committed copy; the file on disk is
// authoritative and is rewritten in full by every mutation. External
// edits are picked up by Watch() and fanned out to subscribers.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last committed config content. It avoids
	// redundant publishes when an editor fires multiple write events
	// without content changes, and suppresses watcher echo after Save().
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before committing/publishing.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the document without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := documentToJSON(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load parses and commits the document. A missing or unreadable file
// falls back to the known-good default document instead of failing:
// a broken config must never keep the process from starting.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.log.Warn("config file missing; using defaults", logx.String("path", m.path))
		} else {
			m.log.Warn("config unreadable; using defaults", logx.String("path", m.path), logx.Err(err))
		}
		cfg = Default()
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Mutate applies fn to a deep copy of the current document, persists
// the result and commits it. The watcher's echo is suppressed via the
// content hash, so callers that need derived triggers refreshed must
// reload them explicitly.
func (m *Manager) Mutate(fn func(cfg *Config) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.cfg
	if cur == nil {
		cur = Default()
	}
	cp, err := deepCopy(cur)
	if err != nil {
		return err
	}
	if err := fn(cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := m.writeLocked(cp); err != nil {
		return err
	}
	m.cfg = cp
	m.lastHash = hashConfig(cp)
	return nil
}

// AddBot appends a new bot profile. Duplicate ids are rejected.
func (m *Manager) AddBot(p BotProfile) error {
	return m.Mutate(func(cfg *Config) error {
		if p.ID == "" {
			p.ID = DeriveID(p.Token)
		}
		if cfg.Bot(p.ID) != nil {
			return fmt.Errorf("bot %q already exists", p.ID)
		}
		if p.CreatedAt == "" {
			p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		}
		cfg.Bots = append(cfg.Bots, p)
		return nil
	})
}

// UpdateBot replaces the profile with the same id.
func (m *Manager) UpdateBot(p BotProfile) error {
	return m.Mutate(func(cfg *Config) error {
		for i := range cfg.Bots {
			if cfg.Bots[i].ID == p.ID {
				if p.CreatedAt == "" {
					p.CreatedAt = cfg.Bots[i].CreatedAt
				}
				cfg.Bots[i] = p
				return nil
			}
		}
		return fmt.Errorf("bot %q not found", p.ID)
	})
}

// DeleteBot removes a profile. Deleting an unknown id is not an error.
func (m *Manager) DeleteBot(id string) error {
	return m.Mutate(func(cfg *Config) error {
		out := cfg.Bots[:0]
		for _, b := range cfg.Bots {
			if b.ID != id {
				out = append(out, b)
			}
		}
		cfg.Bots = out
		return nil
	})
}

func (m *Manager) writeLocked(cfg *Config) error {
	b, err := marshalForPath(m.path, cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func deepCopy(cfg *Config) (*Config, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// ---- Subscriptions ----

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Always try to deliver the latest config. If the subscriber is
		// slow, drop one stale item then push the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				if !m.log.IsZero() {
					m.log.Debug("config update dropped (subscriber slow)",
						logx.Int("queue_cap", cap(ch)))
				}
			}
		}
	}
}

// ---- File watching ----

const watchDebounce = 250 * time.Millisecond

// Watch follows external edits of the config file, re-parsing after a
// debounce window and publishing validated changes to subscribers.
// Invalid documents are rejected; the last good config stays active.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	if !m.log.IsZero() {
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	// debounce to avoid parsing partial writes
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() { m.reloadFromDisk(ctx) })
	}

	for {
		select {
		case <-ctx.Done():
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

func (m *Manager) reloadFromDisk(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config parse failed; keeping previous config",
				logx.String("path", m.path), logx.Err(err))
		}
		return
	}

	// Skip redundant reloads when content is unchanged (editor noise,
	// or the echo of our own Save).
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			}
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Info("config reloaded from disk", logx.String("path", m.path))
	}
}
