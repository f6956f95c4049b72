package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "castbot/pkg/logx"
)

// BotState is the persisted runtime state of one bot.
// An empty LastError means healthy.
type BotState struct {
	LastRun      string `json:"last_run,omitempty"`
	LastSentFile string `json:"last_sent_file,omitempty"`
	LastError    string `json:"last_error"`
}

// Healthy reports whether the last delivery attempt succeeded.
func (s BotState) Healthy() bool { return s.LastError == "" }

// Tracker persists BotState per bot id as one flat JSON mapping,
// rewritten in full and flushed on every mutation. Mutation frequency
// is a few per day per bot, so correctness wins over throughput.
//
// All read-modify-write cycles are serialized behind one mutex: a
// manual dispatch racing a scheduled fire can interleave whole sends,
// but never corrupt a single state mutation.
type Tracker struct {
	path string
	log  logx.Logger

	mu     sync.Mutex
	states map[string]BotState
}

func NewTracker(path string, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{path: path, log: log, states: map[string]BotState{}}
	t.load()
	return t
}

func (t *Tracker) load() {
	b, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.log.Warn("state file unreadable; starting empty",
				logx.String("path", t.path), logx.Err(err))
		}
		return
	}
	var m map[string]BotState
	if err := json.Unmarshal(b, &m); err != nil {
		// Fail closed: a corrupt state file must not take the bot down.
		t.log.Warn("state file corrupt; starting empty",
			logx.String("path", t.path), logx.Err(err))
		return
	}
	t.states = m
}

// Get returns the state for a bot id, or a default all-clear state for
// unknown ids. It never fails.
func (t *Tracker) Get(botID string) BotState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[botID]
}

// Known reports whether any state has been recorded for the bot.
func (t *Tracker) Known(botID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[botID]
	return ok
}

func (t *Tracker) SetLastRun(botID string) error {
	return t.update(botID, func(s *BotState) {
		s.LastRun = time.Now().UTC().Format(time.RFC3339)
	})
}

func (t *Tracker) SetLastSent(botID, path string) error {
	return t.update(botID, func(s *BotState) { s.LastSentFile = path })
}

func (t *Tracker) SetError(botID, msg string) error {
	return t.update(botID, func(s *BotState) { s.LastError = msg })
}

func (t *Tracker) ClearError(botID string) error {
	return t.update(botID, func(s *BotState) { s.LastError = "" })
}

// Delete removes a bot's state entirely. Only profile deletion calls
// this; ordinary operation never drops state.
func (t *Tracker) Delete(botID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[botID]; !ok {
		return nil
	}
	delete(t.states, botID)
	return t.flushLocked()
}

func (t *Tracker) update(botID string, fn func(*BotState)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[botID] // zero value is the lazily-created default
	fn(&s)
	t.states[botID] = s
	return t.flushLocked()
}

func (t *Tracker) flushLocked() error {
	b, err := json.MarshalIndent(t.states, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(t.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
