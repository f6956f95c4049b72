package trigger

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"castbot/internal/config"
	"castbot/internal/delivery"
	"castbot/internal/schedule"
	logx "castbot/pkg/logx"
)

// Info describes one armed trigger for the control surface.
type Info struct {
	ID   string
	Name string
	// Next is the next fire time in the scheduler timezone, nil when
	// the trigger is not currently armed.
	Next *time.Time
}

type Service struct {
	log      logx.Logger
	cfgm     *config.Manager
	resolver *schedule.Resolver
	engine   *delivery.Engine

	mu      sync.Mutex
	loc     *time.Location
	c       *cron.Cron
	entries map[string]cron.EntryID // bot id -> armed cron entry
	names   map[string]string       // bot id -> display name

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfgm *config.Manager, resolver *schedule.Resolver, engine *delivery.Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		cfgm:     cfgm,
		resolver: resolver,
		engine:   engine,
		entries:  map[string]cron.EntryID{},
		names:    map[string]string{},
	}
}

// Start arms triggers for the current configuration and begins firing.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	loc, err := s.loadLocation()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	s.c.Start()
	s.mu.Unlock()

	if err := s.Reload(); err != nil {
		return err
	}
	s.log.Info("trigger scheduler started", logx.String("tz", loc.String()))
	return nil
}

// Stop halts the cron runner. A fire already in flight finishes on its
// own; Stop only prevents future occurrences.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.entries = map[string]cron.EntryID{}
	s.names = map[string]string{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger scheduler stopped")
}

// Reload re-reads all bot profiles and re-arms triggers to match.
//
// For every enabled profile, any pre-existing trigger under that bot's
// identity is removed (absence is not an error) before a fresh one is
// registered with current settings. Triggers of disabled or deleted
// bots are pruned. Safe to call repeatedly.
func (s *Service) Reload() error {
	cfg := s.cfgm.Get()
	if cfg == nil {
		return fmt.Errorf("no configuration loaded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return fmt.Errorf("trigger scheduler not started")
	}

	// Timezone changes need a fresh cron runner: entries capture their
	// location at registration time.
	loc, err := s.loadLocation()
	if err != nil {
		return err
	}
	if loc.String() != s.loc.String() {
		s.log.Info("timezone changed; restarting triggers",
			logx.String("from", s.loc.String()), logx.String("to", loc.String()))
		// Do not wait for in-flight fires here: they hold no service
		// state and finish on their own. Waiting would stall Reload
		// behind a running delivery batch.
		s.c.Stop()
		s.loc = loc
		s.c = cron.New(cron.WithLocation(loc))
		s.c.Start()
		s.entries = map[string]cron.EntryID{}
		s.names = map[string]string{}
	}

	desired := map[string]bool{}
	armed := 0
	for _, b := range cfg.Bots {
		if !b.Enabled {
			continue
		}
		desired[b.ID] = true

		hour, minute, err := config.ParseFireTime(b.FireTime)
		if err != nil {
			s.log.Warn("skipping bot with bad fire_time",
				logx.String("bot", b.ID), logx.Err(err))
			continue
		}

		// Remove-then-add keeps re-registration idempotent.
		if old, ok := s.entries[b.ID]; ok {
			s.c.Remove(old)
			delete(s.entries, b.ID)
		}

		// Snapshot everything the fire needs at registration time. The
		// fire path must never touch s.mu: a callback blocking on the
		// lock while Reload replaces the runner would wedge both.
		profile := b
		fireCtx := s.runCtx
		fireLoc := loc
		spec := fmt.Sprintf("%d %d * * *", minute, hour)
		id, err := s.c.AddFunc(spec, func() { s.fire(fireCtx, fireLoc, profile) })
		if err != nil {
			s.log.Error("trigger register failed",
				logx.String("bot", b.ID), logx.String("spec", spec), logx.Err(err))
			continue
		}
		s.entries[b.ID] = id
		s.names[b.ID] = fmt.Sprintf("daily %s for bot %s", b.FireTime, b.ID)
		armed++
		s.log.Info("trigger armed",
			logx.String("bot", b.ID), logx.String("at", b.FireTime),
			logx.String("tz", loc.String()),
			logx.String("schedules", strings.Join(b.Schedules, ",")))
	}

	// Prune triggers whose bots are gone or disabled.
	for id, entry := range s.entries {
		if !desired[id] {
			s.c.Remove(entry)
			delete(s.entries, id)
			delete(s.names, id)
			s.log.Info("trigger pruned", logx.String("bot", id))
		}
	}

	s.log.Info("triggers reloaded", logx.Int("armed", armed))
	return nil
}

// List returns the armed triggers, with next fire times.
func (s *Service) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.entries))
	for id, entryID := range s.entries {
		info := Info{ID: id, Name: s.names[id]}
		if s.c != nil {
			if next := s.c.Entry(entryID).Next; !next.IsZero() {
				n := next
				info.Next = &n
			}
		}
		out = append(out, info)
	}
	return out
}

// fire runs the daily pipeline for one bot. Any panic or error is
// contained: the trigger stays armed for its next occurrence.
//
// ctx and loc are captured at registration; fire deliberately takes no
// service lock so a concurrent Reload can never wedge behind it.
func (s *Service) fire(ctx context.Context, loc *time.Location, p config.BotProfile) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in trigger fire",
				logx.String("bot", p.ID), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	now := time.Now().In(loc)
	s.log.Info("trigger fired",
		logx.String("bot", p.ID), logx.String("date", now.Format(schedule.DateLayout)))

	entries := s.resolver.ResolveOn(p.Schedules, now)
	if len(entries) == 0 {
		s.log.Info("nothing scheduled today", logx.String("bot", p.ID))
		return
	}

	// Per-item SendOne rather than one batch call, so the running tally
	// is visible at fire level while a long schedule works through.
	dataDir := s.cfgm.Get().DataDir
	success := 0
	for _, e := range entries {
		path := e.FullPath(dataDir)
		s.log.Info("sending", logx.String("bot", p.ID), logx.String("file", path))
		if s.engine.SendOne(ctx, p.ID, p.ChatID, path) {
			success++
		} else {
			s.log.Warn("failed to send", logx.String("bot", p.ID), logx.String("file", path))
		}
		s.log.Info("fire progress",
			logx.String("bot", p.ID),
			logx.Int("ok", success), logx.Int("total", len(entries)))
	}

	s.log.Info("daily schedule complete",
		logx.String("bot", p.ID),
		logx.Int("sent", success), logx.Int("total", len(entries)))
}

func (s *Service) loadLocation() (*time.Location, error) {
	tz := strings.TrimSpace(s.cfgm.Get().Global.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("global.timezone: %w", err)
	}
	return loc, nil
}
