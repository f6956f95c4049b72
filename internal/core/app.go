package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"castbot/internal/adapters/telegram"
	"castbot/internal/audio"
	"castbot/internal/config"
	"castbot/internal/delivery"
	"castbot/internal/registry"
	"castbot/internal/schedule"
	"castbot/internal/state"
	"castbot/internal/storage"
	"castbot/internal/trigger"
	logx "castbot/pkg/logx"
)

// App owns the full pipeline and exposes the control surface consumed
// by the external HTTP/dashboard layer.
type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	reg        *registry.Registry
	states     *state.Tracker
	reader     *schedule.Reader
	resolver   *schedule.Resolver
	normalizer *audio.Normalizer
	validator  audio.Validator
	engine     *delivery.Engine
	triggers   *trigger.Service
	audit      storage.Store

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewApp(cfgPath string) (*App, error) {
	a := &App{}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, logSender{app: a})
	a.logs.SetTelegramTarget(cfg.Logging.Telegram.ChatID)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.reg = registry.New(a.log.With(logx.String("comp", "registry")))
	a.states = state.NewTracker(
		filepath.Join(cfg.DataDir, "bot_state.json"),
		a.log.With(logx.String("comp", "state")))
	a.reader = schedule.NewReader(cfg.DataDir, a.log.With(logx.String("comp", "schedule")))
	a.resolver = schedule.NewResolver(a.reader)
	a.normalizer = audio.NewNormalizer(
		filepath.Join(cfg.DataDir, ".audio_cache"),
		audio.FFmpeg{},
		a.log.With(logx.String("comp", "audio")))

	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.audit = st
	}

	a.engine = delivery.NewEngine(
		a.lookupSender,
		a.normalizer,
		a.states,
		a.audit,
		a.log.With(logx.String("comp", "delivery")))

	a.triggers = trigger.New(a.cfgm, a.resolver, a.engine,
		a.log.With(logx.String("comp", "trigger")))

	return a, nil
}

func (a *App) lookupSender(botID string) (delivery.VoiceSender, bool) {
	ad, ok := a.reg.Lookup(botID)
	if !ok {
		return nil, false
	}
	return ad, true
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		// Normalize/Validate already ran in Parse; here we only guard
		// settings that need process context.
		_ = ctx
		if cfg == nil {
			return errors.New("nil config")
		}
		return nil
	})

	a.syncBots(a.cfgm.Get())

	if err := a.triggers.Start(runCtx); err != nil {
		cancel()
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started", logx.Int("bots", len(a.reg.IDs())))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.triggers.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached; continuing shutdown")
	}

	if a.audit != nil {
		_ = a.audit.Close()
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// applyConfig reacts to an externally edited config file: logging
// settings are swapped live, the bot registry is synced, and every
// derived trigger is re-armed from current profiles.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	a.logs.SetTelegramTarget(cfg.Logging.Telegram.ChatID)

	a.syncBots(cfg)
	if err := a.triggers.Reload(); err != nil {
		a.log.Error("trigger reload failed", logx.Err(err))
	}
	a.log.Info("config applied")
}

// syncBots reconciles live connections against the profile list: dial
// newly enabled bots, drop deleted or disabled ones. A failed dial is
// recorded on the bot's state, not fatal.
func (a *App) syncBots(cfg *config.Config) {
	desired := map[string]bool{}
	for _, b := range cfg.Bots {
		if !b.Enabled {
			continue
		}
		desired[b.ID] = true

		if cur, ok := a.reg.Lookup(b.ID); ok && cur.Token() == b.Token {
			continue
		}
		ad, err := telegram.New(telegram.Config{Token: b.Token},
			a.log.With(logx.String("comp", "telegram"), logx.String("bot", b.ID)))
		if err != nil {
			a.log.Error("bot connect failed", logx.String("bot", b.ID), logx.Err(err))
			_ = a.states.SetError(b.ID, fmt.Sprintf("connect failed: %v", err))
			continue
		}
		a.reg.Add(b.ID, ad)
	}

	for _, id := range a.reg.IDs() {
		if !desired[id] {
			a.reg.Remove(id)
		}
	}
}

// logSender routes operator log lines through the configured log bot.
type logSender struct{ app *App }

func (s logSender) SendText(ctx context.Context, chatID int64, text string) error {
	cfg := s.app.cfgm.Get()
	if cfg == nil {
		return errors.New("no config")
	}
	botID := cfg.Logging.Telegram.BotID
	if botID == "" {
		ids := s.app.reg.IDs()
		if len(ids) == 0 {
			return errors.New("no bots registered")
		}
		botID = ids[0]
	}
	ad, ok := s.app.reg.Lookup(botID)
	if !ok {
		return fmt.Errorf("log bot %q not registered", botID)
	}
	return ad.SendText(ctx, chatID, text)
}
