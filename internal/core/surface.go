package core

import (
	"context"

	"castbot/internal/adapters/telegram"
	"castbot/internal/config"
	"castbot/internal/state"
	"castbot/internal/storage"
	"castbot/internal/trigger"
	logx "castbot/pkg/logx"
)

// Control surface. These methods are the contract consumed by the
// external HTTP/dashboard layer; the layer itself lives outside this
// repository.

// SendOne delivers one file through the given bot. An empty chatID
// falls back to the bot's configured destination.
func (a *App) SendOne(ctx context.Context, botID, chatID, filePath string) bool {
	chatID = a.resolveChat(botID, chatID)
	return a.engine.SendOne(ctx, botID, chatID, filePath)
}

// Resend re-delivers a specific file. Identical to SendOne; kept as a
// separate operation so callers and audit trails can distinguish
// operator-initiated resends.
func (a *App) Resend(ctx context.Context, botID, chatID, filePath string) bool {
	a.log.Info("manual resend", logx.String("bot", botID), logx.String("file", filePath))
	return a.SendOne(ctx, botID, chatID, filePath)
}

// SendByDate resolves and delivers every entry due on date
// (YYYY-MM-DD) from the given sources, in order. Nil sources fall back
// to the bot's configured source order. Returns the success count.
func (a *App) SendByDate(ctx context.Context, botID, chatID, date string, sources []string) int {
	cfg := a.cfgm.Get()
	if sources == nil {
		if b := cfg.Bot(botID); b != nil {
			sources = b.Schedules
		}
	}
	chatID = a.resolveChat(botID, chatID)

	entries := a.resolver.Resolve(sources, date)
	if len(entries) == 0 {
		a.log.Info("no entries for date", logx.String("bot", botID), logx.String("date", date))
		return 0
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.FullPath(cfg.DataDir))
	}
	return a.engine.SendMany(ctx, botID, chatID, paths)
}

// GetState returns the bot's persisted state. ok is false when the id
// matches neither a profile nor any recorded state.
func (a *App) GetState(botID string) (state.BotState, bool) {
	known := a.states.Known(botID) || a.cfgm.Get().Bot(botID) != nil
	return a.states.Get(botID), known
}

// ReloadTriggers re-syncs live connections and re-arms all triggers
// from the current profiles. Idempotent; safe to call repeatedly.
func (a *App) ReloadTriggers() error {
	a.syncBots(a.cfgm.Get())
	return a.triggers.Reload()
}

// ListTriggers reports the armed triggers with next fire times.
func (a *App) ListTriggers() []trigger.Info {
	return a.triggers.List()
}

// TestConnection verifies a token against the Telegram API without
// registering a connection.
func (a *App) TestConnection(ctx context.Context, token string) error {
	return telegram.Probe(ctx, token, logx.Nop())
}

// VerifySchedule checks every file referenced by the given sources,
// mapping full delivery path to whether it exists and validates.
func (a *App) VerifySchedule(sources []string) map[string]bool {
	cfg := a.cfgm.Get()
	out := map[string]bool{}
	for _, e := range a.reader.ReadMany(sources) {
		p := e.FullPath(cfg.DataDir)
		out[p] = a.validator.Verify(p) == nil
	}
	return out
}

// ListAudioFiles lists all supported audio files under the data root.
func (a *App) ListAudioFiles() []string {
	return a.validator.ListFiles(a.cfgm.Get().DataDir)
}

// RecentDeliveries returns audit-log history for a bot (all bots when
// botID is empty). Nil when the audit log is disabled.
func (a *App) RecentDeliveries(ctx context.Context, botID string, limit int) ([]storage.DeliveryRecord, error) {
	return a.engine.History(ctx, botID, limit)
}

// Bot profile CRUD. Mutations persist the full document; callers apply
// the change to armed triggers with an explicit ReloadTriggers.

func (a *App) AddBot(p config.BotProfile) error    { return a.cfgm.AddBot(p) }
func (a *App) UpdateBot(p config.BotProfile) error { return a.cfgm.UpdateBot(p) }

// DeleteBot removes the profile and, with it, the bot's persisted
// state. No other path ever deletes state.
func (a *App) DeleteBot(id string) error {
	if err := a.cfgm.DeleteBot(id); err != nil {
		return err
	}
	return a.states.Delete(id)
}

// Bots returns the configured profiles (read-only copy).
func (a *App) Bots() []config.BotProfile {
	cfg := a.cfgm.Get()
	out := make([]config.BotProfile, len(cfg.Bots))
	copy(out, cfg.Bots)
	return out
}

func (a *App) resolveChat(botID, chatID string) string {
	if chatID != "" {
		return chatID
	}
	if b := a.cfgm.Get().Bot(botID); b != nil {
		return b.ChatID
	}
	return chatID
}
