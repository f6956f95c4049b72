package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"castbot/internal/audio"
	"castbot/internal/state"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

const (
	// DefaultMaxAttempts is the per-payload retry budget.
	DefaultMaxAttempts = 3
	// defaults; overridable for tests via SetTiming.
	defaultRetryBackoff   = 5 * time.Second
	defaultAttemptTimeout = 300 * time.Second
	defaultItemDelay      = 2 * time.Second
)

// VoiceSender is the transport capability the engine needs.
// Implemented by the Telegram adapter.
type VoiceSender interface {
	SendVoice(ctx context.Context, chatID, filePath, caption string) error
}

// LookupFunc resolves a bot id to its live connection.
type LookupFunc func(botID string) (VoiceSender, bool)

// Engine delivers payloads with bounded retries, per-attempt timeouts
// and inter-item pacing, recording every terminal outcome in the state
// tracker and the audit log.
type Engine struct {
	lookup     LookupFunc
	validator  audio.Validator
	normalizer *audio.Normalizer
	states     *state.Tracker
	audit      storage.Store // nil when the audit log is disabled
	log        logx.Logger

	backoff        time.Duration
	attemptTimeout time.Duration
	itemDelay      time.Duration
}

func NewEngine(lookup LookupFunc, normalizer *audio.Normalizer, states *state.Tracker, audit storage.Store, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		lookup:         lookup,
		normalizer:     normalizer,
		states:         states,
		audit:          audit,
		log:            log,
		backoff:        defaultRetryBackoff,
		attemptTimeout: defaultAttemptTimeout,
		itemDelay:      defaultItemDelay,
	}
}

// SetTiming overrides retry backoff, per-attempt timeout and the
// inter-item delay (tests). Zero values keep the current setting.
func (e *Engine) SetTiming(backoff, attemptTimeout, itemDelay time.Duration) {
	if backoff > 0 {
		e.backoff = backoff
	}
	if attemptTimeout > 0 {
		e.attemptTimeout = attemptTimeout
	}
	if itemDelay >= 0 {
		e.itemDelay = itemDelay
	}
}

// SendOne delivers a single payload with the default attempt budget.
func (e *Engine) SendOne(ctx context.Context, botID, chatID, filePath string) bool {
	return e.Send(ctx, botID, chatID, filePath, DefaultMaxAttempts)
}

// Send delivers filePath to chatID through the bot's connection.
//
// Validation and normalization run exactly once, before the retry
// loop: their failures are terminal for this call. The send itself is
// retried up to maxAttempts times with a fixed backoff; each attempt
// is separately bounded by the attempt timeout. Success updates the
// bot state and short-circuits remaining attempts. Exhaustion records
// a last error distinguishing timeout from transport failure.
func (e *Engine) Send(ctx context.Context, botID, chatID, filePath string, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	start := time.Now()

	sender, ok := e.lookup(botID)
	if !ok {
		e.fail(ctx, botID, chatID, filePath, 0, start, fmt.Sprintf("bot not registered: %s", botID))
		return false
	}

	if err := e.validator.Verify(filePath); err != nil {
		e.fail(ctx, botID, chatID, filePath, 0, start, err.Error())
		return false
	}

	payload, err := e.normalizer.Normalize(ctx, filePath)
	if err != nil {
		e.fail(ctx, botID, chatID, filePath, 0, start, err.Error())
		return false
	}

	caption := "Scheduled: " + filepath.Base(filePath)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		err := sender.SendVoice(actx, chatID, payload, caption)
		cancel()

		if err == nil {
			// Record the operator-visible source path, not the
			// converted artifact.
			e.persist(botID, e.states.SetLastSent(botID, filePath))
			e.persist(botID, e.states.SetLastRun(botID))
			e.persist(botID, e.states.ClearError(botID))
			e.record(ctx, botID, chatID, filePath, attempt, start, true, "")
			e.log.Info("sent",
				logx.String("bot", botID), logx.String("file", filePath),
				logx.Int("attempt", attempt))
			return true
		}

		lastErr = err
		if attempt < maxAttempts {
			e.log.Warn("send attempt failed; retrying",
				logx.String("bot", botID), logx.String("file", filePath),
				logx.Int("attempt", attempt), logx.Err(err))
			if !sleepCtx(ctx, e.backoff) {
				break
			}
		}
	}

	msg := fmt.Sprintf("delivery failed after %d attempts: %v", maxAttempts, lastErr)
	if errors.Is(lastErr, context.DeadlineExceeded) {
		msg = fmt.Sprintf("delivery timed out after %d attempts", maxAttempts)
	}
	e.fail(ctx, botID, chatID, filePath, maxAttempts, start, msg)
	return false
}

// SendMany delivers payloads strictly sequentially in list order.
// Concurrent sends to one chat would trip provider-side rate limits
// and break ordering, so there is none. A failed item does not abort
// the batch; the count reflects successes only. A fixed delay follows
// every successful send except the last item's.
func (e *Engine) SendMany(ctx context.Context, botID, chatID string, filePaths []string) int {
	success := 0
	for i, fp := range filePaths {
		ok := e.SendOne(ctx, botID, chatID, fp)
		if ok {
			success++
		} else {
			e.log.Warn("batch item failed; continuing",
				logx.String("bot", botID), logx.String("file", fp))
		}
		if ok && i < len(filePaths)-1 {
			if !sleepCtx(ctx, e.itemDelay) {
				break
			}
		}
	}
	return success
}

// History exposes the audit log to the control surface.
func (e *Engine) History(ctx context.Context, botID string, limit int) ([]storage.DeliveryRecord, error) {
	if e.audit == nil {
		return nil, nil
	}
	return e.audit.RecentDeliveries(ctx, botID, limit)
}

func (e *Engine) fail(ctx context.Context, botID, chatID, filePath string, attempts int, start time.Time, msg string) {
	e.log.Error("delivery failed",
		logx.String("bot", botID), logx.String("file", filePath), logx.String("reason", msg))
	e.persist(botID, e.states.SetError(botID, msg))
	e.record(ctx, botID, chatID, filePath, attempts, start, false, msg)
}

// persist surfaces a failed state write. The delivery outcome stands
// either way, but an operator must learn that get_state has stopped
// reflecting reality.
func (e *Engine) persist(botID string, err error) {
	if err != nil {
		e.log.Error("state persist failed", logx.String("bot", botID), logx.Err(err))
	}
}

func (e *Engine) record(ctx context.Context, botID, chatID, filePath string, attempts int, start time.Time, ok bool, msg string) {
	if e.audit == nil {
		return
	}
	err := e.audit.AppendDelivery(ctx, storage.DeliveryRecord{
		At:       time.Now().UTC(),
		BotID:    botID,
		ChatID:   chatID,
		File:     filePath,
		Attempts: attempts,
		OK:       ok,
		Error:    msg,
		TookMS:   time.Since(start).Milliseconds(),
	})
	if err != nil {
		e.log.Warn("audit append failed", logx.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
