package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "castbot/pkg/logx"
)

type Config struct {
	Token string
}

// Adapter wraps one live telebot connection. The bot runs send-only:
// no polling loop, no update handling.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

// New dials Telegram and verifies the token (telebot performs getMe
// during construction, which doubles as the connection test).
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: nil, // telebot default; per-call deadlines are enforced by callers
	})
	if err != nil {
		return nil, err
	}
	log.Info("bot connected",
		logx.String("username", b.Me.Username), logx.Int64("bot_id", b.Me.ID))
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Username() string { return a.bot.Me.Username }

// Token returns the configured token, used to detect profile edits
// that require a re-dial.
func (a *Adapter) Token() string { return a.cfg.Token }

// SendVoice delivers an OGG/Opus file as a voice message.
//
// telebot's API has no context support, so the call runs in a
// goroutine and the deadline is enforced with a select; a timed-out
// upload is abandoned, not cancelled.
func (a *Adapter) SendVoice(ctx context.Context, chatID, filePath, caption string) error {
	voice := &tele.Voice{File: tele.FromDisk(filePath), Caption: caption}
	return a.send(ctx, chatID, voice)
}

// SendText implements logx.TextSender so a bot can double as the
// operator log sink.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := a.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	_ = ctx
	return err
}

func (a *Adapter) send(ctx context.Context, chatID string, what any) error {
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(recipient(chatID), what)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recipient accepts both numeric chat ids and @channel names, which is
// what operators paste into the dashboard.
type recipient string

func (r recipient) Recipient() string { return string(r) }

// Probe verifies a token without keeping the connection (dashboard
// "test connection" button). It is just New with the result discarded.
func Probe(ctx context.Context, token string, log logx.Logger) error {
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := New(Config{Token: token}, log)
		done <- result{err: err}
	}()
	select {
	case r := <-done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection test timed out")
	}
}
