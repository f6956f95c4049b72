package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"castbot/internal/audio"
	"castbot/internal/config"
	"castbot/internal/delivery"
	"castbot/internal/schedule"
	"castbot/internal/state"
	logx "castbot/pkg/logx"
)

// newTestService builds a Service over a temp data dir. "__DIR__" in
// configJSON is replaced with that dir. A nil lookup resolves no bots.
func newTestService(t *testing.T, configJSON string, lookup delivery.LookupFunc) (*Service, *config.Manager, string) {
	t.Helper()
	dir := t.TempDir()

	path := filepath.Join(dir, "config.json")
	content := strings.ReplaceAll(configJSON, "__DIR__", dir)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgm := config.NewManager(path)
	if _, err := cfgm.Load(); err != nil {
		t.Fatal(err)
	}

	if lookup == nil {
		lookup = func(string) (delivery.VoiceSender, bool) { return nil, false }
	}

	reader := schedule.NewReader(dir, logx.Nop())
	resolver := schedule.NewResolver(reader)
	states := state.NewTracker(filepath.Join(dir, "bot_state.json"), logx.Nop())
	norm := audio.NewNormalizer(filepath.Join(dir, ".audio_cache"), audio.FFmpeg{}, logx.Nop())
	engine := delivery.NewEngine(lookup, norm, states, nil, logx.Nop())
	engine.SetTiming(time.Millisecond, time.Second, 0)

	return New(cfgm, resolver, engine, logx.Nop()), cfgm, dir
}

const twoBotConfig = `{
  "data_dir": "__DIR__",
  "global": {"timezone": "UTC"},
  "logging": {"level": "info", "console": false,
    "file": {"enabled": false}, "telegram": {"enabled": false}},
  "bots": [
    {"id": "bot1", "token": "1:A", "chat_id": "10", "fire_time": "08:30", "enabled": true, "schedules": ["today.csv"]},
    {"id": "bot2", "token": "2:B", "chat_id": "20", "fire_time": "21:05", "enabled": true},
    {"id": "bot3", "token": "3:C", "chat_id": "30", "fire_time": "12:00", "enabled": false}
  ]
}`

// writeTodaySchedule creates a schedule source plus its payload files
// and returns the expected delivery paths in row order.
func writeTodaySchedule(t *testing.T, dir string, disable map[string]bool, names ...string) []string {
	t.Helper()
	today := time.Now().UTC().Format(schedule.DateLayout)

	if err := os.MkdirAll(filepath.Join(dir, "tracks"), 0o755); err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	sb.WriteString("Date,Path,Track Name,Enabled\n")
	var paths []string
	for _, name := range names {
		p := filepath.Join(dir, "tracks", name)
		if err := os.WriteFile(p, []byte("ogg"), 0o644); err != nil {
			t.Fatal(err)
		}
		enabled := "true"
		if disable[name] {
			enabled = "false"
		} else {
			paths = append(paths, p)
		}
		fmt.Fprintf(&sb, "%s,tracks/,%s,%s\n", today, name, enabled)
	}
	if err := os.WriteFile(filepath.Join(dir, "today.csv"), []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return paths
}

// recordingSender collects delivered file paths.
type recordingSender struct {
	reject map[string]bool
	sent   []string
}

func (r *recordingSender) SendVoice(ctx context.Context, chatID, filePath, caption string) error {
	if r.reject[filepath.Base(filePath)] {
		return fmt.Errorf("telegram: forbidden")
	}
	r.sent = append(r.sent, filePath)
	return nil
}

// gatedSender blocks mid-send until released.
type gatedSender struct {
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedSender) SendVoice(ctx context.Context, chatID, filePath, caption string) error {
	g.started <- struct{}{}
	<-g.gate
	return nil
}

func triggerIDs(s *Service) map[string]bool {
	out := map[string]bool{}
	for _, info := range s.List() {
		out[info.ID] = true
	}
	return out
}

func TestStartArmsEnabledBots(t *testing.T) {
	s, _, _ := newTestService(t, twoBotConfig, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	got := triggerIDs(s)
	if !got["bot1"] || !got["bot2"] {
		t.Fatalf("enabled bots not armed: %v", got)
	}
	if got["bot3"] {
		t.Fatal("disabled bot must not be armed")
	}

	for _, info := range s.List() {
		if info.Next == nil || !info.Next.After(time.Now().Add(-time.Minute)) {
			t.Fatalf("armed trigger %q has no upcoming fire time", info.ID)
		}
	}
}

func TestReloadPrunesRemovedAndDisabled(t *testing.T) {
	s, cfgm, _ := newTestService(t, twoBotConfig, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	if err := cfgm.DeleteBot("bot2"); err != nil {
		t.Fatal(err)
	}
	if err := cfgm.Mutate(func(cfg *config.Config) error {
		cfg.Bot("bot1").Enabled = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Mutations do not rearm triggers on their own.
	if got := triggerIDs(s); !got["bot1"] || !got["bot2"] {
		t.Fatalf("triggers changed before reload: %v", got)
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := triggerIDs(s); len(got) != 0 {
		t.Fatalf("expected all triggers pruned, got %v", got)
	}
}

func TestReloadRearmsChangedFireTime(t *testing.T) {
	s, cfgm, _ := newTestService(t, twoBotConfig, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	if err := cfgm.Mutate(func(cfg *config.Config) error {
		cfg.Bot("bot1").FireTime = "23:59"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, info := range s.List() {
		if info.ID == "bot1" {
			found = true
			if info.Name != "daily 23:59 for bot bot1" {
				t.Fatalf("trigger not rearmed with new fire time: %q", info.Name)
			}
		}
	}
	if !found {
		t.Fatal("bot1 trigger missing after reload")
	}
}

func TestReloadBeforeStart(t *testing.T) {
	s, _, _ := newTestService(t, twoBotConfig, nil)
	if err := s.Reload(); err == nil {
		t.Fatal("reload before start must fail")
	}
}

func TestStopIdempotent(t *testing.T) {
	s, _, _ := newTestService(t, twoBotConfig, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())
	s.Stop(context.Background())
	if got := s.List(); len(got) != 0 {
		t.Fatalf("triggers must be cleared after stop, got %v", got)
	}
}

func TestFireSendsTodaysEntriesInOrder(t *testing.T) {
	sender := &recordingSender{}
	lookup := func(id string) (delivery.VoiceSender, bool) {
		if id == "bot1" {
			return sender, true
		}
		return nil, false
	}
	s, cfgm, dir := newTestService(t, twoBotConfig, lookup)

	want := writeTodaySchedule(t, dir,
		map[string]bool{"skip.ogg": true}, "a.ogg", "skip.ogg", "b.ogg")

	p := cfgm.Get().Bot("bot1")
	s.fire(context.Background(), time.UTC, *p)

	if len(sender.sent) != len(want) {
		t.Fatalf("sent %v, want %v", sender.sent, want)
	}
	for i := range want {
		if sender.sent[i] != want[i] {
			t.Fatalf("delivery order: sent %v, want %v", sender.sent, want)
		}
	}
}

func TestFireContinuesPastFailedItem(t *testing.T) {
	sender := &recordingSender{reject: map[string]bool{"b.ogg": true}}
	lookup := func(id string) (delivery.VoiceSender, bool) { return sender, true }
	s, cfgm, dir := newTestService(t, twoBotConfig, lookup)

	writeTodaySchedule(t, dir, nil, "a.ogg", "b.ogg", "c.ogg")

	p := cfgm.Get().Bot("bot1")
	s.fire(context.Background(), time.UTC, *p)

	if len(sender.sent) != 2 || filepath.Base(sender.sent[1]) != "c.ogg" {
		t.Fatalf("fire must continue past a failed item, sent %v", sender.sent)
	}
}

func TestFireCancelledContext(t *testing.T) {
	sender := &recordingSender{}
	lookup := func(id string) (delivery.VoiceSender, bool) { return sender, true }
	s, cfgm, dir := newTestService(t, twoBotConfig, lookup)

	writeTodaySchedule(t, dir, nil, "a.ogg")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.fire(ctx, time.UTC, *cfgm.Get().Bot("bot1"))
	if len(sender.sent) != 0 {
		t.Fatalf("cancelled fire must not send, sent %v", sender.sent)
	}
}

// A timezone-change Reload must complete while a fire is still blocked
// mid-send; it may only restart the runner, never wait on deliveries.
func TestReloadCompletesWithInflightFire(t *testing.T) {
	sender := &gatedSender{started: make(chan struct{}, 1), gate: make(chan struct{})}
	lookup := func(id string) (delivery.VoiceSender, bool) { return sender, true }
	s, cfgm, dir := newTestService(t, twoBotConfig, lookup)

	writeTodaySchedule(t, dir, nil, "a.ogg")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	fireDone := make(chan struct{})
	go func() {
		defer close(fireDone)
		s.fire(context.Background(), time.UTC, *cfgm.Get().Bot("bot1"))
	}()
	<-sender.started // the fire is now blocked inside the transport

	if err := cfgm.Mutate(func(cfg *config.Config) error {
		cfg.Global.Timezone = "Europe/Berlin"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	reloadDone := make(chan error, 1)
	go func() { reloadDone <- s.Reload() }()
	select {
	case err := <-reloadDone:
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Reload blocked behind an in-flight fire")
	}

	close(sender.gate)
	<-fireDone

	got := triggerIDs(s)
	if !got["bot1"] || !got["bot2"] {
		t.Fatalf("triggers not rearmed after timezone change: %v", got)
	}
}
