package state

import (
	"os"
	"path/filepath"
	"testing"

	logx "castbot/pkg/logx"
)

func TestTrackerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	tr := NewTracker(path, logx.Nop())

	if st := tr.Get("bot1"); !st.Healthy() || st.LastRun != "" {
		t.Fatalf("unknown bot must get a clean default, got %+v", st)
	}
	if tr.Known("bot1") {
		t.Fatal("no state recorded yet")
	}

	if err := tr.SetLastSent("bot1", "audio/a.mp3"); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetLastRun("bot1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetError("bot1", "boom"); err != nil {
		t.Fatal(err)
	}

	st := tr.Get("bot1")
	if st.LastSentFile != "audio/a.mp3" || st.LastRun == "" || st.Healthy() {
		t.Fatalf("unexpected state %+v", st)
	}

	if err := tr.ClearError("bot1"); err != nil {
		t.Fatal(err)
	}
	if !tr.Get("bot1").Healthy() {
		t.Fatal("error not cleared")
	}
}

func TestTrackerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")

	tr := NewTracker(path, logx.Nop())
	if err := tr.SetLastSent("bot1", "audio/a.mp3"); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetError("bot2", "connect failed"); err != nil {
		t.Fatal(err)
	}

	// A fresh tracker on the same file sees everything.
	tr2 := NewTracker(path, logx.Nop())
	if got := tr2.Get("bot1").LastSentFile; got != "audio/a.mp3" {
		t.Fatalf("bot1 last sent after restart = %q", got)
	}
	if tr2.Get("bot2").Healthy() {
		t.Fatal("bot2 error lost across restart")
	}
}

func TestTrackerCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(path, logx.Nop())
	if tr.Known("bot1") {
		t.Fatal("corrupt file must yield an empty tracker")
	}
	// The tracker must still be able to persist new state.
	if err := tr.SetLastRun("bot1"); err != nil {
		t.Fatal(err)
	}
	if NewTracker(path, logx.Nop()).Get("bot1").LastRun == "" {
		t.Fatal("state written after recovery was not persisted")
	}
}

func TestTrackerDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	tr := NewTracker(path, logx.Nop())

	if err := tr.SetLastRun("bot1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Delete("bot1"); err != nil {
		t.Fatal(err)
	}
	if tr.Known("bot1") {
		t.Fatal("state not deleted")
	}
	if NewTracker(path, logx.Nop()).Known("bot1") {
		t.Fatal("deletion not persisted")
	}
}
