package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

// stubTranscoder writes a fake artifact and counts invocations.
type stubTranscoder struct {
	calls int
	err   error
	block bool
}

func (s *stubTranscoder) Convert(ctx context.Context, src, dst string) error {
	s.calls++
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(dst, []byte("ogg"), 0o644)
}

func writeAudio(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("pcm"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestNormalizeMissingSource(t *testing.T) {
	n := NewNormalizer(t.TempDir(), &stubTranscoder{}, logx.Nop())
	_, err := n.Normalize(context.Background(), "/nope/track.mp3")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNormalizePassthrough(t *testing.T) {
	dir := t.TempDir()
	tc := &stubTranscoder{}
	n := NewNormalizer(filepath.Join(dir, ".audio_cache"), tc, logx.Nop())

	for _, name := range []string{"a.ogg", "b.opus"} {
		src := writeAudio(t, dir, name)
		got, err := n.Normalize(context.Background(), src)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != src {
			t.Fatalf("%s must pass through unchanged, got %q", name, got)
		}
	}
	if tc.calls != 0 {
		t.Fatalf("transcoder invoked %d times for canonical inputs", tc.calls)
	}
}

func TestNormalizeCachesBySourceStem(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, ".audio_cache")
	tc := &stubTranscoder{}
	n := NewNormalizer(cache, tc, logx.Nop())

	src := writeAudio(t, dir, "track.mp3")

	first, err := n.Normalize(context.Background(), src)
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	if first != filepath.Join(cache, "track.ogg") {
		t.Fatalf("unexpected artifact path %q", first)
	}

	second, err := n.Normalize(context.Background(), src)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if second != first {
		t.Fatalf("cache hit returned %q, want %q", second, first)
	}
	if tc.calls != 1 {
		t.Fatalf("transcoder ran %d times, want 1", tc.calls)
	}
}

func TestNormalizeConversionFailure(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, ".audio_cache")
	tc := &stubTranscoder{err: &ConversionError{Src: "track.mp3", Output: "boom", Err: errors.New("exit status 1")}}
	n := NewNormalizer(cache, tc, logx.Nop())

	src := writeAudio(t, dir, "track.mp3")
	if _, err := n.Normalize(context.Background(), src); err == nil {
		t.Fatal("expected conversion failure")
	}
	if _, err := os.Stat(filepath.Join(cache, "track.ogg")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("failed conversion must not leave an artifact behind")
	}
}

func TestNormalizeTimeout(t *testing.T) {
	dir := t.TempDir()
	tc := &stubTranscoder{block: true}
	n := NewNormalizer(filepath.Join(dir, ".audio_cache"), tc, logx.Nop())
	n.SetTimeout(20 * time.Millisecond)

	src := writeAudio(t, dir, "track.mp3")
	_, err := n.Normalize(context.Background(), src)
	if !errors.Is(err, ErrConversionTimeout) {
		t.Fatalf("expected ErrConversionTimeout, got %v", err)
	}
}
