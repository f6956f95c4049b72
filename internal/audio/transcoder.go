package audio

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Transcoder converts a source audio file into the canonical OGG/Opus
// wire format. It is a capability interface so tests can substitute a
// stub without spawning a real external binary.
type Transcoder interface {
	Convert(ctx context.Context, src, dst string) error
}

const (
	defaultFFmpegBin   = "ffmpeg"
	defaultOpusBitrate = "128k"
)

// FFmpeg shells out to the ffmpeg binary.
type FFmpeg struct {
	Bin     string // defaults to "ffmpeg"
	Bitrate string // defaults to "128k"
}

func (f FFmpeg) Convert(ctx context.Context, src, dst string) error {
	bin := f.Bin
	if bin == "" {
		bin = defaultFFmpegBin
	}
	bitrate := f.Bitrate
	if bitrate == "" {
		bitrate = defaultOpusBitrate
	}

	cmd := exec.CommandContext(ctx, bin,
		"-i", src,
		"-c:a", "libopus",
		"-b:a", bitrate,
		"-y", // overwrite output
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConversionError{Src: src, Output: tailLines(stderr.String(), 6), Err: err}
	}
	return nil
}

// tailLines keeps the last n lines of process output; ffmpeg prints a
// long banner before the actual error.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
