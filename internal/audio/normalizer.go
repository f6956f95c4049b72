package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "castbot/pkg/logx"
)

// DefaultConvertTimeout bounds one external transcode invocation.
const DefaultConvertTimeout = 300 * time.Second

// Normalizer converts arbitrary input audio into the canonical
// OGG/Opus format required at the delivery boundary, memoizing
// converted artifacts by source file stem.
//
// Cache policy is "convert once, reuse forever": an existing artifact
// is trusted indefinitely and never invalidated here, even if the
// source file changes afterwards.
type Normalizer struct {
	cacheDir string
	tc       Transcoder
	timeout  time.Duration
	log      logx.Logger
}

func NewNormalizer(cacheDir string, tc Transcoder, log logx.Logger) *Normalizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Normalizer{
		cacheDir: cacheDir,
		tc:       tc,
		timeout:  DefaultConvertTimeout,
		log:      log,
	}
}

// SetTimeout overrides the per-conversion deadline (tests).
func (n *Normalizer) SetTimeout(d time.Duration) {
	if d > 0 {
		n.timeout = d
	}
}

// Normalize returns a path to the canonical-format rendition of src.
//
// Already-canonical inputs (.ogg/.opus) are returned unchanged. A
// cached artifact is returned without invoking the transcoder. On a
// cache miss the external transcoder runs under a hard deadline;
// exceeding it yields ErrConversionTimeout, a non-zero exit yields a
// ConversionError. The result is cached keyed by the source stem.
func (n *Normalizer) Normalize(ctx context.Context, src string) (string, error) {
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, src)
	}

	ext := strings.ToLower(filepath.Ext(src))
	if ext == ".ogg" || ext == ".opus" {
		return src, nil
	}

	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(n.cacheDir, stem+".ogg")

	if _, err := os.Stat(dst); err == nil {
		n.log.Debug("conversion cache hit", logx.String("src", src), logx.String("dst", dst))
		return dst, nil
	}

	if err := os.MkdirAll(n.cacheDir, 0o755); err != nil {
		return "", err
	}

	n.log.Info("converting to ogg/opus", logx.String("src", src))

	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	if err := n.tc.Convert(cctx, src, dst); err != nil {
		// Leave no half-written artifact behind to be trusted later.
		_ = os.Remove(dst)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s", ErrConversionTimeout, src)
		}
		return "", err
	}

	n.log.Info("conversion done",
		logx.String("src", src), logx.String("dst", dst),
		logx.Duration("took", time.Since(start)))
	return dst, nil
}
