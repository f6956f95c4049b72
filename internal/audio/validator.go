package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SupportedFormats is the extension allowlist for source payloads.
var SupportedFormats = map[string]bool{
	".mp3": true,
	".ogg": true,
	".wav": true,
	".m4a": true,
}

// Validator checks payload files before any network or transcode work.
type Validator struct{}

// Verify returns ErrNotFound for a missing file and ErrInvalidFormat
// for an extension outside the supported set.
func (Validator) Verify(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return err
	}
	if !SupportedFormats[strings.ToLower(filepath.Ext(path))] {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, path)
	}
	return nil
}

// ListFiles returns all supported audio files under dir, recursively.
// Used by the upload/management collaborator.
func (Validator) ListFiles(dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if SupportedFormats[strings.ToLower(filepath.Ext(path))] {
			out = append(out, path)
		}
		return nil
	})
	return out
}
