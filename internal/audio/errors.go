package audio

import (
	"errors"
	"fmt"
)

// Terminal error classes for a single payload. None of these are
// retried: repeating them without changing the input is futile.
var (
	// ErrNotFound: the source file does not exist.
	ErrNotFound = errors.New("audio file not found")
	// ErrInvalidFormat: the file extension is outside the supported set.
	ErrInvalidFormat = errors.New("unsupported audio format")
	// ErrConversionTimeout: the external transcoder exceeded its hard deadline.
	ErrConversionTimeout = errors.New("conversion timed out")
)

// ConversionError reports a failed external transcode, carrying the
// process diagnostic output for the operator.
type ConversionError struct {
	Src    string
	Output string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("conversion of %s failed: %v: %s", e.Src, e.Err, e.Output)
	}
	return fmt.Sprintf("conversion of %s failed: %v", e.Src, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }
