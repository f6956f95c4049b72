package schedule

import "path/filepath"

// DateLayout is the canonical calendar-date form used everywhere in
// the schedule pipeline.
const DateLayout = "2006-01-02"

// Entry is one parsed schedule row. Immutable once parsed; identity is
// structural, duplicates across sources are delivered twice.
type Entry struct {
	// Date is the canonical YYYY-MM-DD calendar date.
	Date string
	// Path is the directory fragment relative to the data root.
	Path string
	// Filename is the track file name, extension included.
	Filename string
	Enabled  bool
}

// FullPath joins data-root / path / filename into the delivery path.
func (e Entry) FullPath(dataDir string) string {
	return filepath.Join(dataDir, e.Path, e.Filename)
}
