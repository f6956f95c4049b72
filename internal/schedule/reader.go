package schedule

import (
	"encoding/csv"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knieriem/odf/ods"
	"github.com/xuri/excelize/v2"

	logx "castbot/pkg/logx"
)

// Reader parses named schedule sources from the data root.
//
// Sources are read fresh on every call: operators edit the files while
// the process runs, and the next trigger or manual query must see the
// edit without a restart.
type Reader struct {
	dataDir string
	log     logx.Logger
}

func NewReader(dataDir string, log logx.Logger) *Reader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reader{dataDir: dataDir, log: log}
}

func (r *Reader) DataDir() string { return r.dataDir }

// Read parses one source into its ordered entries.
//
// A missing file is not an error: it yields an empty slice with a
// logged warning. Malformed rows are dropped individually; one bad row
// never aborts the rest of the file.
func (r *Reader) Read(name string) []Entry {
	path := filepath.Join(r.dataDir, name)

	rows, err := r.readRows(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.log.Warn("schedule source missing", logx.String("source", name))
		} else {
			r.log.Warn("schedule source unreadable", logx.String("source", name), logx.Err(err))
		}
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	cols := mapColumns(rows[0])
	if cols.date < 0 || cols.path < 0 || cols.track < 0 {
		r.log.Warn("schedule source has no usable header",
			logx.String("source", name), logx.Any("header", rows[0]))
		return nil
	}

	entries := make([]Entry, 0, len(rows)-1)
	for i, row := range rows[1:] {
		e, ok := parseRow(row, cols)
		if !ok {
			r.log.Debug("schedule row skipped",
				logx.String("source", name), logx.Int("row", i+2))
			continue
		}
		entries = append(entries, e)
	}

	r.log.Debug("schedule source loaded",
		logx.String("source", name), logx.Int("entries", len(entries)))
	return entries
}

// ReadMany concatenates Read() results strictly in the order names is
// given. The ordering is load-bearing: it is the only mechanism by
// which an operator controls cross-file delivery sequencing.
func (r *Reader) ReadMany(names []string) []Entry {
	var all []Entry
	for _, name := range names {
		all = append(all, r.Read(name)...)
	}
	return all
}

func (r *Reader) readRows(path string) ([][]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSV(path)
	case ".xlsx":
		return readXLSX(path)
	case ".ods":
		return readODS(path)
	default:
		return nil, errors.New("unsupported schedule format " + filepath.Ext(path))
	}
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1 // tolerate ragged rows; parseRow drops short ones
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheet)
}

func readODS(path string) ([][]string, error) {
	f, err := ods.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc ods.Doc
	if err := f.ParseContent(&doc); err != nil {
		return nil, err
	}
	if len(doc.Table) == 0 {
		return nil, errors.New("document has no tables")
	}
	return doc.Table[0].Strings(), nil
}

// ---- Row parsing ----

// columns holds header indices; -1 means absent.
type columns struct {
	date    int
	path    int
	track   int
	enabled int
}

// mapColumns resolves the required semantic columns from the header
// row: Date, Path, Track Name, Enabled (optional).
func mapColumns(header []string) columns {
	c := columns{date: -1, path: -1, track: -1, enabled: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "date":
			c.date = i
		case "path":
			c.path = i
		case "track name", "track", "filename":
			c.track = i
		case "enabled":
			c.enabled = i
		}
	}
	return c
}

func parseRow(row []string, cols columns) (Entry, bool) {
	date := normalizeDate(cell(row, cols.date))
	path := strings.TrimSpace(cell(row, cols.path))
	track := strings.TrimSpace(cell(row, cols.track))
	if date == "" || path == "" || track == "" {
		return Entry{}, false
	}

	enabled := true
	if cols.enabled >= 0 {
		enabled = parseEnabled(cell(row, cols.enabled))
	}

	return Entry{Date: date, Path: path, Filename: track, Enabled: enabled}, true
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// dateLayouts covers the free-text forms seen in operator-edited files
// plus the formats spreadsheet tools emit for date-typed cells.
var dateLayouts = []string{
	DateLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"02.01.2006",
	"01-02-06", // excelize default short-date rendering
	"1/2/2006",
	time.RFC3339,
}

// normalizeDate coerces heterogeneous date cells (date-typed vs
// free-text vs raw spreadsheet serials) into YYYY-MM-DD. Returns ""
// when the cell cannot be understood.
func normalizeDate(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout)
		}
	}
	// Unformatted spreadsheet cells surface as day serials counted
	// from 1899-12-30.
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 1 && serial < 300000 {
		epoch := time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)
		return epoch.AddDate(0, 0, int(serial)).Format(DateLayout)
	}
	return ""
}

// parseEnabled treats only explicit falsy values as disabling a row;
// anything else (including junk) keeps the default of true.
func parseEnabled(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "false", "0", "no", "n", "off":
		return false
	default:
		return true
	}
}
