package schedule

import "time"

// Resolver filters schedule sources down to the entries due on a given
// calendar date.
type Resolver struct {
	reader *Reader
}

func NewResolver(reader *Reader) *Resolver {
	return &Resolver{reader: reader}
}

// Resolve returns the enabled entries matching date (YYYY-MM-DD),
// preserving source-list order and within-source row order. No match
// is an empty slice, never an error.
func (r *Resolver) Resolve(sources []string, date string) []Entry {
	all := r.reader.ReadMany(sources)
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Enabled && e.Date == date {
			out = append(out, e)
		}
	}
	return out
}

// ResolveOn is Resolve bound to the calendar date of now. The caller
// supplies the clock already shifted into the scheduling timezone; this
// component never picks a timezone on its own.
func (r *Resolver) ResolveOn(sources []string, now time.Time) []Entry {
	return r.Resolve(sources, now.Format(DateLayout))
}
