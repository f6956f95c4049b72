// Package registry holds the live bot connections, keyed by bot id.
//
// The registry is owned by the app and rebuilt on start/reload; it is
// deliberately not a package-level singleton.
package registry

import (
	"sort"
	"sync"

	"castbot/internal/adapters/telegram"
	logx "castbot/pkg/logx"
)

type Registry struct {
	log logx.Logger

	mu   sync.RWMutex
	bots map[string]*telegram.Adapter
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, bots: map[string]*telegram.Adapter{}}
}

// Add registers (or replaces) the live connection for a bot id.
func (r *Registry) Add(id string, a *telegram.Adapter) {
	r.mu.Lock()
	r.bots[id] = a
	r.mu.Unlock()
	r.log.Debug("bot registered", logx.String("bot", id))
}

// Remove drops a connection. Removing an unknown id is not an error.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.bots[id]
	delete(r.bots, id)
	r.mu.Unlock()
	if ok {
		r.log.Debug("bot removed", logx.String("bot", id))
	}
}

func (r *Registry) Lookup(id string) (*telegram.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bots[id]
	return a, ok
}

// IDs returns the registered bot ids, sorted for stable iteration.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.bots))
	for id := range r.bots {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
