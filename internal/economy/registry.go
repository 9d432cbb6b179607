package economy

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry records unlocked equipment and weapon entries.
type Registry struct {
	mu       sync.Mutex
	unlocked map[string]bool
}

// NewRegistry creates an empty unlock registry.
func NewRegistry() *Registry {
	return &Registry{unlocked: make(map[string]bool)}
}

// UnlockEntry marks an entry as unlocked. Returns true when newly unlocked.
func (r *Registry) UnlockEntry(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unlocked[id] {
		return false
	}
	r.unlocked[id] = true
	slog.Info("registry entry unlocked", "entry", id)
	return true
}

// Unlocked reports whether an entry is unlocked.
func (r *Registry) Unlocked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unlocked[id]
}

// Entries returns all unlocked entries sorted.
func (r *Registry) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.unlocked))
	for id := range r.unlocked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
