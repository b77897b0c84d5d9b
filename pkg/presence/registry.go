// Package presence mirrors the roster of connected users the server pushes.
package presence

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/conn"
	"github.com/mahaj/ichat/pkg/metrics"
	"github.com/mahaj/ichat/pkg/model"
)

// Registry holds the last roster snapshot. Every update replaces it whole.
type Registry struct {
	mu     sync.RWMutex
	roster []model.PresenceEntry

	subMu   sync.Mutex
	nextID  uint64
	changes map[uint64]func([]model.PresenceEntry)
}

func NewRegistry() *Registry {
	return &Registry{
		roster:  []model.PresenceEntry{},
		changes: map[uint64]func([]model.PresenceEntry){},
	}
}

// Replace installs list as the roster.
func (r *Registry) Replace(list []model.PresenceEntry) {
	next := make([]model.PresenceEntry, len(list))
	copy(next, list)

	r.mu.Lock()
	r.roster = next
	r.mu.Unlock()
	metrics.RosterSize.Set(float64(len(next)))

	r.subMu.Lock()
	fns := make([]func([]model.PresenceEntry), 0, len(r.changes))
	for _, fn := range r.changes {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	for _, fn := range fns {
		fn(r.Roster())
	}
}

// Roster returns a copy of the current snapshot.
func (r *Registry) Roster() []model.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.PresenceEntry, len(r.roster))
	copy(out, r.roster)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roster)
}

// Usernames lists the distinct names on the roster in roster order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.roster))
	out := make([]string, 0, len(r.roster))
	for _, e := range r.roster {
		if e.Username == "" || seen[e.Username] {
			continue
		}
		seen[e.Username] = true
		out = append(out, e.Username)
	}
	return out
}

// OnChange registers fn to receive every new roster.
func (r *Registry) OnChange(fn func([]model.PresenceEntry)) (unsubscribe func()) {
	r.subMu.Lock()
	r.nextID++
	id := r.nextID
	r.changes[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.changes, id)
		r.subMu.Unlock()
	}
}

// HandleRoster applies a raw connected-users payload. Payloads that do not
// decode leave the roster as it was.
func (r *Registry) HandleRoster(data json.RawMessage) {
	var list []model.PresenceEntry
	if err := json.Unmarshal(data, &list); err != nil {
		log.Warn().Err(err).Str("component", "presence").Msg("ignoring malformed roster")
		return
	}
	r.Replace(list)
}

// Attach follows the connected-users event on src.
func (r *Registry) Attach(src conn.Subscriber) {
	src.On(model.EventConnectedUsers, r.HandleRoster)
}

// Reset empties the roster, as when the session ends.
func (r *Registry) Reset() {
	r.Replace(nil)
}
