package session

import (
	"slices"
	"strings"
	"sync"
)

// Roster is the set of remote participants currently in the room.
type Roster struct {
	mu      sync.RWMutex
	members map[string]Participant
}

func NewRoster() *Roster {
	return &Roster{members: make(map[string]Participant)}
}

// Add reports whether p was not already present.
func (r *Roster) Add(p Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.members[p.Identity]
	r.members[p.Identity] = p
	return !exists
}

// Remove reports whether identity was present.
func (r *Roster) Remove(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.members[identity]
	delete(r.members, identity)
	return exists
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Snapshot returns the members sorted by identity.
func (r *Roster) Snapshot() []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Participant) int { return strings.Compare(a.Identity, b.Identity) })
	return out
}
