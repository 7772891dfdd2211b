// Package subscription keeps the client side view of a filter set: which registry
// entries currently match, which filters delivered their initial snapshot, and the
// "everything pulled" latch.
//
// A Tracker is not safe for concurrent use. The session mutates it only inside a
// notify.Channel commit so that tracker state and queued batches change together.
package subscription

import (
	"sort"

	"mini-s2s/message"
)

type Tracker struct {
	filters    message.Filters
	generation uint64
	completed  []bool
	allPulled  bool
	pulled     map[string]struct{}

	peers map[int64]message.Meta
	// stale holds entries known before a resync that the new snapshot has not confirmed.
	stale map[int64]struct{}
}

func New() *Tracker {
	return &Tracker{
		allPulled: true,
		pulled:    make(map[string]struct{}),
		peers:     make(map[int64]message.Meta),
		stale:     make(map[int64]struct{}),
	}
}

// Reset installs a new filter set under a new generation. Pulled flags and the latch
// are cleared. Known entries that no longer match are returned as DIED.
func (t *Tracker) Reset(filters []message.SubFilter) (uint64, []message.Meta) {
	t.filters = append(message.Filters(nil), filters...)
	t.generation++
	t.completed = make([]bool, len(filters))
	t.allPulled = len(filters) == 0
	t.pulled = make(map[string]struct{})
	clear(t.stale)

	var removed []message.Meta
	for _, id := range t.sortedIDs() {
		m := t.peers[id]
		if t.filters.Match(&m) {
			continue
		}
		delete(t.peers, id)
		removed = append(removed, died(m))
	}
	return t.generation, removed
}

// Resync starts a new generation for the same filters after a reconnect. The latch and
// pulled flags are kept. Every known entry becomes stale until the new snapshot
// confirms it.
func (t *Tracker) Resync() uint64 {
	t.generation++
	t.completed = make([]bool, len(t.filters))
	for id := range t.peers {
		t.stale[id] = struct{}{}
	}
	if len(t.filters) == 0 {
		clear(t.stale)
	}
	return t.generation
}

func (t *Tracker) Generation() uint64 { return t.generation }

// Filters returns a copy of the active filter set.
func (t *Tracker) Filters() message.Filters {
	return append(message.Filters(nil), t.filters...)
}

// Apply folds a registry push into the view and returns the entries the application
// should see, in push order. Entries outside the filter set and updates older than
// what is already known are dropped. Completion marks only count for the current
// generation.
func (t *Tracker) Apply(n *message.Notify) []message.Meta {
	var out []message.Meta
	for _, m := range n.Metas {
		if !t.filters.Match(&m) {
			continue
		}
		known, ok := t.peers[m.ServerID]
		if ok && m.Timestamp < known.Timestamp {
			continue
		}
		delete(t.stale, m.ServerID)
		if m.Status == message.MetaDied {
			delete(t.peers, m.ServerID)
		} else {
			t.peers[m.ServerID] = m.Clone()
		}
		out = append(out, m.Clone())
	}

	if n.Generation != t.generation {
		return out
	}
	for _, idx := range n.Completed {
		if int(idx) >= len(t.filters) {
			continue
		}
		t.completed[idx] = true
		f := t.filters[idx]
		t.pulled[f.InterestedName] = struct{}{}
		for _, m := range t.peers {
			if f.Match(&m) {
				t.pulled[m.Name] = struct{}{}
			}
		}
	}
	if t.Complete() {
		t.allPulled = true
		for _, id := range t.sortedStale() {
			out = append(out, died(t.peers[id]))
			delete(t.peers, id)
		}
		clear(t.stale)
	}
	return out
}

// Complete reports whether every filter of the current generation delivered its
// snapshot.
func (t *Tracker) Complete() bool {
	for _, c := range t.completed {
		if !c {
			return false
		}
	}
	return true
}

// AllPulled is the latch: set once every filter of the set completed, cleared only by
// Reset.
func (t *Tracker) AllPulled() bool { return t.allPulled }

// Pulled reports whether name was covered by a completed snapshot.
func (t *Tracker) Pulled(name string) bool {
	_, ok := t.pulled[name]
	return ok
}

// Peers returns the known matching entries ordered by server id.
func (t *Tracker) Peers() []message.Meta {
	out := make([]message.Meta, 0, len(t.peers))
	for _, id := range t.sortedIDs() {
		out = append(out, t.peers[id].Clone())
	}
	return out
}

func (t *Tracker) sortedIDs() []int64 {
	ids := make([]int64, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Tracker) sortedStale() []int64 {
	ids := make([]int64, 0, len(t.stale))
	for id := range t.stale {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func died(m message.Meta) message.Meta {
	m = m.Clone()
	m.Status = message.MetaDied
	return m
}
