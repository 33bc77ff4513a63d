package ledger

import (
	"slices"
	"sync"
)

// =============================================================================
// PER-USER LOCKS
// =============================================================================

// Locks serializes read-modify-write sequences per user. There is no lock
// over the whole ledger: operations on disjoint users run in parallel.
//
// Acquire takes every requested user in ascending id order, so two transfers
// between the same pair of users in opposite directions cannot deadlock.
// Entries are dropped once nobody holds or waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[UserID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[UserID]*lockEntry)}
}

// Acquire locks ids (duplicates ignored) and returns the release function.
func (l *Locks) Acquire(ids ...UserID) (release func()) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	held := make([]*lockEntry, 0, len(ordered))
	for _, id := range ordered {
		e := l.ref(id)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.unref(ordered[i])
			}
		})
	}
}

func (l *Locks) ref(id UserID) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	return e
}

func (l *Locks) unref(id UserID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[id]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
}

// Len returns the number of users currently locked or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
