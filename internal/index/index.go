package index

import (
	"sort"
	"sync/atomic"
	"time"
)

// Entry is one pending operation as seen by the index.
type Entry struct {
	ID    string
	DueAt time.Time
}

// PendingIndex is a (DueAt, ID) ordered index of pending operations.
// It uses an atomic pointer for lock-free concurrent reads; writers build a
// new slice and swap it in, so writes must be serialized by the caller.
type PendingIndex struct {
	entries atomic.Pointer[[]Entry]
}

// NewPendingIndex creates a new index from the given entries.
// The input slice is copied and sorted, so the caller can safely reuse it.
func NewPendingIndex(entries []Entry) *PendingIndex {
	idx := &PendingIndex{}
	idx.Swap(entries)
	return idx
}

// First returns the earliest entry, ties broken by ID.
func (idx *PendingIndex) First() (Entry, bool) {
	entries := idx.entries.Load()
	if entries == nil || len(*entries) == 0 {
		return Entry{}, false
	}
	return (*entries)[0], true
}

// Insert adds an entry, keeping the order. Not safe for concurrent writers.
func (idx *PendingIndex) Insert(e Entry) {
	var current []Entry
	if p := idx.entries.Load(); p != nil {
		current = *p
	}

	pos := sort.Search(len(current), func(i int) bool {
		return !less(current[i], e)
	})

	next := make([]Entry, 0, len(current)+1)
	next = append(next, current[:pos]...)
	next = append(next, e)
	next = append(next, current[pos:]...)

	idx.entries.Store(&next)
}

// Remove deletes the entry with the given ID and due instant. It reports
// whether anything was removed. Not safe for concurrent writers.
func (idx *PendingIndex) Remove(e Entry) bool {
	p := idx.entries.Load()
	if p == nil {
		return false
	}
	current := *p

	pos := sort.Search(len(current), func(i int) bool {
		return !less(current[i], e)
	})
	if pos == len(current) || current[pos].ID != e.ID || !current[pos].DueAt.Equal(e.DueAt) {
		return false
	}

	next := make([]Entry, 0, len(current)-1)
	next = append(next, current[:pos]...)
	next = append(next, current[pos+1:]...)

	idx.entries.Store(&next)
	return true
}

// Swap atomically replaces the index contents.
// The input slice is copied and sorted, so the caller can safely reuse it.
func (idx *PendingIndex) Swap(entries []Entry) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})

	idx.entries.Store(&sorted)
}

// less orders by (DueAt, ID). Equal instants fall back to ID so iteration is
// deterministic regardless of insertion order.
func less(a, b Entry) bool {
	if a.DueAt.Equal(b.DueAt) {
		return a.ID < b.ID
	}
	return a.DueAt.Before(b.DueAt)
}
