package monitoring

import (
	"sync"
	"time"

	"github.com/google/btree"
)

type indexEntry struct {
	deadline time.Time
	id       string
}

func lessEntry(a, b indexEntry) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.id < b.id
}

// deadlineIndex orders sweepable monitors by deadline so a sweep only visits
// the ones that are already overdue.
type deadlineIndex struct {
	mu   sync.Mutex
	tree *btree.BTreeG[indexEntry]
	byID map[string]time.Time
}

func newDeadlineIndex() *deadlineIndex {
	return &deadlineIndex{
		tree: btree.NewG(16, lessEntry),
		byID: make(map[string]time.Time),
	}
}

// Upsert places id at deadline, replacing any previous position.
func (x *deadlineIndex) Upsert(id string, deadline time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.byID[id]; ok {
		x.tree.Delete(indexEntry{deadline: old, id: id})
	}
	x.byID[id] = deadline
	x.tree.ReplaceOrInsert(indexEntry{deadline: deadline, id: id})
}

func (x *deadlineIndex) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.byID[id]; ok {
		x.tree.Delete(indexEntry{deadline: old, id: id})
		delete(x.byID, id)
	}
}

// Due returns the ids whose deadline is strictly before now, earliest first.
func (x *deadlineIndex) Due(now time.Time) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var ids []string
	x.tree.Ascend(func(e indexEntry) bool {
		if !e.deadline.Before(now) {
			return false
		}
		ids = append(ids, e.id)
		return true
	})
	return ids
}

func (x *deadlineIndex) Deadline(id string) (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	d, ok := x.byID[id]
	return d, ok
}

func (x *deadlineIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tree.Len()
}
