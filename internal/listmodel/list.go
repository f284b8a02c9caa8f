// Package listmodel provides an ordered list that reports every mutation as
// a single splice: items removed and added at one position.
package listmodel

import (
	"slices"
	"sync"
)

// Change describes one splice: Removed items starting at Position were
// replaced by Added new items.
type Change struct {
	Position int
	Removed  int
	Added    int
}

// List is safe for concurrent reads. Writers are expected to be serialized
// by the caller; subscribers run synchronously on the writer's goroutine,
// after the list lock is released.
type List[T any] struct {
	same func(a, b T) bool

	mu    sync.RWMutex
	items []T

	subMu   sync.Mutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// New creates an empty list. same reports whether two items are the same
// element; Replace uses it to keep unchanged runs out of the change.
func New[T any](same func(a, b T) bool) *List[T] {
	return &List[T]{same: same, subs: make(map[uint64]func(Change))}
}

func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

func (l *List[T]) At(i int) T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.items[i]
}

// Items returns a copy of the current contents.
func (l *List[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Find returns the first item matching fn and its index, or -1.
func (l *List[T]) Find(fn func(T) bool) (T, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, item := range l.items {
		if fn(item) {
			return item, i
		}
	}
	var zero T
	return zero, -1
}

// Splice removes removed items at pos and inserts added there.
func (l *List[T]) Splice(pos, removed int, added ...T) {
	if removed == 0 && len(added) == 0 {
		return
	}
	l.mu.Lock()
	if pos < 0 || removed < 0 || pos+removed > len(l.items) {
		l.mu.Unlock()
		panic("listmodel: splice out of range")
	}
	next := make([]T, 0, len(l.items)-removed+len(added))
	next = append(next, l.items[:pos]...)
	next = append(next, added...)
	next = append(next, l.items[pos+removed:]...)
	l.items = next
	l.mu.Unlock()

	l.notify(Change{Position: pos, Removed: removed, Added: len(added)})
}

// Replace swaps the contents for items and emits at most one change,
// covering the span between the common prefix and the common suffix.
func (l *List[T]) Replace(items []T) (Change, bool) {
	l.mu.Lock()
	old := l.items
	prefix := 0
	for prefix < len(old) && prefix < len(items) && l.same(old[prefix], items[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(items)-prefix &&
		l.same(old[len(old)-1-suffix], items[len(items)-1-suffix]) {
		suffix++
	}
	change := Change{
		Position: prefix,
		Removed:  len(old) - prefix - suffix,
		Added:    len(items) - prefix - suffix,
	}
	if change.Removed == 0 && change.Added == 0 {
		l.mu.Unlock()
		return change, false
	}
	next := make([]T, len(items))
	copy(next, items)
	l.items = next
	l.mu.Unlock()

	l.notify(change)
	return change, true
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (l *List[T]) Subscribe(fn func(Change)) func() {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subMu.Unlock()
	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *List[T]) notify(c Change) {
	l.subMu.Lock()
	ids := make([]uint64, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Change), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.subs[id])
	}
	l.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
