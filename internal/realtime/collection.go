package realtime

import "sync"

// Collection is an ordered, id-keyed set of rows backing a rendered list.
// The Apply methods implement the reconciliation contract for an
// at-least-once channel: every operation is idempotent, so replaying the
// same logical event leaves the collection unchanged.
type Collection[T any] struct {
	mu    sync.Mutex
	key   func(T) string
	items []T
	index map[string]int
}

// NewCollection creates an empty collection keyed by the given function,
// typically the row's primary id rendered as a string.
func NewCollection[T any](key func(T) string) *Collection[T] {
	return &Collection[T]{
		key:   key,
		index: make(map[string]int),
	}
}

// ApplyCreated appends the item unless one with the same key already exists;
// duplicates and replays are dropped.
func (c *Collection[T]) ApplyCreated(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.key(item)
	if _, ok := c.index[k]; ok {
		return
	}
	c.appendLocked(k, item)
}

// ApplyUpdated replaces the item with the same key. An unknown key is
// treated as an implicit insert: the row just transitioned into this view's
// filter criteria.
func (c *Collection[T]) ApplyUpdated(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.key(item)
	if i, ok := c.index[k]; ok {
		c.items[i] = item
		return
	}
	c.appendLocked(k, item)
}

// ApplyDeleted removes the item with the same key; absent keys are a no-op.
func (c *Collection[T]) ApplyDeleted(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.key(item)
	i, ok := c.index[k]
	if !ok {
		return
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	delete(c.index, k)
	for j := i; j < len(c.items); j++ {
		c.index[c.key(c.items[j])] = j
	}
}

// Replace swaps the whole contents for a freshly fetched authoritative list,
// e.g. after a reconnect.
func (c *Collection[T]) Replace(items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make([]T, 0, len(items))
	c.index = make(map[string]int, len(items))
	for _, item := range items {
		k := c.key(item)
		if _, ok := c.index[k]; ok {
			continue
		}
		c.appendLocked(k, item)
	}
}

// Get returns the item stored under the key, if any.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[key]; ok {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// Len returns the number of items held.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Snapshot returns a copy of the items in insertion order.
func (c *Collection[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Collection[T]) appendLocked(key string, item T) {
	c.index[key] = len(c.items)
	c.items = append(c.items, item)
}
