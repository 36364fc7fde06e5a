// Package dedup implements the queue's deduplication index: the mapping
// from a caller-supplied deduplication key to the message currently
// carrying it (spec §4.2).
package dedup

import (
	"sync"

	"github.com/google/uuid"
)

// Index maps deduplication_key to the id of the message currently
// carrying it. Reads take a shared lock and return a copied value, so
// callers never observe a torn uuid.UUID; writes are serialized by the
// queue manager's per-key replace flow, so a plain mutex (rather than
// anything lock-free) is the right tool here — unlike the buffer's slot
// array, there is no hot uncontended path to protect.
type Index struct {
	mu  sync.RWMutex
	ids map[string]uuid.UUID
}

// New constructs an empty Index.
func New() *Index {
	return &Index{ids: make(map[string]uuid.UUID)}
}

// TryGet returns the message id currently registered for key, if any.
func (idx *Index) TryGet(key string) (uuid.UUID, bool) {
	if key == "" {
		return uuid.UUID{}, false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	id, ok := idx.ids[key]
	return id, ok
}

// TryAdd registers messageID under key only if key is not already
// present. Reports whether the key was newly added.
func (idx *Index) TryAdd(key string, messageID uuid.UUID) bool {
	if key == "" {
		return false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.ids[key]; exists {
		return false
	}
	idx.ids[key] = messageID
	return true
}

// Update replaces the mapping for key unconditionally, registering it if
// absent. Used by the queue manager's replace flow, which has already
// established under its own serialization that the overwrite is correct
// regardless of what (if anything) was previously registered.
func (idx *Index) Update(key string, messageID uuid.UUID) {
	if key == "" {
		return
	}
	idx.mu.Lock()
	idx.ids[key] = messageID
	idx.mu.Unlock()
}

// Remove deletes the mapping for key, if present. A no-op otherwise.
func (idx *Index) Remove(key string) {
	if key == "" {
		return
	}
	idx.mu.Lock()
	delete(idx.ids, key)
	idx.mu.Unlock()
}

// RemoveIfMatches deletes the mapping for key only if it currently points
// at messageID, leaving a newer registration (from a since-applied
// replace) untouched. Used when releasing a message that may have been
// superseded between checkout and completion.
func (idx *Index) RemoveIfMatches(key string, messageID uuid.UUID) {
	if key == "" {
		return
	}
	idx.mu.Lock()
	if cur, ok := idx.ids[key]; ok && cur == messageID {
		delete(idx.ids, key)
	}
	idx.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the full key to message id
// mapping, for inclusion in a persistence snapshot.
func (idx *Index) Snapshot() map[string]uuid.UUID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]uuid.UUID, len(idx.ids))
	for k, v := range idx.ids {
		out[k] = v
	}
	return out
}

// Restore replaces the index's contents wholesale with snapshot,
// used when rehydrating state during recovery.
func (idx *Index) Restore(snapshot map[string]uuid.UUID) {
	idx.mu.Lock()
	idx.ids = make(map[string]uuid.UUID, len(snapshot))
	for k, v := range snapshot {
		idx.ids[k] = v
	}
	idx.mu.Unlock()
}

// Len returns the number of keys currently registered.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ids)
}
