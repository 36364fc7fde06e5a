// Package dlq implements the dead-letter store: the bounded, ordered
// collection of envelopes that have exhausted their retries or were
// explicitly rejected (spec §4.6).
package dlq

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/envelope"
)

// ErrNotFound reports that a message_id is not present in the store.
// The Store's own lookups (Get, Remove) report a missing entry with a
// false result rather than this error.
var ErrNotFound = errors.New("dlq: message not found")

// Store is a bounded, in-memory ordered collection of
// envelope.DeadLetterEnvelope. It is safe for concurrent use.
//
// Bounded means a hard capacity: once full, the earliest-added entry
// (after Restore, the one with the oldest failure_timestamp) is evicted
// to make room for a new one, so a
// misbehaving handler that floods the DLQ cannot grow it without limit.
type Store struct {
	mu       sync.RWMutex
	capacity int
	order    []uuid.UUID // insertion order, oldest first
	byID     map[uuid.UUID]*envelope.DeadLetterEnvelope
}

// New constructs a Store with the given capacity. A non-positive
// capacity means unbounded.
func New(capacity int) *Store {
	return &Store{
		capacity: capacity,
		byID:     make(map[uuid.UUID]*envelope.DeadLetterEnvelope),
	}
}

// Len returns the number of entries currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Add appends d to the store, evicting the oldest entry first if the
// store is at capacity.
func (s *Store) Add(d *envelope.DeadLetterEnvelope) {
	cp := d.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}
	s.order = append(s.order, cp.MessageID)
	s.byID[cp.MessageID] = cp
}

// Get returns the dead-letter envelope for messageID, if present.
func (s *Store) Get(messageID uuid.UUID) (*envelope.DeadLetterEnvelope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[messageID]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// GetMessages returns up to limit dead-letter envelopes, newest first,
// optionally filtered to a single message type. limit <= 0 means
// unbounded.
func (s *Store) GetMessages(messageType string, limit int) []*envelope.DeadLetterEnvelope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*envelope.DeadLetterEnvelope, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		d := s.byID[s.order[i]]
		if d == nil {
			continue
		}
		if messageType != "" && d.MessageType != messageType {
			continue
		}
		out = append(out, d.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Remove deletes messageID from the store, returning the removed
// envelope and true, or (nil, false) if it was not present.
func (s *Store) Remove(messageID uuid.UUID) (*envelope.DeadLetterEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[messageID]
	if !ok {
		return nil, false
	}
	delete(s.byID, messageID)
	for i, id := range s.order {
		if id == messageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return d, true
}

// Purge removes every entry whose FailureTimestamp is older than
// now - olderThan. olderThan == 0 purges everything. Returns the
// number of entries removed.
func (s *Store) Purge(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if olderThan == 0 {
		n := len(s.order)
		s.order = nil
		s.byID = make(map[uuid.UUID]*envelope.DeadLetterEnvelope)
		return n
	}

	cutoff := time.Now().Add(-olderThan)
	kept := s.order[:0:0]
	removed := 0
	for _, id := range s.order {
		d := s.byID[id]
		if d != nil && d.FailureTimestamp.Before(cutoff) {
			delete(s.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// Metrics summarizes the store's current contents.
type Metrics struct {
	TotalCount          int
	OldestFailureTime   time.Time
	CountsByMessageType map[string]int
	CountsByReason      map[string]int
}

// Metrics computes a point-in-time summary over the store's contents.
func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := Metrics{
		TotalCount:          len(s.order),
		CountsByMessageType: make(map[string]int),
		CountsByReason:      make(map[string]int),
	}
	for _, id := range s.order {
		d := s.byID[id]
		if d == nil {
			continue
		}
		m.CountsByMessageType[d.MessageType]++
		m.CountsByReason[d.FailureReason]++
		if m.OldestFailureTime.IsZero() || d.FailureTimestamp.Before(m.OldestFailureTime) {
			m.OldestFailureTime = d.FailureTimestamp
		}
	}
	return m
}

// Snapshot returns every dead-letter envelope currently stored, oldest
// first, for inclusion in a persistence snapshot.
func (s *Store) Snapshot() []*envelope.DeadLetterEnvelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*envelope.DeadLetterEnvelope, 0, len(s.order))
	for _, id := range s.order {
		if d := s.byID[id]; d != nil {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Restore replaces the store's contents wholesale with entries,
// ordered by FailureTimestamp (oldest first), used when rehydrating
// from a snapshot during recovery.
func (s *Store) Restore(entries []*envelope.DeadLetterEnvelope) {
	sorted := make([]*envelope.DeadLetterEnvelope, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FailureTimestamp.Before(sorted[j].FailureTimestamp)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = s.order[:0]
	s.byID = make(map[uuid.UUID]*envelope.DeadLetterEnvelope, len(sorted))
	for _, d := range sorted {
		cp := d.Clone()
		s.order = append(s.order, cp.MessageID)
		s.byID[cp.MessageID] = cp
	}
}
