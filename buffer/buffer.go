// Package buffer implements the queue's fixed-capacity slot array: the
// bounded storage of envelopes with lock-free concurrent state transitions
// that the rest of the engine builds on.
package buffer

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/envelope"
)

// ErrFull is returned by Enqueue when no Empty slot is available.
var ErrFull = errors.New("buffer: full")

// slotState is the atomic token every transition CASes on. Empty, Ready,
// InFlight, and Superseded are the persistent states an envelope can be
// observed in; updating is a short-lived transient state a writer holds
// exclusively while mutating a Ready or InFlight slot's payload in place
// (dedup replace, lease renewal, supersede) so a concurrent Checkout never
// observes a half-written envelope.
type slotState int32

const (
	stateEmpty slotState = iota
	stateReady
	stateInFlight
	stateSuperseded
	stateUpdating
)

type slot struct {
	state atomic.Int32
	env   atomic.Pointer[envelope.MessageEnvelope]
}

func (s *slot) load() slotState { return slotState(s.state.Load()) }

func (s *slot) cas(from, to slotState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Buffer is the fixed-capacity, concurrency-safe slot array described by
// spec §4.1. Capacity is fixed at construction; every mutation is a
// compare-and-swap on a single slot's state token, so the common path never
// blocks on a mutex.
type Buffer struct {
	slots []slot
}

// New constructs a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{slots: make([]slot, capacity)}
}

// Capacity returns the buffer's fixed slot count.
func (b *Buffer) Capacity() int { return len(b.slots) }

// Enqueue inserts e into an Empty slot, transitioning it to Ready.
// Returns ErrFull if no Empty slot exists.
func (b *Buffer) Enqueue(e *envelope.MessageEnvelope) error {
	cp := e.Clone()
	cp.Status = envelope.Ready
	for i := range b.slots {
		s := &b.slots[i]
		if s.load() != stateEmpty {
			continue
		}
		if s.cas(stateEmpty, stateReady) {
			s.env.Store(cp)
			return nil
		}
	}
	return ErrFull
}

// Checkout atomically selects an eligible Ready envelope of the given
// message type — not superseded, past NotBefore — and transitions it to
// InFlight with a new lease. Ties on eligibility are broken by earliest
// EnqueuedAt. Returns (nil, false) when nothing is eligible; this is not an
// error condition.
func (b *Buffer) Checkout(messageType, handlerID string, leaseDuration time.Duration) (*envelope.MessageEnvelope, bool) {
	now := time.Now()

	type candidate struct {
		idx int
		env *envelope.MessageEnvelope
	}
	var candidates []candidate
	for i := range b.slots {
		s := &b.slots[i]
		if s.load() != stateReady {
			continue
		}
		e := s.env.Load()
		if e == nil || e.MessageType != messageType || !e.Eligible(now) {
			continue
		}
		candidates = append(candidates, candidate{idx: i, env: e})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].env.EnqueuedAt.Before(candidates[j].env.EnqueuedAt)
	})

	for _, c := range candidates {
		s := &b.slots[c.idx]
		if !s.cas(stateReady, stateInFlight) {
			continue // lost the race to another checkout; try the next candidate
		}
		cp := s.env.Load().Clone()
		cp.Status = envelope.InFlight
		cp.Lease = &envelope.Lease{
			HandlerID:    handlerID,
			CheckoutTime: now,
			LeaseExpiry:  now.Add(leaseDuration),
		}
		s.env.Store(cp)
		return cp.Clone(), true
	}
	return nil, false
}

// findByID scans for the slot holding messageID in one of the wanted
// states, returning its index or -1.
func (b *Buffer) findByID(messageID uuid.UUID, wanted ...slotState) int {
	for i := range b.slots {
		s := &b.slots[i]
		st := s.load()
		match := false
		for _, w := range wanted {
			if st == w {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		e := s.env.Load()
		if e != nil && e.MessageID == messageID {
			return i
		}
	}
	return -1
}

// Acknowledge transitions an InFlight or Superseded envelope to Empty,
// reclaiming its slot. Returns the removed envelope and true on success, or
// (nil, false) if messageID is not InFlight/Superseded.
func (b *Buffer) Acknowledge(messageID uuid.UUID) (*envelope.MessageEnvelope, bool) {
	return b.releaseSlot(messageID, stateInFlight, stateSuperseded)
}

// Remove transitions an InFlight or Superseded envelope to Empty without acknowledgement
// semantics; used when routing a message to the dead-letter queue.
func (b *Buffer) Remove(messageID uuid.UUID) (*envelope.MessageEnvelope, bool) {
	return b.releaseSlot(messageID, stateInFlight, stateSuperseded)
}

func (b *Buffer) releaseSlot(messageID uuid.UUID, from ...slotState) (*envelope.MessageEnvelope, bool) {
	for {
		idx := b.findByID(messageID, from...)
		if idx < 0 {
			return nil, false
		}
		s := &b.slots[idx]
		cur := s.load()
		found := false
		for _, f := range from {
			if f == cur {
				found = true
				break
			}
		}
		if !found {
			continue // state changed underneath us; rescan
		}
		if !s.cas(cur, stateEmpty) {
			continue // lost the race; rescan
		}
		e := s.env.Load()
		s.env.Store(nil)
		return e.Clone(), true
	}
}

// Requeue transitions an InFlight envelope back to Ready, applying mutate
// to let the caller (the queue manager) set retry_count and not_before.
// If the envelope was superseded while in flight, it is discarded instead
// — superseded envelopes never return to Ready (invariant I4) — and
// wasSuperseded reports that so the caller can skip retry/backoff
// bookkeeping for it.
func (b *Buffer) Requeue(messageID uuid.UUID, mutate func(*envelope.MessageEnvelope)) (result *envelope.MessageEnvelope, wasSuperseded bool, ok bool) {
	for {
		idx := b.findByID(messageID, stateInFlight, stateSuperseded)
		if idx < 0 {
			return nil, false, false
		}
		s := &b.slots[idx]
		cur := s.load()
		switch cur {
		case stateSuperseded:
			if !s.cas(stateSuperseded, stateEmpty) {
				continue
			}
			e := s.env.Load()
			s.env.Store(nil)
			return e.Clone(), true, true
		case stateInFlight:
			if !s.cas(stateInFlight, stateUpdating) {
				continue
			}
			cp := s.env.Load().Clone()
			cp.Status = envelope.Ready
			cp.Lease = nil
			cp.IsSuperseded = false
			if mutate != nil {
				mutate(cp)
			}
			s.env.Store(cp)
			s.state.Store(int32(stateReady))
			return cp.Clone(), false, true
		default:
			continue
		}
	}
}

// Replace finds the non-terminal envelope carrying deduplicationKey. If it
// is Ready, the slot is overwritten in place with newEnv (payload, metadata,
// and identity all move to the new envelope; retry_count/not_before reset)
// and ReplaceReady is returned. If it is InFlight, it is marked superseded
// in place and newEnv is inserted into a new Ready slot, and ReplaceSupersede
// is returned. If no non-terminal envelope carries the key, ReplaceNotFound
// is returned and the buffer is left untouched.
func (b *Buffer) Replace(newEnv *envelope.MessageEnvelope, deduplicationKey string) (ReplaceOutcome, error) {
	for {
		idx := -1
		for i := range b.slots {
			s := &b.slots[i]
			st := s.load()
			if st != stateReady && st != stateInFlight {
				continue
			}
			e := s.env.Load()
			if e != nil && e.DeduplicationKey == deduplicationKey {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ReplaceNotFound, nil
		}
		s := &b.slots[idx]
		cur := s.load()
		switch cur {
		case stateReady:
			if !s.cas(stateReady, stateUpdating) {
				continue
			}
			cp := newEnv.Clone()
			cp.Status = envelope.Ready
			cp.RetryCount = 0
			cp.NotBefore = time.Time{}
			cp.Lease = nil
			cp.IsSuperseded = false
			s.env.Store(cp)
			s.state.Store(int32(stateReady))
			return ReplaceReady, nil
		case stateInFlight:
			if !s.cas(stateInFlight, stateUpdating) {
				continue
			}
			cp := s.env.Load().Clone()
			cp.IsSuperseded = true
			s.env.Store(cp)
			s.state.Store(int32(stateSuperseded))
			if err := b.Enqueue(newEnv); err != nil {
				return ReplaceSupersede, err
			}
			return ReplaceSupersede, nil
		default:
			continue
		}
	}
}

// ReplaceOutcome reports which of Replace's three documented paths was taken.
type ReplaceOutcome int

const (
	ReplaceNotFound ReplaceOutcome = iota
	ReplaceReady
	ReplaceSupersede
)

// Restore writes e into any Empty slot, preserving its status and lease.
// Recovery-only: used while rehydrating state from a snapshot or journal
// replay, never on the live enqueue/checkout path.
func (b *Buffer) Restore(e *envelope.MessageEnvelope) error {
	cp := e.Clone()
	target := stateReady
	switch cp.Status {
	case envelope.InFlight:
		target = stateInFlight
	case envelope.Superseded:
		target = stateSuperseded
	}
	for i := range b.slots {
		s := &b.slots[i]
		if s.load() != stateEmpty {
			continue
		}
		if s.cas(stateEmpty, target) {
			s.env.Store(cp)
			return nil
		}
	}
	return ErrFull
}

// Get returns a clone of the envelope with messageID in any non-Empty
// state, or (nil, false) if absent.
func (b *Buffer) Get(messageID uuid.UUID) (*envelope.MessageEnvelope, bool) {
	for i := range b.slots {
		s := &b.slots[i]
		if s.load() == stateEmpty {
			continue
		}
		e := s.env.Load()
		if e != nil && e.MessageID == messageID {
			return e.Clone(), true
		}
	}
	return nil, false
}

// GetAll returns clones of every non-Empty envelope currently held,
// including InFlight and Superseded ones — used by snapshot creation and
// pending-message enumeration.
func (b *Buffer) GetAll() []*envelope.MessageEnvelope {
	out := make([]*envelope.MessageEnvelope, 0, len(b.slots))
	for i := range b.slots {
		s := &b.slots[i]
		if s.load() == stateEmpty {
			continue
		}
		e := s.env.Load()
		if e != nil {
			out = append(out, e.Clone())
		}
	}
	return out
}

// ExtendLease adds extension to the lease of an InFlight envelope,
// incrementing its extension count. Returns false if messageID is not
// currently InFlight.
func (b *Buffer) ExtendLease(messageID uuid.UUID, extension time.Duration) (*envelope.MessageEnvelope, bool) {
	for {
		idx := b.findByID(messageID, stateInFlight)
		if idx < 0 {
			return nil, false
		}
		s := &b.slots[idx]
		if !s.cas(stateInFlight, stateUpdating) {
			continue
		}
		cp := s.env.Load().Clone()
		if cp.Lease == nil {
			cp.Lease = &envelope.Lease{HandlerID: "", CheckoutTime: time.Now()}
		}
		cp.Lease.LeaseExpiry = cp.Lease.LeaseExpiry.Add(extension)
		cp.Lease.ExtensionCount++
		s.env.Store(cp)
		s.state.Store(int32(stateInFlight))
		return cp.Clone(), true
	}
}

// RemoveAny transitions the slot holding messageID to Empty regardless of
// its current state (Ready, InFlight, or Superseded). Recovery-only: the
// live operation paths above each work from a specific known state, but
// replaying a journal record must be able to clear whatever a message's
// state happens to be before restoring the record's envelope, since the
// state at replay time depends on what a prior record already applied.
func (b *Buffer) RemoveAny(messageID uuid.UUID) (*envelope.MessageEnvelope, bool) {
	return b.releaseSlot(messageID, stateReady, stateInFlight, stateSuperseded)
}

// DiscardOrSupersede transitions the slot holding messageID: a Ready slot
// is discarded outright (to Empty), an InFlight slot is marked
// Superseded. This is the effect Replace has on the prior occupant of a
// deduplication key in both of its live branches — overwrite-in-place
// for Ready, mark-and-keep for InFlight — factored out so recovery replay
// of a Replace record can reproduce it without knowing which branch the
// original live call took. Returns false if messageID is not currently
// Ready or InFlight.
func (b *Buffer) DiscardOrSupersede(messageID uuid.UUID) bool {
	for {
		idx := b.findByID(messageID, stateReady, stateInFlight)
		if idx < 0 {
			return false
		}
		s := &b.slots[idx]
		switch s.load() {
		case stateReady:
			if !s.cas(stateReady, stateEmpty) {
				continue
			}
			s.env.Store(nil)
			return true
		case stateInFlight:
			if !s.cas(stateInFlight, stateUpdating) {
				continue
			}
			cp := s.env.Load().Clone()
			cp.IsSuperseded = true
			s.env.Store(cp)
			s.state.Store(int32(stateSuperseded))
			return true
		default:
			continue
		}
	}
}

// Len returns the number of occupied (non-Empty) slots.
func (b *Buffer) Len() int {
	n := 0
	for i := range b.slots {
		if b.slots[i].load() != stateEmpty {
			n++
		}
	}
	return n
}
