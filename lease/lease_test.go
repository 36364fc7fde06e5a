package lease

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/envelope"
)

type fakeQueue struct {
	mu       sync.Mutex
	inFlight map[uuid.UUID]*envelope.MessageEnvelope
	requeued []uuid.UUID
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{inFlight: make(map[uuid.UUID]*envelope.MessageEnvelope)}
}

func (f *fakeQueue) put(e *envelope.MessageEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[e.MessageID] = e
}

func (f *fakeQueue) list() []*envelope.MessageEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*envelope.MessageEnvelope, 0, len(f.inFlight))
	for _, e := range f.inFlight {
		out = append(out, e)
	}
	return out
}

func (f *fakeQueue) requeue(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, id)
	delete(f.inFlight, id)
}

func (f *fakeQueue) requeuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requeued)
}

func (f *fakeQueue) extend(id uuid.UUID, extension time.Duration) (*envelope.MessageEnvelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.inFlight[id]
	if !ok {
		return nil, false
	}
	e.Lease.LeaseExpiry = e.Lease.LeaseExpiry.Add(extension)
	e.Lease.ExtensionCount++
	return e, true
}

func TestStartTwiceFails(t *testing.T) {
	q := newFakeQueue()
	m := New(Config{IdleInterval: time.Second}, q.list, q.requeue, q.extend)
	if err := m.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer m.Stop()
	if err := m.Start(); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning on second Start, got %v", err)
	}
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	q := newFakeQueue()
	m := New(Config{}, q.list, q.requeue, q.extend)
	m.Stop()
	m.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	q := newFakeQueue()
	m := New(Config{IdleInterval: time.Second}, q.list, q.requeue, q.extend)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	m.Stop()
}

func TestSweepRequeuesExpiredLease(t *testing.T) {
	q := newFakeQueue()
	id := uuid.New()
	q.put(&envelope.MessageEnvelope{
		MessageID: id,
		Status:    envelope.InFlight,
		Lease: &envelope.Lease{
			HandlerID:   "w",
			LeaseExpiry: time.Now().Add(-time.Minute),
		},
	})

	m := New(Config{IdleInterval: floorInterval}, q.list, q.requeue, q.extend)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if q.requeuedCount() == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected expired lease to be requeued, got %d requeues", q.requeuedCount())
}

func TestExtendLeaseDelegatesToQueue(t *testing.T) {
	q := newFakeQueue()
	id := uuid.New()
	expiry := time.Now().Add(time.Minute)
	q.put(&envelope.MessageEnvelope{
		MessageID: id,
		Status:    envelope.InFlight,
		Lease:     &envelope.Lease{HandlerID: "w", LeaseExpiry: expiry},
	})

	m := New(Config{IdleInterval: time.Second}, q.list, q.requeue, q.extend)
	got, ok := m.ExtendLease(id, 30*time.Second)
	if !ok {
		t.Fatal("expected ExtendLease to succeed")
	}
	if !got.Lease.LeaseExpiry.Equal(expiry.Add(30 * time.Second)) {
		t.Fatalf("expected extended expiry, got %v", got.Lease.LeaseExpiry)
	}
	if got.Lease.ExtensionCount != 1 {
		t.Fatalf("expected extension count 1, got %d", got.Lease.ExtensionCount)
	}
}

func TestCeilingIsClampedToTenSeconds(t *testing.T) {
	q := newFakeQueue()
	m := New(Config{IdleInterval: time.Hour}, q.list, q.requeue, q.extend)
	if m.ceiling != defaultCeiling {
		t.Fatalf("expected ceiling clamped to %v, got %v", defaultCeiling, m.ceiling)
	}
}

func TestCeilingFloorsAtOneSecond(t *testing.T) {
	q := newFakeQueue()
	m := New(Config{IdleInterval: time.Millisecond}, q.list, q.requeue, q.extend)
	if m.ceiling != floorInterval {
		t.Fatalf("expected ceiling floored to %v, got %v", floorInterval, m.ceiling)
	}
}
