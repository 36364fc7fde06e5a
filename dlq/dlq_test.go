package dlq

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/envelope"
)

func sampleEntry(msgType, reason string, failedAt time.Time) *envelope.DeadLetterEnvelope {
	d := &envelope.DeadLetterEnvelope{
		MessageEnvelope: envelope.MessageEnvelope{
			MessageID:   uuid.New(),
			MessageType: msgType,
			Status:      envelope.DeadLetter,
			EnqueuedAt:  failedAt,
		},
		FailureReason:    reason,
		FailureTimestamp: failedAt,
	}
	return d
}

func TestAddAndGet(t *testing.T) {
	s := New(10)
	d := sampleEntry("T", "timeout", time.Now())
	s.Add(d)

	got, ok := s.Get(d.MessageID)
	if !ok || got.MessageID != d.MessageID {
		t.Fatalf("Get failed: ok=%v got=%+v", ok, got)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := New(2)
	now := time.Now()
	first := sampleEntry("T", "r1", now.Add(-2*time.Minute))
	second := sampleEntry("T", "r2", now.Add(-1*time.Minute))
	third := sampleEntry("T", "r3", now)

	s.Add(first)
	s.Add(second)
	s.Add(third)

	if _, ok := s.Get(first.MessageID); ok {
		t.Fatal("expected oldest entry to be evicted at capacity")
	}
	if _, ok := s.Get(second.MessageID); !ok {
		t.Fatal("expected second entry to survive")
	}
	if _, ok := s.Get(third.MessageID); !ok {
		t.Fatal("expected third entry to survive")
	}
}

func TestGetMessagesFiltersByTypeAndLimitsNewestFirst(t *testing.T) {
	s := New(10)
	now := time.Now()
	a := sampleEntry("A", "x", now.Add(-time.Minute))
	b := sampleEntry("B", "x", now.Add(-30*time.Second))
	c := sampleEntry("A", "x", now)
	s.Add(a)
	s.Add(b)
	s.Add(c)

	onlyA := s.GetMessages("A", 0)
	if len(onlyA) != 2 {
		t.Fatalf("expected 2 type-A entries, got %d", len(onlyA))
	}
	if onlyA[0].MessageID != c.MessageID {
		t.Fatalf("expected newest-first ordering, got %+v", onlyA)
	}

	limited := s.GetMessages("", 1)
	if len(limited) != 1 || limited[0].MessageID != c.MessageID {
		t.Fatalf("expected limit to return only the newest entry, got %+v", limited)
	}
}

func TestRemove(t *testing.T) {
	s := New(10)
	d := sampleEntry("T", "x", time.Now())
	s.Add(d)

	removed, ok := s.Remove(d.MessageID)
	if !ok || removed.MessageID != d.MessageID {
		t.Fatalf("Remove failed: ok=%v removed=%+v", ok, removed)
	}
	if _, ok := s.Remove(d.MessageID); ok {
		t.Fatal("expected second Remove of same id to fail")
	}
}

func TestPurgeOlderThan(t *testing.T) {
	s := New(10)
	now := time.Now()
	old := sampleEntry("T", "x", now.Add(-time.Hour))
	recent := sampleEntry("T", "x", now)
	s.Add(old)
	s.Add(recent)

	removed := s.Purge(30 * time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 entry purged, got %d", removed)
	}
	if _, ok := s.Get(old.MessageID); ok {
		t.Fatal("expected old entry to be purged")
	}
	if _, ok := s.Get(recent.MessageID); !ok {
		t.Fatal("expected recent entry to survive")
	}
}

func TestPurgeZeroPurgesAll(t *testing.T) {
	s := New(10)
	s.Add(sampleEntry("T", "x", time.Now()))
	s.Add(sampleEntry("T", "x", time.Now()))

	if removed := s.Purge(0); removed != 2 {
		t.Fatalf("expected 2 entries purged, got %d", removed)
	}
	if s.Metrics().TotalCount != 0 {
		t.Fatal("expected store to be empty after zero-duration purge")
	}
}

func TestMetrics(t *testing.T) {
	s := New(10)
	now := time.Now()
	s.Add(sampleEntry("A", "timeout", now.Add(-time.Minute)))
	s.Add(sampleEntry("A", "timeout", now))
	s.Add(sampleEntry("B", "explicit", now))

	m := s.Metrics()
	if m.TotalCount != 3 {
		t.Fatalf("expected total 3, got %d", m.TotalCount)
	}
	if m.CountsByMessageType["A"] != 2 || m.CountsByMessageType["B"] != 1 {
		t.Fatalf("unexpected type counts: %+v", m.CountsByMessageType)
	}
	if m.CountsByReason["timeout"] != 2 || m.CountsByReason["explicit"] != 1 {
		t.Fatalf("unexpected reason counts: %+v", m.CountsByReason)
	}
	if !m.OldestFailureTime.Equal(now.Add(-time.Minute)) {
		t.Fatalf("unexpected oldest failure time: %v", m.OldestFailureTime)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	s := New(10)
	now := time.Now()
	a := sampleEntry("A", "x", now.Add(-time.Minute))
	b := sampleEntry("B", "x", now)
	s.Add(a)
	s.Add(b)

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries in snapshot, got %d", len(snap))
	}

	restored := New(10)
	restored.Restore(snap)
	if restored.Metrics().TotalCount != 2 {
		t.Fatal("expected restored store to have 2 entries")
	}
	msgs := restored.GetMessages("", 0)
	if msgs[0].MessageID != b.MessageID {
		t.Fatalf("expected newest-first order preserved after restore, got %+v", msgs)
	}
}
