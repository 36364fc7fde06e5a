package recovery

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/buffer"
	"github.com/oriys/durableq/dedup"
	"github.com/oriys/durableq/dlq"
	"github.com/oriys/durableq/envelope"
	"github.com/oriys/durableq/persist"
)

func newDeps(t *testing.T) (Dependencies, *persist.Persister) {
	t.Helper()
	p, err := persist.Open(persist.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return Dependencies{
		Buffer:    buffer.New(16),
		Dedup:     dedup.New(),
		DLQ:       dlq.New(16),
		Persister: p,
	}, p
}

func sampleEnv(msgType string) *envelope.MessageEnvelope {
	return &envelope.MessageEnvelope{
		MessageID:   uuid.New(),
		MessageType: msgType,
		Payload:     []byte("p"),
		Status:      envelope.Ready,
		MaxRetries:  3,
		EnqueuedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestBootstrapFreshStartIsEmpty(t *testing.T) {
	deps, _ := newDeps(t)
	result, err := Bootstrap(deps, time.Now())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if result.SequenceNumber != 0 {
		t.Fatalf("expected sequence 0 on fresh start, got %d", result.SequenceNumber)
	}
	if len(result.ExpiredLeases) != 0 {
		t.Fatalf("expected no expired leases, got %v", result.ExpiredLeases)
	}
	if deps.Buffer.Len() != 0 {
		t.Fatal("expected empty buffer on fresh start")
	}
}

func TestBootstrapReplaysEnqueueFromJournal(t *testing.T) {
	deps, p := newDeps(t)
	env := sampleEnv("T")

	err := p.WriteOperation(&envelope.OperationRecord{
		SequenceNumber: 1,
		OpCode:         envelope.OpEnqueue,
		MessageID:      env.MessageID,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		EnvelopeBytes:  envelope.EncodeEnvelope(env),
	})
	if err != nil {
		t.Fatalf("WriteOperation: %v", err)
	}

	result, err := Bootstrap(deps, time.Now())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if result.SequenceNumber != 1 {
		t.Fatalf("expected sequence 1, got %d", result.SequenceNumber)
	}
	got, ok := deps.Buffer.Get(env.MessageID)
	if !ok || got.Status != envelope.Ready {
		t.Fatalf("expected enqueued message restored as Ready: ok=%v got=%+v", ok, got)
	}
}

func TestBootstrapIsIdempotentAcrossRepeatedReplay(t *testing.T) {
	deps, p := newDeps(t)
	env := sampleEnv("T")
	env.DeduplicationKey = "k"

	if err := p.WriteOperation(&envelope.OperationRecord{
		SequenceNumber: 1,
		OpCode:         envelope.OpEnqueue,
		MessageID:      env.MessageID,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		EnvelopeBytes:  envelope.EncodeEnvelope(env),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := Bootstrap(deps, time.Now()); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if _, err := Bootstrap(deps, time.Now()); err != nil {
		t.Fatalf("second bootstrap (re-run over same state): %v", err)
	}

	if deps.Buffer.Len() != 1 {
		t.Fatalf("expected exactly one message after repeated replay, got %d", deps.Buffer.Len())
	}
	id, ok := deps.Dedup.TryGet("k")
	if !ok || id != env.MessageID {
		t.Fatalf("expected dedup index to point at the message, got %v, %v", id, ok)
	}
}

func TestBootstrapAppliesAcknowledgeRemovingTheMessage(t *testing.T) {
	deps, p := newDeps(t)
	env := sampleEnv("T")
	env.DeduplicationKey = "k"

	if err := p.WriteOperation(&envelope.OperationRecord{
		SequenceNumber: 1,
		OpCode:         envelope.OpEnqueue,
		MessageID:      env.MessageID,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		EnvelopeBytes:  envelope.EncodeEnvelope(env),
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.WriteOperation(&envelope.OperationRecord{
		SequenceNumber: 2,
		OpCode:         envelope.OpAcknowledge,
		MessageID:      env.MessageID,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
	}); err != nil {
		t.Fatal(err)
	}

	result, err := Bootstrap(deps, time.Now())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if result.SequenceNumber != 2 {
		t.Fatalf("expected sequence 2, got %d", result.SequenceNumber)
	}
	if deps.Buffer.Len() != 0 {
		t.Fatal("expected message to be gone after replaying its acknowledge")
	}
	if _, ok := deps.Dedup.TryGet("k"); ok {
		t.Fatal("expected dedup key to be cleared after acknowledge replay")
	}
}

func TestBootstrapFromSnapshotThenReplaysNewerJournalRecords(t *testing.T) {
	deps, p := newDeps(t)
	snapEnv := sampleEnv("T")
	snap := &envelope.QueueSnapshot{
		Version:   5,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Capacity:  16,
		Messages:  []*envelope.MessageEnvelope{snapEnv},
	}
	if err := p.CreateSnapshot(snap); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	newEnv := sampleEnv("T")
	if err := p.WriteOperation(&envelope.OperationRecord{
		SequenceNumber: 6,
		OpCode:         envelope.OpEnqueue,
		MessageID:      newEnv.MessageID,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		EnvelopeBytes:  envelope.EncodeEnvelope(newEnv),
	}); err != nil {
		t.Fatal(err)
	}

	result, err := Bootstrap(deps, time.Now())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if result.SequenceNumber != 6 {
		t.Fatalf("expected sequence 6, got %d", result.SequenceNumber)
	}
	if deps.Buffer.Len() != 2 {
		t.Fatalf("expected both the snapshotted and the replayed message, got %d", deps.Buffer.Len())
	}
}

func TestBootstrapReportsExpiredLeasesForRequeue(t *testing.T) {
	deps, p := newDeps(t)
	env := sampleEnv("T")
	env.Status = envelope.InFlight
	env.Lease = &envelope.Lease{
		HandlerID:    "worker-1",
		CheckoutTime: time.Now().Add(-time.Hour),
		LeaseExpiry:  time.Now().Add(-time.Minute),
	}
	snap := &envelope.QueueSnapshot{
		Version:   1,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Capacity:  16,
		Messages:  []*envelope.MessageEnvelope{env},
	}
	if err := p.CreateSnapshot(snap); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	result, err := Bootstrap(deps, time.Now())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(result.ExpiredLeases) != 1 || result.ExpiredLeases[0].Envelope.MessageID != env.MessageID {
		t.Fatalf("expected the stale lease to be reported, got %+v", result.ExpiredLeases)
	}
}

func TestBootstrapReplaysReplaceSupersedingPriorMessage(t *testing.T) {
	deps, p := newDeps(t)
	original := sampleEnv("T")
	original.DeduplicationKey = "k"
	original.Status = envelope.InFlight
	original.Lease = &envelope.Lease{HandlerID: "w", CheckoutTime: time.Now(), LeaseExpiry: time.Now().Add(time.Minute)}

	if err := p.WriteOperation(&envelope.OperationRecord{
		SequenceNumber: 1,
		OpCode:         envelope.OpEnqueue,
		MessageID:      original.MessageID,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		EnvelopeBytes:  envelope.EncodeEnvelope(original),
	}); err != nil {
		t.Fatal(err)
	}

	replacement := sampleEnv("T")
	replacement.DeduplicationKey = "k"
	if err := p.WriteOperation(&envelope.OperationRecord{
		SequenceNumber: 2,
		OpCode:         envelope.OpReplace,
		MessageID:      replacement.MessageID,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		EnvelopeBytes:  envelope.EncodeEnvelope(replacement),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := Bootstrap(deps, time.Now()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	orig, ok := deps.Buffer.Get(original.MessageID)
	if !ok || !orig.IsSuperseded {
		t.Fatalf("expected original InFlight message to be marked superseded: ok=%v got=%+v", ok, orig)
	}
	repl, ok := deps.Buffer.Get(replacement.MessageID)
	if !ok || repl.Status != envelope.Ready {
		t.Fatalf("expected replacement message present and Ready: ok=%v got=%+v", ok, repl)
	}
	id, ok := deps.Dedup.TryGet("k")
	if !ok || id != replacement.MessageID {
		t.Fatalf("expected dedup index to point at the replacement, got %v, %v", id, ok)
	}
}
