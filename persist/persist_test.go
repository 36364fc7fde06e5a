package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/envelope"
)

func sampleRecord(seq int64, op envelope.OpCode) *envelope.OperationRecord {
	return &envelope.OperationRecord{
		SequenceNumber: seq,
		OpCode:         op,
		MessageID:      uuid.New(),
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func sampleSnapshot(version int64) *envelope.QueueSnapshot {
	id := uuid.New()
	return &envelope.QueueSnapshot{
		Version:   version,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Capacity:  16,
		Messages: []*envelope.MessageEnvelope{
			{
				MessageID:   id,
				MessageType: "T",
				Payload:     []byte("hello"),
				Status:      envelope.Ready,
				MaxRetries:  3,
				EnqueuedAt:  time.Now().UTC().Truncate(time.Millisecond),
			},
		},
		DeduplicationIndex: map[string]uuid.UUID{"k": id},
	}
}

func TestWriteAndReplayJournal(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Dir: dir, SyncEveryWrite: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	for i := int64(1); i <= 5; i++ {
		if err := p.WriteOperation(sampleRecord(i, envelope.OpAcknowledge)); err != nil {
			t.Fatalf("WriteOperation %d: %v", i, err)
		}
	}

	var replayed []int64
	err = p.ReplayJournal(0, func(rec *envelope.OperationRecord) error {
		replayed = append(replayed, rec.SequenceNumber)
		return nil
	}, func(e error) {
		t.Fatalf("unexpected corruption: %v", e)
	})
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if len(replayed) != 5 {
		t.Fatalf("expected 5 replayed records, got %d: %v", len(replayed), replayed)
	}
	for i, seq := range replayed {
		if seq != int64(i+1) {
			t.Fatalf("expected sequence order 1..5, got %v", replayed)
		}
	}
}

func TestReplaySinceVersionSkipsOlderRecords(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	for i := int64(1); i <= 5; i++ {
		if err := p.WriteOperation(sampleRecord(i, envelope.OpAcknowledge)); err != nil {
			t.Fatal(err)
		}
	}

	var replayed []int64
	err = p.ReplayJournal(3, func(rec *envelope.OperationRecord) error {
		replayed = append(replayed, rec.SequenceNumber)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if len(replayed) != 2 || replayed[0] != 4 || replayed[1] != 5 {
		t.Fatalf("expected only sequences 4,5, got %v", replayed)
	}
}

func TestReplayStopsAtCorruptRecordWithoutSkippingPast(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		if err := p.WriteOperation(sampleRecord(i, envelope.OpAcknowledge)); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// Corrupt a byte in the middle of the file — inside the second record's
	// payload — so its CRC check fails.
	path := filepath.Join(dir, "journal.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corruptAt := len(data) / 2
	data[corruptAt] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	p2, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	var replayed []int64
	corruptSeen := false
	err = p2.ReplayJournal(0, func(rec *envelope.OperationRecord) error {
		replayed = append(replayed, rec.SequenceNumber)
		return nil
	}, func(e error) {
		corruptSeen = true
	})
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if !corruptSeen {
		t.Fatal("expected corruption to be reported")
	}
	// Whatever prefix of valid records existed before the corrupt one must
	// still have been applied; nothing past it should be.
	if len(replayed) >= 3 {
		t.Fatalf("expected replay to stop before the corrupt tail, got %v", replayed)
	}
}

func TestSnapshotRoundTripThroughDisk(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	snap := sampleSnapshot(42)
	if err := p.CreateSnapshot(snap); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	got, err := p.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got == nil {
		t.Fatal("expected a snapshot, got nil")
	}
	if got.Version != snap.Version || len(got.Messages) != len(snap.Messages) {
		t.Fatalf("snapshot mismatch: %+v vs %+v", snap, got)
	}
}

func TestLoadSnapshotAbsentIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	got, err := p.LoadSnapshot()
	if err != nil {
		t.Fatalf("expected no error for missing snapshot, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil snapshot, got %+v", got)
	}
}

func TestLoadSnapshotCorruptMagicIsDetected(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if err := p.CreateSnapshot(sampleSnapshot(1)); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "snapshot.bin")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = p.LoadSnapshot()
	if err == nil {
		t.Fatal("expected an error for corrupted magic")
	}
}

func TestShouldSnapshotByThreshold(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Dir: dir, SnapshotThreshold: 3})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	for i := int64(1); i <= 2; i++ {
		if p.ShouldSnapshot() {
			t.Fatalf("should not be due yet at op %d", i)
		}
		if err := p.WriteOperation(sampleRecord(i, envelope.OpAcknowledge)); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.WriteOperation(sampleRecord(3, envelope.OpAcknowledge)); err != nil {
		t.Fatal(err)
	}
	if !p.ShouldSnapshot() {
		t.Fatal("expected snapshot to be due after crossing the threshold")
	}

	if err := p.CreateSnapshot(sampleSnapshot(3)); err != nil {
		t.Fatal(err)
	}
	if p.ShouldSnapshot() {
		t.Fatal("expected the due flag to clear after a snapshot")
	}
}

func TestTruncateJournalDropsOldRecords(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	for i := int64(1); i <= 5; i++ {
		if err := p.WriteOperation(sampleRecord(i, envelope.OpAcknowledge)); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.TruncateJournal(3); err != nil {
		t.Fatalf("TruncateJournal: %v", err)
	}

	var replayed []int64
	err = p.ReplayJournal(0, func(rec *envelope.OperationRecord) error {
		replayed = append(replayed, rec.SequenceNumber)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("ReplayJournal after truncate: %v", err)
	}
	if len(replayed) != 2 || replayed[0] != 4 || replayed[1] != 5 {
		t.Fatalf("expected only sequences 4,5 to survive truncation, got %v", replayed)
	}

	// The journal must remain appendable after truncation.
	if err := p.WriteOperation(sampleRecord(6, envelope.OpAcknowledge)); err != nil {
		t.Fatalf("WriteOperation after truncate: %v", err)
	}
}
