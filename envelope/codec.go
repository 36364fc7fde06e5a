package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Codec encodes and decodes envelopes, operation records, and snapshots to
// the canonical binary format used by the journal and snapshot files (spec
// §6). The encoding is deterministic: encoding the same logical value twice
// always produces identical bytes, which the journal's CRC framing and the
// recovery idempotence law (L2) both depend on.
//
// Field order is fixed and explicit rather than delegated to a generic
// codec (gob, JSON) so the on-disk layout matches spec §6 exactly and never
// shifts under a struct tag change or map iteration order.
type buf struct {
	bytes.Buffer
}

func newBuf() *buf { return &buf{} }

func (b *buf) u8(v uint8)   { b.WriteByte(v) }
func (b *buf) u32(v uint32) { var tmp [4]byte; binary.LittleEndian.PutUint32(tmp[:], v); b.Write(tmp[:]) }
func (b *buf) i64(v int64)  { var tmp [8]byte; binary.LittleEndian.PutUint64(tmp[:], uint64(v)); b.Write(tmp[:]) }
func (b *buf) u64(v uint64) { var tmp [8]byte; binary.LittleEndian.PutUint64(tmp[:], v); b.Write(tmp[:]) }

func (b *buf) bytesField(v []byte) {
	b.u32(uint32(len(v)))
	b.Write(v)
}

func (b *buf) str(v string) { b.bytesField([]byte(v)) }

func (b *buf) uuidField(v uuid.UUID) { b.Write(v[:]) }

func (b *buf) timeField(t time.Time) {
	var unixNano int64
	if !t.IsZero() {
		unixNano = t.UnixNano()
	} else {
		unixNano = -1
	}
	b.i64(unixNano)
}

func (b *buf) boolField(v bool) {
	if v {
		b.u8(1)
	} else {
		b.u8(0)
	}
}

func (b *buf) stringMap(m map[string]string) {
	b.u32(uint32(len(m)))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic order: sort keys so the encoding is canonical
	// regardless of Go's randomized map iteration.
	sortStrings(keys)
	for _, k := range keys {
		b.str(k)
		b.str(m[k])
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// reader walks a byte slice and reports the first error encountered so
// call sites can chain reads without checking after every field.
type reader struct {
	data []byte
	pos  int
	err  error
}

func newReader(data []byte) *reader { return &reader{data: data} }

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.fail(fmt.Errorf("envelope codec: unexpected end of data (need %d bytes at offset %d, have %d)", n, r.pos, len(r.data)))
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) i64() int64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *reader) bytesField() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	b := r.need(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) str() string {
	b := r.bytesField()
	return string(b)
}

func (r *reader) uuidField() uuid.UUID {
	b := r.need(16)
	var id uuid.UUID
	if b == nil {
		return id
	}
	copy(id[:], b)
	return id
}

func (r *reader) timeField() time.Time {
	v := r.i64()
	if r.err != nil {
		return time.Time{}
	}
	if v == -1 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func (r *reader) boolField() bool {
	return r.u8() != 0
}

func (r *reader) stringMap() map[string]string {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k := r.str()
		v := r.str()
		m[k] = v
	}
	return m
}

// EncodeEnvelope serializes a MessageEnvelope to its canonical byte form.
func EncodeEnvelope(e *MessageEnvelope) []byte {
	b := newBuf()
	encodeEnvelopeInto(b, e)
	return b.Bytes()
}

func encodeEnvelopeInto(b *buf, e *MessageEnvelope) {
	b.uuidField(e.MessageID)
	b.str(e.MessageType)
	b.bytesField(e.Payload)
	b.str(e.DeduplicationKey)
	b.u8(uint8(e.Status))
	b.i64(int64(e.RetryCount))
	b.i64(int64(e.MaxRetries))
	b.timeField(e.NotBefore)
	hasLease := e.Lease != nil
	b.boolField(hasLease)
	if hasLease {
		b.str(e.Lease.HandlerID)
		b.timeField(e.Lease.CheckoutTime)
		b.timeField(e.Lease.LeaseExpiry)
		b.i64(int64(e.Lease.ExtensionCount))
	}
	b.i64(e.LastPersistedVersion)
	b.str(e.Metadata.CorrelationID)
	b.stringMap(e.Metadata.Headers)
	b.str(e.Metadata.Source)
	b.i64(int64(e.Metadata.SchemaVersion))
	b.timeField(e.EnqueuedAt)
	b.boolField(e.IsSuperseded)
}

// DecodeEnvelope parses the canonical byte form produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (*MessageEnvelope, error) {
	r := newReader(data)
	e := decodeEnvelopeFrom(r)
	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}

func decodeEnvelopeFrom(r *reader) *MessageEnvelope {
	e := &MessageEnvelope{}
	e.MessageID = r.uuidField()
	e.MessageType = r.str()
	e.Payload = r.bytesField()
	e.DeduplicationKey = r.str()
	e.Status = Status(r.u8())
	e.RetryCount = int(r.i64())
	e.MaxRetries = int(r.i64())
	e.NotBefore = r.timeField()
	if r.boolField() {
		e.Lease = &Lease{
			HandlerID:    r.str(),
			CheckoutTime: r.timeField(),
			LeaseExpiry:  r.timeField(),
		}
		e.Lease.ExtensionCount = int(r.i64())
	}
	e.LastPersistedVersion = r.i64()
	e.Metadata.CorrelationID = r.str()
	e.Metadata.Headers = r.stringMap()
	e.Metadata.Source = r.str()
	e.Metadata.SchemaVersion = int(r.i64())
	e.EnqueuedAt = r.timeField()
	e.IsSuperseded = r.boolField()
	return e
}

// EncodeDeadLetter serializes a DeadLetterEnvelope to its canonical byte form.
func EncodeDeadLetter(d *DeadLetterEnvelope) []byte {
	b := newBuf()
	encodeEnvelopeInto(b, &d.MessageEnvelope)
	b.str(d.FailureReason)
	b.str(d.ExceptionType)
	b.str(d.ExceptionMessage)
	b.str(d.ExceptionStack)
	b.timeField(d.FailureTimestamp)
	b.str(d.LastHandlerID)
	return b.Bytes()
}

// DecodeDeadLetter parses the canonical byte form produced by EncodeDeadLetter.
func DecodeDeadLetter(data []byte) (*DeadLetterEnvelope, error) {
	r := newReader(data)
	env := decodeEnvelopeFrom(r)
	d := &DeadLetterEnvelope{MessageEnvelope: *env}
	d.FailureReason = r.str()
	d.ExceptionType = r.str()
	d.ExceptionMessage = r.str()
	d.ExceptionStack = r.str()
	d.FailureTimestamp = r.timeField()
	d.LastHandlerID = r.str()
	if r.err != nil {
		return nil, r.err
	}
	return d, nil
}

// EncodeOperationRecord serializes an OperationRecord's payload, i.e. the
// bytes that sit between the journal's length header and its trailing
// CRC32 (spec §6: "payload : bytes encoding {sequence, op_code, message_id,
// timestamp, envelope_bytes}").
func EncodeOperationRecord(rec *OperationRecord) []byte {
	b := newBuf()
	b.i64(rec.SequenceNumber)
	b.u8(uint8(rec.OpCode))
	b.uuidField(rec.MessageID)
	b.i64(rec.Timestamp.UnixMilli())
	b.bytesField(rec.EnvelopeBytes)
	return b.Bytes()
}

// DecodeOperationRecord parses the payload produced by EncodeOperationRecord.
func DecodeOperationRecord(data []byte) (*OperationRecord, error) {
	r := newReader(data)
	rec := &OperationRecord{}
	rec.SequenceNumber = r.i64()
	rec.OpCode = OpCode(r.u8())
	rec.MessageID = r.uuidField()
	ms := r.i64()
	rec.Timestamp = time.UnixMilli(ms).UTC()
	rec.EnvelopeBytes = r.bytesField()
	if r.err != nil {
		return nil, r.err
	}
	return rec, nil
}

// EncodeSnapshot serializes a QueueSnapshot to its canonical byte form (the
// payload that follows the snapshot file's framed header, spec §6).
func EncodeSnapshot(s *QueueSnapshot) []byte {
	b := newBuf()
	b.i64(s.Version)
	b.timeField(s.CreatedAt)
	b.i64(int64(s.Capacity))

	b.u32(uint32(len(s.Messages)))
	for _, m := range s.Messages {
		encodeEnvelopeInto(b, m)
	}

	b.u32(uint32(len(s.DeduplicationIndex)))
	keys := make([]string, 0, len(s.DeduplicationIndex))
	for k := range s.DeduplicationIndex {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		b.str(k)
		b.uuidField(s.DeduplicationIndex[k])
	}

	b.u32(uint32(len(s.DeadLetterMessages)))
	for _, d := range s.DeadLetterMessages {
		dlBytes := EncodeDeadLetter(d)
		b.bytesField(dlBytes)
	}

	return b.Bytes()
}

// DecodeSnapshot parses the canonical byte form produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*QueueSnapshot, error) {
	r := newReader(data)
	s := &QueueSnapshot{}
	s.Version = r.i64()
	s.CreatedAt = r.timeField()
	s.Capacity = int(r.i64())

	msgCount := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	s.Messages = make([]*MessageEnvelope, 0, msgCount)
	for i := uint32(0); i < msgCount; i++ {
		s.Messages = append(s.Messages, decodeEnvelopeFrom(r))
	}

	idxCount := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	if idxCount > 0 {
		s.DeduplicationIndex = make(map[string]uuid.UUID, idxCount)
		for i := uint32(0); i < idxCount; i++ {
			k := r.str()
			v := r.uuidField()
			s.DeduplicationIndex[k] = v
		}
	}

	dlqCount := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	s.DeadLetterMessages = make([]*DeadLetterEnvelope, 0, dlqCount)
	for i := uint32(0); i < dlqCount; i++ {
		raw := r.bytesField()
		if r.err != nil {
			break
		}
		d, err := DecodeDeadLetter(raw)
		if err != nil {
			return nil, err
		}
		s.DeadLetterMessages = append(s.DeadLetterMessages, d)
	}

	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}
