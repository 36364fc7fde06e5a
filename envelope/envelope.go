// Package envelope defines the durable queue's primary records — the
// message envelope, its dead-letter extension, the write-ahead operation
// record, and the point-in-time snapshot — along with their canonical
// on-disk encoding.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a MessageEnvelope.
type Status uint8

const (
	// Ready means the envelope is eligible for checkout once NotBefore has
	// elapsed.
	Ready Status = iota
	// InFlight means a handler currently holds a lease on the envelope.
	InFlight
	// DeadLetter means the envelope has been moved to the dead-letter store.
	DeadLetter
	// Superseded means a newer envelope with the same deduplication key has
	// replaced this one while it was InFlight; it survives only until its
	// handler completes.
	Superseded
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "Ready"
	case InFlight:
		return "InFlight"
	case DeadLetter:
		return "DeadLetter"
	case Superseded:
		return "Superseded"
	default:
		return "Unknown"
	}
}

// Lease is an exclusive, time-bounded claim held by a worker on a checked
// out message. Present iff the owning envelope's Status is InFlight.
type Lease struct {
	HandlerID      string
	CheckoutTime   time.Time
	LeaseExpiry    time.Time
	ExtensionCount int
}

// Expired reports whether the lease has passed its expiry as of now.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.LeaseExpiry)
}

// Metadata carries correlation and provenance information that rides along
// with a message for its whole lifetime.
type Metadata struct {
	CorrelationID string
	Headers       map[string]string
	Source        string
	SchemaVersion int
}

// Clone returns a deep copy of the metadata.
func (m Metadata) Clone() Metadata {
	cp := m
	if m.Headers != nil {
		cp.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	return cp
}

// MessageEnvelope is the queue's internal record wrapping a host payload
// with delivery, retry, lease, and deduplication bookkeeping.
type MessageEnvelope struct {
	MessageID             uuid.UUID
	MessageType           string
	Payload               []byte
	DeduplicationKey       string // empty means unset
	Status                Status
	RetryCount            int
	MaxRetries            int
	NotBefore             time.Time // zero means unset
	Lease                 *Lease    // non-nil iff Status == InFlight
	LastPersistedVersion  int64
	Metadata              Metadata
	EnqueuedAt            time.Time
	IsSuperseded          bool
}

// Clone returns a deep copy of the envelope, safe to hand to a caller or
// mutate independently of the slot that owns the original.
func (e *MessageEnvelope) Clone() *MessageEnvelope {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	cp.Metadata = e.Metadata.Clone()
	if e.Lease != nil {
		l := *e.Lease
		cp.Lease = &l
	}
	return &cp
}

// Eligible reports whether the envelope may be checked out right now: it
// must be Ready, not superseded, and past its NotBefore delay if any.
func (e *MessageEnvelope) Eligible(now time.Time) bool {
	if e.Status != Ready || e.IsSuperseded {
		return false
	}
	if !e.NotBefore.IsZero() && now.Before(e.NotBefore) {
		return false
	}
	return true
}

// DeadLetterEnvelope extends MessageEnvelope with failure metadata recorded
// when a message is routed to the dead-letter queue.
type DeadLetterEnvelope struct {
	MessageEnvelope
	FailureReason    string
	ExceptionType    string
	ExceptionMessage string
	ExceptionStack   string
	FailureTimestamp time.Time
	LastHandlerID    string
}

// Clone returns a deep copy of the dead-letter envelope.
func (d *DeadLetterEnvelope) Clone() *DeadLetterEnvelope {
	if d == nil {
		return nil
	}
	cp := *d
	cp.MessageEnvelope = *d.MessageEnvelope.Clone()
	return &cp
}

// OpCode identifies the kind of operation a journal record describes.
type OpCode uint8

const (
	OpEnqueue OpCode = iota
	OpReplace
	OpCheckout
	OpAcknowledge
	OpRequeue
	OpLeaseRenew
	OpDeadLetter
	OpDeadLetterReplay
	OpDeadLetterPurge
)

func (o OpCode) String() string {
	switch o {
	case OpEnqueue:
		return "Enqueue"
	case OpReplace:
		return "Replace"
	case OpCheckout:
		return "Checkout"
	case OpAcknowledge:
		return "Acknowledge"
	case OpRequeue:
		return "Requeue"
	case OpLeaseRenew:
		return "LeaseRenew"
	case OpDeadLetter:
		return "DeadLetter"
	case OpDeadLetterReplay:
		return "DeadLetterReplay"
	case OpDeadLetterPurge:
		return "DeadLetterPurge"
	default:
		return "Unknown"
	}
}

// OperationRecord is a single write-ahead journal entry. EnvelopeBytes
// carries the full encoded envelope for Enqueue, Replace, Requeue and
// LeaseRenew records, the encoded DeadLetterEnvelope for DeadLetter
// records, and is empty for the rest.
type OperationRecord struct {
	SequenceNumber int64
	OpCode         OpCode
	MessageID      uuid.UUID
	Timestamp      time.Time
	EnvelopeBytes  []byte
}

// QueueSnapshot is a point-in-time image of all non-terminal state: every
// Ready/InFlight envelope, the deduplication index, and the dead-letter
// store, tagged with the journal sequence number at which it was taken.
type QueueSnapshot struct {
	Version            int64
	CreatedAt          time.Time
	Capacity           int
	Messages           []*MessageEnvelope
	DeduplicationIndex map[string]uuid.UUID
	DeadLetterMessages []*DeadLetterEnvelope
}
