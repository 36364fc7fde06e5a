// Package heartbeat implements the progress-reporting and
// correlation-propagating facades a handler uses mid-invocation: the
// heartbeat service that extends a lease and records progress, and the
// publisher that lets a handler enqueue follow-up messages under the
// same correlation id (spec §4.9).
package heartbeat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/envelope"
)

// ErrInvalidProgress is returned when progress_percent falls outside
// [0, 100].
var ErrInvalidProgress = errors.New("heartbeat: progress percent must be between 0 and 100")

// ErrMessageNotActive is returned when the message's lease could not be
// extended because it is no longer InFlight (already acknowledged,
// requeued, or dead-lettered).
var ErrMessageNotActive = errors.New("heartbeat: message is no longer active")

// ExtendLease is the queue manager's own lease-extension operation.
type ExtendLease func(messageID uuid.UUID, extension time.Duration) (*envelope.MessageEnvelope, bool)

// Progress is the last-reported progress for a message.
type Progress struct {
	MessageID   uuid.UUID
	Percent     int
	HasPercent  bool
	Message     string
	UpdatedAt   time.Time
	HeartbeatAt time.Time
}

// Tracker records heartbeat progress and extends leases on the
// message's behalf.
type Tracker struct {
	mu             sync.RWMutex
	progress       map[uuid.UUID]*Progress
	extend         ExtendLease
	defaultTimeout time.Duration
}

// New constructs a Tracker. extend is the lease-extend operation to
// call on every heartbeat; defaultTimeout is the extension applied on
// every heartbeat (there is no per-call extension).
func New(extend ExtendLease, defaultTimeout time.Duration) *Tracker {
	return &Tracker{
		progress:       make(map[uuid.UUID]*Progress),
		extend:         extend,
		defaultTimeout: defaultTimeout,
	}
}

// Heartbeat records progress for messageID and extends its lease by the
// tracker's default timeout. percent and message are optional (nil
// means "unchanged"). If the lease can no longer be extended because
// the message is not active, any previously recorded progress is
// discarded and ErrMessageNotActive is returned.
func (t *Tracker) Heartbeat(messageID uuid.UUID, percent *int, message *string) error {
	if percent != nil && (*percent < 0 || *percent > 100) {
		return ErrInvalidProgress
	}

	if _, ok := t.extend(messageID, t.defaultTimeout); !ok {
		t.mu.Lock()
		delete(t.progress, messageID)
		t.mu.Unlock()
		return ErrMessageNotActive
	}

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.progress[messageID]
	if !ok {
		p = &Progress{MessageID: messageID}
		t.progress[messageID] = p
	}
	if percent != nil {
		p.Percent = *percent
		p.HasPercent = true
	}
	if message != nil {
		p.Message = *message
	}
	p.UpdatedAt = now
	p.HeartbeatAt = now
	return nil
}

// Get returns the last recorded progress for messageID.
func (t *Tracker) Get(messageID uuid.UUID) (Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.progress[messageID]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// IsStale reports whether messageID's last heartbeat is older than
// timeout, or whether it has never been heartbeated at all.
func (t *Tracker) IsStale(messageID uuid.UUID, timeout time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.progress[messageID]
	if !ok {
		return true
	}
	return time.Since(p.HeartbeatAt) > timeout
}

// Remove discards any recorded progress for messageID, called once a
// message reaches a terminal state (acknowledged, dead-lettered).
func (t *Tracker) Remove(messageID uuid.UUID) {
	t.mu.Lock()
	delete(t.progress, messageID)
	t.mu.Unlock()
}

// Publish is the queue manager's enqueue operation, as seen by a
// Publisher.
type Publish func(payload []byte, messageType, deduplicationKey, correlationID string) (uuid.UUID, error)

// Publisher is a thin façade over the queue manager's enqueue operation
// that pins a fixed correlation id, so every message a handler
// publishes while processing an invocation carries that invocation's
// correlation id forward.
type Publisher struct {
	publish       Publish
	correlationID string
}

// NewPublisher constructs a Publisher bound to correlationID.
func NewPublisher(publish Publish, correlationID string) *Publisher {
	return &Publisher{publish: publish, correlationID: correlationID}
}

// Publish enqueues payload as messageType, propagating the publisher's
// correlation id.
func (p *Publisher) Publish(messageType string, payload []byte, deduplicationKey string) (uuid.UUID, error) {
	return p.publish(payload, messageType, deduplicationKey, p.correlationID)
}

// CorrelationID returns the correlation id this publisher propagates.
func (p *Publisher) CorrelationID() string {
	return p.correlationID
}
