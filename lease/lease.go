// Package lease implements the background lease monitor: the sweep that
// requeues InFlight envelopes whose lease has expired, and the
// extend-lease operation handlers use to signal continued progress
// (spec §4.7).
package lease

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/envelope"
)

// ErrAlreadyRunning is returned by Start when the monitor's sweep
// goroutine is already active.
var ErrAlreadyRunning = errors.New("lease: monitor already running")

const (
	floorInterval   = time.Second
	defaultCeiling  = 10 * time.Second
)

// Config configures the monitor's sweep scheduling.
type Config struct {
	// IdleInterval is the ceiling on how long the monitor sleeps between
	// passes when no lease is due sooner. Clamped to [1s, 10s]; zero
	// defaults to 10s.
	IdleInterval time.Duration
	Logger       *slog.Logger
}

// ListInFlight returns every currently InFlight envelope, used both to
// find expired leases and to compute the next wake-up deadline from the
// ones that are not yet expired.
type ListInFlight func() []*envelope.MessageEnvelope

// RequeueExpired is invoked for each InFlight envelope whose lease has
// expired; it applies the queue manager's retry/backoff/DLQ policy.
type RequeueExpired func(messageID uuid.UUID)

// ExtendLease is invoked by Monitor.ExtendLease to add time to a live
// lease; it is the queue manager's own extend-lease operation, reused
// here rather than duplicated.
type ExtendLease func(messageID uuid.UUID, extension time.Duration) (*envelope.MessageEnvelope, bool)

// Monitor runs the periodic lease-expiry sweep described in spec §4.7.
// Start/Stop are lifecycle operations: Start is idempotent-by-error
// (calling it while already running fails), Stop is idempotent-by-silence
// (calling it when not running, or repeatedly, is always safe).
type Monitor struct {
	cfg      Config
	ceiling  time.Duration
	list     ListInFlight
	requeue  RequeueExpired
	extend   ExtendLease
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Monitor. list, requeue, and extend must all be
// non-nil.
func New(cfg Config, list ListInFlight, requeue RequeueExpired, extend ExtendLease) *Monitor {
	ceiling := cfg.IdleInterval
	if ceiling <= 0 {
		ceiling = defaultCeiling
	}
	if ceiling > defaultCeiling {
		ceiling = defaultCeiling
	}
	if ceiling < floorInterval {
		ceiling = floorInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		ceiling: ceiling,
		list:    list,
		requeue: requeue,
		extend:  extend,
		logger:  logger,
	}
}

// Start launches the sweep goroutine. Returns ErrAlreadyRunning if the
// monitor is already started.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(m.stopCh, m.doneCh)
	return nil
}

// Stop halts the sweep goroutine and waits for it to exit. Safe to call
// when the monitor was never started, or more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// ExtendLease extends the lease on messageID, delegating to the queue
// manager's own extend-lease operation.
func (m *Monitor) ExtendLease(messageID uuid.UUID, extension time.Duration) (*envelope.MessageEnvelope, bool) {
	return m.extend(messageID, extension)
}

func (m *Monitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(m.ceiling)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}

		now := time.Now()
		nextDeadline := now.Add(m.ceiling)

		for _, e := range m.list() {
			if e.Lease == nil {
				continue
			}
			if e.Lease.Expired(now) {
				m.requeue(e.MessageID)
				continue
			}
			if e.Lease.LeaseExpiry.Before(nextDeadline) {
				nextDeadline = e.Lease.LeaseExpiry
			}
		}

		sleepFor := nextDeadline.Sub(time.Now())
		if sleepFor < floorInterval {
			sleepFor = floorInterval
		}
		if sleepFor > m.ceiling {
			sleepFor = m.ceiling
		}
		timer.Reset(sleepFor)
	}
}
