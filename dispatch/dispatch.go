// Package dispatch implements the per-message-type worker pools that
// pull envelopes from the queue and invoke host-registered handlers
// (spec §4.8).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/envelope"
	"github.com/oriys/durableq/internal/obslog"
	"github.com/oriys/durableq/metrics"
)

// ChannelMode selects how a message type's wake-up signal is delivered
// to its worker pool.
type ChannelMode int

const (
	// Unbounded queues notifications in a buffered channel of 4096
	// signals, so a burst of up to 4096 publishes wakes workers once per
	// publish; notifications that arrive while the channel is full are
	// dropped.
	Unbounded ChannelMode = iota
	// BoundedCoalescing caps the pending signal count (to roughly
	// max_parallelism); once full, further notifications in the same
	// window are dropped, since a periodic poll covers any backlog they
	// would have announced.
	BoundedCoalescing
)

// HandlerFunc is the handler contract: handle the message under ctx,
// returning nil acknowledges it, any non-nil error causes a requeue
// (retry, subject to the queue manager's backoff and DLQ policy).
type HandlerFunc func(ctx context.Context, msg *envelope.MessageEnvelope) error

// HandlerOptions configures a single message type's worker pool.
type HandlerOptions struct {
	MinParallelism int
	MaxParallelism int
	Timeout        time.Duration
	LeaseDuration  time.Duration
	ChannelMode    ChannelMode
	PollInterval   time.Duration // fallback poll cadence; defaults to 200ms
}

func (o HandlerOptions) normalized() HandlerOptions {
	if o.MinParallelism <= 0 {
		o.MinParallelism = 1
	}
	if o.MaxParallelism < o.MinParallelism {
		o.MaxParallelism = o.MinParallelism
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = o.Timeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	return o
}

// ErrUnknownType is returned by operations addressing a message type
// that has no registered handler.
var ErrUnknownType = errors.New("dispatch: no handler registered for message type")

// QueueOps is the narrow slice of the queue manager the dispatcher
// depends on. Defined here rather than imported from the root package
// so the dependency runs one way only: dispatch depends on this
// interface, and the root package's Queue satisfies it structurally
// without dispatch ever importing the root package (spec §9's
// circular-reference redesign note).
type QueueOps interface {
	Checkout(messageType, handlerID string, leaseDuration time.Duration) (*envelope.MessageEnvelope, bool)
	Acknowledge(messageID uuid.UUID) (*envelope.MessageEnvelope, bool)
	Requeue(messageID uuid.UUID, reason error) error
}

// Dispatcher owns one worker pool per registered message type.
type Dispatcher struct {
	ops     QueueOps
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	types map[string]*typeState
}

// New constructs a Dispatcher bound to ops, recording per-invocation
// Prometheus metrics against m (the queue's private registry) if m is
// non-nil.
func New(ops QueueOps, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{ops: ops, logger: logger, metrics: m, types: make(map[string]*typeState)}
}

// RegisterHandler installs (or replaces) the handler and options for
// messageType, and starts its worker pool at MinParallelism if it is
// not already running. Replacing an already-running pool's handler
// takes effect on the next checkout; in-flight invocations keep running
// against whichever handler they started with.
func (d *Dispatcher) RegisterHandler(messageType string, handler HandlerFunc, options HandlerOptions) {
	options = options.normalized()

	d.mu.Lock()
	ts, exists := d.types[messageType]
	if !exists {
		ts = newTypeState(messageType, d.ops, d.logger, d.metrics)
		d.types[messageType] = ts
	}
	d.mu.Unlock()

	ts.setHandler(handler, options)
	if !exists {
		ts.scaleTo(options.MinParallelism)
	}
}

// Notify wakes a worker for messageType, if one is registered. It is
// the narrow capability the queue manager calls after a successful
// enqueue or replace, without holding any other reference to the
// dispatcher.
func (d *Dispatcher) Notify(messageType string) {
	d.mu.RLock()
	ts := d.types[messageType]
	d.mu.RUnlock()
	if ts != nil {
		ts.notify()
	}
}

// Scale clamps n to [min_parallelism, max_parallelism] for messageType
// and grows or shrinks its worker pool toward that count.
func (d *Dispatcher) Scale(messageType string, n int) error {
	ts, err := d.typeState(messageType)
	if err != nil {
		return err
	}
	ts.scaleTo(n)
	return nil
}

// Pause stops messageType's pool from accepting new checkouts without
// tearing down its worker goroutines.
func (d *Dispatcher) Pause(messageType string) error {
	ts, err := d.typeState(messageType)
	if err != nil {
		return err
	}
	ts.paused.Store(true)
	return nil
}

// Resume reverses Pause.
func (d *Dispatcher) Resume(messageType string) error {
	ts, err := d.typeState(messageType)
	if err != nil {
		return err
	}
	ts.paused.Store(false)
	ts.notify()
	return nil
}

// Metrics reports the current counters for messageType.
type Metrics struct {
	ActiveWorkers   int
	TotalProcessed  int64
	TotalFailed     int64
	AverageDuration time.Duration
	ThroughputPerSec float64
}

// HandlerMetrics returns Metrics for messageType.
func (d *Dispatcher) HandlerMetrics(messageType string) (Metrics, error) {
	ts, err := d.typeState(messageType)
	if err != nil {
		return Metrics{}, err
	}
	return ts.metrics(), nil
}

// AllHandlerMetrics returns Metrics for every registered message type.
func (d *Dispatcher) AllHandlerMetrics() map[string]Metrics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Metrics, len(d.types))
	for t, ts := range d.types {
		out[t] = ts.metrics()
	}
	return out
}

// Stop halts every worker pool and waits for their goroutines to exit.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	all := make([]*typeState, 0, len(d.types))
	for _, ts := range d.types {
		all = append(all, ts)
	}
	d.mu.RUnlock()
	for _, ts := range all {
		ts.stop()
	}
}

func (d *Dispatcher) typeState(messageType string) (*typeState, error) {
	d.mu.RLock()
	ts := d.types[messageType]
	d.mu.RUnlock()
	if ts == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, messageType)
	}
	return ts, nil
}

// registryEntry bundles a handler with the options it runs under, so
// RegisterHandler can publish both atomically.
type registryEntry struct {
	handler HandlerFunc
	options HandlerOptions
}

// typeState is the worker pool and bookkeeping for a single message
// type.
type typeState struct {
	messageType string
	ops         QueueOps
	logger      *slog.Logger
	metrics     *metrics.Metrics

	entry atomic.Pointer[registryEntry]

	signal chan struct{}

	mu              sync.Mutex
	stopCh          chan struct{}
	wg              sync.WaitGroup
	nextWorkerIndex int32
	desiredWorkers  atomic.Int32

	paused atomic.Bool

	activeWorkers  atomic.Int32
	totalProcessed atomic.Int64
	totalFailed    atomic.Int64

	durations *durationWindow
	throughput *throughputWindow
}

func newTypeState(messageType string, ops QueueOps, logger *slog.Logger, m *metrics.Metrics) *typeState {
	return &typeState{
		messageType: messageType,
		ops:         ops,
		logger:      logger,
		metrics:     m,
		stopCh:      make(chan struct{}),
		durations:   newDurationWindow(1000),
		throughput:  newThroughputWindow(60 * time.Second),
	}
}

func (ts *typeState) setHandler(handler HandlerFunc, options HandlerOptions) {
	capacity := options.MaxParallelism
	signal := ts.signal
	if signal == nil {
		if options.ChannelMode == Unbounded {
			capacity = 4096
		}
		if capacity < 1 {
			capacity = 1
		}
		signal = make(chan struct{}, capacity)
		ts.signal = signal
	}
	ts.entry.Store(&registryEntry{handler: handler, options: options})
}

func (ts *typeState) notify() {
	select {
	case ts.signal <- struct{}{}:
	default:
	}
}

func (ts *typeState) scaleTo(n int) {
	entry := ts.entry.Load()
	if entry == nil {
		return
	}
	opts := entry.options
	if n < opts.MinParallelism {
		n = opts.MinParallelism
	}
	if n > opts.MaxParallelism {
		n = opts.MaxParallelism
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.desiredWorkers.Store(int32(n))
	for ts.nextWorkerIndex < int32(n) {
		idx := ts.nextWorkerIndex
		ts.nextWorkerIndex++
		ts.wg.Add(1)
		go ts.runWorker(idx)
	}
}

func (ts *typeState) stop() {
	ts.mu.Lock()
	select {
	case <-ts.stopCh:
		ts.mu.Unlock()
		return
	default:
		close(ts.stopCh)
	}
	ts.mu.Unlock()
	ts.wg.Wait()
}

func (ts *typeState) runWorker(index int32) {
	defer ts.wg.Done()
	defer ts.reportActiveWorkers()
	ts.activeWorkers.Add(1)
	ts.reportActiveWorkers()
	defer ts.activeWorkers.Add(-1)

	entry := ts.entry.Load()
	pollInterval := entry.options.PollInterval
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ts.stopCh:
			return
		case <-ts.signal:
		case <-ticker.C:
		}

		desired := ts.desiredWorkers.Load()
		if index >= desired {
			return // shrink: this worker voluntarily exits
		}

		if ts.paused.Load() {
			continue
		}

		ts.attemptOne()
	}
}

func (ts *typeState) attemptOne() {
	entry := ts.entry.Load()
	if entry == nil {
		return
	}
	leaseDuration := entry.options.LeaseDuration
	handlerID := workerHandlerID(ts.messageType)

	msg, ok := ts.ops.Checkout(ts.messageType, handlerID, leaseDuration)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), entry.options.Timeout)
	defer cancel()

	start := time.Now()
	err := entry.handler(ctx, msg)
	duration := time.Since(start)

	ts.durations.record(duration)
	ts.throughput.record(time.Now())

	trace := &obslog.MessageLog{
		MessageID:     msg.MessageID.String(),
		MessageType:   ts.messageType,
		CorrelationID: msg.Metadata.CorrelationID,
		HandlerID:     handlerID,
		DurationMs:    duration.Milliseconds(),
		Success:       err == nil,
		RetryCount:    msg.RetryCount,
	}

	if err != nil {
		ts.totalFailed.Add(1)
		if ts.metrics != nil {
			ts.metrics.RecordHandlerDuration(ts.messageType, "failure", float64(duration.Milliseconds()))
		}
		trace.Error = err.Error()
		if reqErr := ts.ops.Requeue(msg.MessageID, err); reqErr != nil {
			ts.logger.Error("dispatch: requeue failed", "message_type", ts.messageType, "message_id", msg.MessageID, "error", reqErr)
		} else if msg.RetryCount+1 > msg.MaxRetries {
			trace.DeadLettered = true
		}
		obslog.DefaultMessageLogger().Log(trace)
		return
	}

	ts.totalProcessed.Add(1)
	if ts.metrics != nil {
		ts.metrics.RecordHandlerDuration(ts.messageType, "success", float64(duration.Milliseconds()))
	}
	if _, ok := ts.ops.Acknowledge(msg.MessageID); !ok {
		ts.logger.Warn("dispatch: acknowledge found no matching message", "message_type", ts.messageType, "message_id", msg.MessageID)
	}
	obslog.DefaultMessageLogger().Log(trace)
}

// reportActiveWorkers refreshes the active-worker gauge for this
// message type, if a metrics sink is wired.
func (ts *typeState) reportActiveWorkers() {
	if ts.metrics != nil {
		ts.metrics.SetActiveWorkers(ts.messageType, int(ts.activeWorkers.Load()))
	}
}

func (ts *typeState) metrics() Metrics {
	return Metrics{
		ActiveWorkers:    int(ts.activeWorkers.Load()),
		TotalProcessed:   ts.totalProcessed.Load(),
		TotalFailed:      ts.totalFailed.Load(),
		AverageDuration:  ts.durations.average(),
		ThroughputPerSec: ts.throughput.rate(),
	}
}

func workerHandlerID(messageType string) string {
	return fmt.Sprintf("dispatch-%s-%d", messageType, time.Now().UnixNano())
}

// durationWindow keeps the last N handler durations for a rolling
// average (spec §4.8: "rolling average handler duration, keep the last
// N≈1000 samples").
type durationWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	cap     int
	pos     int
	filled  bool
}

func newDurationWindow(capacity int) *durationWindow {
	return &durationWindow{samples: make([]time.Duration, capacity), cap: capacity}
}

func (w *durationWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = d
	w.pos = (w.pos + 1) % w.cap
	if w.pos == 0 {
		w.filled = true
	}
}

func (w *durationWindow) average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.pos
	if w.filled {
		n = w.cap
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += w.samples[i]
	}
	return total / time.Duration(n)
}

// throughputWindow buckets completions by second to compute a sliding
// messages/sec rate.
type throughputWindow struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[int64]int64
}

func newThroughputWindow(window time.Duration) *throughputWindow {
	return &throughputWindow{window: window, buckets: make(map[int64]int64)}
}

func (w *throughputWindow) record(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buckets[at.Unix()]++
	w.evictLocked(at)
}

func (w *throughputWindow) rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evictLocked(now)
	var total int64
	for _, c := range w.buckets {
		total += c
	}
	seconds := w.window.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(total) / seconds
}

func (w *throughputWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.window).Unix()
	for sec := range w.buckets {
		if sec < cutoff {
			delete(w.buckets, sec)
		}
	}
}
