// Package recovery implements the queue's crash-recovery startup
// sequence: load the latest snapshot, replay the journal forward from
// it, and sweep any leases that expired while the process was down
// (spec §4.5).
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/durableq/buffer"
	"github.com/oriys/durableq/dedup"
	"github.com/oriys/durableq/dlq"
	"github.com/oriys/durableq/envelope"
	"github.com/oriys/durableq/persist"
)

// Dependencies are the already-constructed components recovery
// rehydrates. The caller (the root package's queue constructor) owns
// their lifetimes; recovery only populates them.
type Dependencies struct {
	Buffer    *buffer.Buffer
	Dedup     *dedup.Index
	DLQ       *dlq.Store
	Persister *persist.Persister
	Logger    *slog.Logger
}

// ExpiredLease describes an InFlight envelope discovered during the
// post-recovery lease sweep whose lease had already expired. The
// caller applies retry/backoff/DLQ policy the same way the lease
// monitor does for leases that expire during normal operation — that
// policy lives in the root package, not here, so recovery just reports
// what it found.
type ExpiredLease struct {
	Envelope *envelope.MessageEnvelope
}

// Result is what Bootstrap rehydrated, handed back to the caller so it
// can initialize its own sequence counter and, if any leases had
// already expired, run requeue policy over them.
type Result struct {
	SequenceNumber int64
	ExpiredLeases  []ExpiredLease
}

// Bootstrap executes the startup sequence described in spec §4.5: load
// the snapshot if one exists, replay every journal record newer than
// it, and report any leases that are already expired as of now so the
// caller can requeue them under normal retry/backoff/DLQ policy.
func Bootstrap(deps Dependencies, now time.Time) (Result, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sequenceNumber int64
	snap, err := deps.Persister.LoadSnapshot()
	if err != nil {
		if errors.Is(err, persist.ErrCorruptSnapshot) {
			logger.Warn("recovery: snapshot failed validation, treating as absent", "error", err)
			snap = nil
		} else {
			return Result{}, fmt.Errorf("recovery: load snapshot: %w", err)
		}
	}

	if snap != nil {
		for _, m := range snap.Messages {
			if err := deps.Buffer.Restore(m); err != nil {
				return Result{}, fmt.Errorf("recovery: restore message %s from snapshot: %w", m.MessageID, err)
			}
		}
		deps.Dedup.Restore(snap.DeduplicationIndex)
		deps.DLQ.Restore(snap.DeadLetterMessages)
		sequenceNumber = snap.Version
		logger.Info("recovery: loaded snapshot", "version", snap.Version, "messages", len(snap.Messages), "dead_letters", len(snap.DeadLetterMessages))
	}

	applied := int64(0)
	err = deps.Persister.ReplayJournal(sequenceNumber, func(rec *envelope.OperationRecord) error {
		if err := applyRecord(deps, rec); err != nil {
			return err
		}
		if rec.SequenceNumber > sequenceNumber {
			sequenceNumber = rec.SequenceNumber
		}
		applied++
		return nil
	}, func(corruptErr error) {
		logger.Warn("recovery: journal replay stopped at corrupt record", "error", corruptErr)
	})
	if err != nil {
		return Result{}, fmt.Errorf("recovery: replay journal: %w", err)
	}
	logger.Info("recovery: journal replay complete", "records_applied", applied, "sequence_number", sequenceNumber)

	var expired []ExpiredLease
	for _, e := range deps.Buffer.GetAll() {
		if e.Status == envelope.InFlight && e.Lease.Expired(now) {
			expired = append(expired, ExpiredLease{Envelope: e})
		}
	}

	return Result{SequenceNumber: sequenceNumber, ExpiredLeases: expired}, nil
}

// applyRecord re-applies a single journal record to buffer/dedup/DLQ
// state. It must be idempotent: a record whose effect is already
// present (because a snapshot already captured it, or because recovery
// is being re-run) is a no-op.
func applyRecord(deps Dependencies, rec *envelope.OperationRecord) error {
	switch rec.OpCode {
	case envelope.OpEnqueue:
		return applyEnqueue(deps, rec)
	case envelope.OpReplace:
		return applyReplace(deps, rec)
	case envelope.OpCheckout:
		// Advisory only — no envelope bytes to rehydrate a lease from, and
		// the lease sweep immediately after replay handles anything that
		// needs to transition out of whatever state the preceding
		// Enqueue/Replace/Requeue record left the message in.
		return nil
	case envelope.OpAcknowledge:
		return applyAcknowledge(deps, rec.MessageID)
	case envelope.OpRequeue:
		return applyRequeueOrLeaseRenew(deps, rec)
	case envelope.OpLeaseRenew:
		return applyRequeueOrLeaseRenew(deps, rec)
	case envelope.OpDeadLetter:
		return applyDeadLetter(deps, rec)
	case envelope.OpDeadLetterReplay, envelope.OpDeadLetterPurge:
		deps.DLQ.Remove(rec.MessageID)
		return nil
	default:
		return fmt.Errorf("recovery: unknown op code %v in record seq=%d", rec.OpCode, rec.SequenceNumber)
	}
}

func applyEnqueue(deps Dependencies, rec *envelope.OperationRecord) error {
	env, err := envelope.DecodeEnvelope(rec.EnvelopeBytes)
	if err != nil {
		return fmt.Errorf("decode enqueue envelope: %w", err)
	}
	if _, ok := deps.Buffer.Get(env.MessageID); ok {
		return nil // already applied (via snapshot or an earlier replay pass)
	}
	if env.DeduplicationKey != "" {
		deps.Dedup.TryAdd(env.DeduplicationKey, env.MessageID)
	}
	return deps.Buffer.Restore(env)
}

func applyReplace(deps Dependencies, rec *envelope.OperationRecord) error {
	env, err := envelope.DecodeEnvelope(rec.EnvelopeBytes)
	if err != nil {
		return fmt.Errorf("decode replace envelope: %w", err)
	}
	if _, ok := deps.Buffer.Get(env.MessageID); ok {
		if env.DeduplicationKey != "" {
			deps.Dedup.Update(env.DeduplicationKey, env.MessageID)
		}
		return nil // already applied
	}
	if env.DeduplicationKey != "" {
		if priorID, ok := deps.Dedup.TryGet(env.DeduplicationKey); ok && priorID != env.MessageID {
			deps.Buffer.DiscardOrSupersede(priorID)
		}
		deps.Dedup.Update(env.DeduplicationKey, env.MessageID)
	}
	return deps.Buffer.Restore(env)
}

func applyAcknowledge(deps Dependencies, messageID uuid.UUID) error {
	env, ok := deps.Buffer.Get(messageID)
	if !ok {
		return nil // already applied
	}
	deps.Buffer.RemoveAny(messageID)
	if env.DeduplicationKey != "" {
		deps.Dedup.RemoveIfMatches(env.DeduplicationKey, messageID)
	}
	return nil
}

func applyRequeueOrLeaseRenew(deps Dependencies, rec *envelope.OperationRecord) error {
	env, err := envelope.DecodeEnvelope(rec.EnvelopeBytes)
	if err != nil {
		return fmt.Errorf("decode requeue/lease-renew envelope: %w", err)
	}
	deps.Buffer.RemoveAny(env.MessageID)
	return deps.Buffer.Restore(env)
}

func applyDeadLetter(deps Dependencies, rec *envelope.OperationRecord) error {
	d, err := envelope.DecodeDeadLetter(rec.EnvelopeBytes)
	if err != nil {
		return fmt.Errorf("decode dead-letter envelope: %w", err)
	}
	if _, ok := deps.DLQ.Get(d.MessageID); !ok {
		deps.DLQ.Add(d)
	}
	if _, ok := deps.Buffer.Get(d.MessageID); ok {
		deps.Buffer.RemoveAny(d.MessageID)
	}
	if d.DeduplicationKey != "" {
		deps.Dedup.RemoveIfMatches(d.DeduplicationKey, d.MessageID)
	}
	return nil
}
