package durableq

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/durableq/config"
	"github.com/oriys/durableq/envelope"
)

func testConfig(t *testing.T, persistent bool) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Capacity = 16
	cfg.DeadLetterCapacity = 16
	cfg.LeaseMonitorInterval = 50 * time.Millisecond
	cfg.PersistenceEnabled = persistent
	if persistent {
		dir := t.TempDir()
		cfg.PersistencePath = dir
		cfg.Persistence.StoragePath = dir
	}
	return *cfg
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublishCheckoutAcknowledgeRemovesMessage(t *testing.T) {
	q, err := Open(testConfig(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	id, err := q.Publish([]byte("payload"), "orders.created", "", "")
	if err != nil {
		t.Fatal(err)
	}

	env, ok := q.Checkout("orders.created", "worker-1", time.Minute)
	if !ok || env.MessageID != id {
		t.Fatalf("expected checkout to return the published message, got ok=%v env=%+v", ok, env)
	}

	if _, ok := q.Acknowledge(id); !ok {
		t.Fatal("expected acknowledge to succeed")
	}
	if _, ok := q.GetMessage(id); ok {
		t.Fatal("expected message to be gone from the buffer after acknowledge")
	}
}

func TestPublishWithDedupKeyWhileReadyOverwritesInPlace(t *testing.T) {
	q, err := Open(testConfig(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	idA, err := q.Publish([]byte("1"), "orders.created", "k", "")
	if err != nil {
		t.Fatal(err)
	}
	idB, err := q.Publish([]byte("2"), "orders.created", "k", "")
	if err != nil {
		t.Fatal(err)
	}

	pending := q.PendingMessages()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one Ready envelope after replace, got %d", len(pending))
	}
	if string(pending[0].Payload) != "2" {
		t.Fatalf("expected replaced payload \"2\", got %q", pending[0].Payload)
	}
	if pending[0].MessageID != idB {
		t.Fatalf("expected the surviving envelope to carry B's id")
	}
	_ = idA
}

func TestReplaceWhileInFlightSupersedesAndBothSurviveUntilCompletion(t *testing.T) {
	q, err := Open(testConfig(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	idA, err := q.Publish([]byte("1"), "orders.created", "k", "")
	if err != nil {
		t.Fatal(err)
	}
	env, ok := q.Checkout("orders.created", "worker-1", time.Minute)
	if !ok || env.MessageID != idA {
		t.Fatal("expected checkout to claim A")
	}

	idB, err := q.Publish([]byte("2"), "orders.created", "k", "")
	if err != nil {
		t.Fatal(err)
	}

	all := q.PendingMessages()
	if len(all) != 2 {
		t.Fatalf("expected two envelopes (superseded A + ready B), got %d", len(all))
	}

	if _, ok := q.Acknowledge(idA); !ok {
		t.Fatal("expected acknowledge of the superseded in-flight envelope to succeed")
	}

	remaining := q.PendingMessages()
	if len(remaining) != 1 || remaining[0].MessageID != idB {
		t.Fatalf("expected only B to remain Ready, got %+v", remaining)
	}
}

func TestRequeueAppliesExponentialBackoffThenDeadLetters(t *testing.T) {
	cfg := testConfig(t, false)
	q, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	opts := config.HandlerOptions{
		MinParallelism:  1,
		MaxParallelism:  1,
		MaxRetries:      2,
		BackoffStrategy: config.BackoffExponential,
		InitialBackoff:  10 * time.Millisecond,
		MaxBackoff:      time.Second,
	}
	q.handlersMu.Lock()
	q.handlers["orders.created"] = opts
	q.handlersMu.Unlock()

	id, err := q.Publish([]byte("1"), "orders.created", "", "")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		waitUntil(t, time.Second, func() bool {
			e, ok := q.GetMessage(id)
			return ok && e.Status == envelope.Ready && !e.NotBefore.After(time.Now())
		})
		env, ok := q.Checkout("orders.created", "worker-1", time.Minute)
		if !ok || env.MessageID != id {
			t.Fatalf("iteration %d: expected checkout to return the message", i)
		}
		if err := q.Requeue(id, errors.New("handler failed")); err != nil {
			t.Fatal(err)
		}
	}

	env, ok := q.GetMessage(id)
	if !ok {
		t.Fatal("expected message still present after two requeues (under max_retries)")
	}
	if env.RetryCount != 2 {
		t.Fatalf("expected retry_count 2, got %d", env.RetryCount)
	}

	waitUntil(t, time.Second, func() bool {
		e, ok := q.GetMessage(id)
		return ok && e.Status == envelope.Ready && !e.NotBefore.After(time.Now())
	})

	thirdCheckout, ok := q.Checkout("orders.created", "worker-1", time.Minute)
	if !ok || thirdCheckout.MessageID != id {
		t.Fatal("expected third checkout to still return the message")
	}
	if err := q.Requeue(id, errors.New("handler failed again")); err != nil {
		t.Fatal(err)
	}

	if _, ok := q.GetMessage(id); ok {
		t.Fatal("expected message to be removed from the buffer after exhausting retries")
	}
	dead := q.GetDeadLetter("orders.created", 0)
	if len(dead) != 1 || dead[0].MessageID != id {
		t.Fatalf("expected the exhausted message in the dead-letter store, got %+v", dead)
	}
}

func TestReplayDeadLetterReenqueuesThroughPublish(t *testing.T) {
	q, err := Open(testConfig(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	q.handlersMu.Lock()
	q.handlers["orders.created"] = config.HandlerOptions{MaxRetries: 0}
	q.handlersMu.Unlock()

	id, err := q.Publish([]byte("payload"), "orders.created", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := q.Checkout("orders.created", "worker-1", time.Minute); !ok {
		t.Fatal("expected checkout to succeed")
	}
	if err := q.Requeue(id, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if len(q.GetDeadLetter("", 0)) != 1 {
		t.Fatal("expected message to be dead-lettered")
	}

	newID, err := q.ReplayDeadLetter(id, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.GetDeadLetter("", 0)) != 0 {
		t.Fatal("expected dead-letter store to be empty after replay")
	}
	env, ok := q.GetMessage(newID)
	if !ok || env.Status != envelope.Ready || env.RetryCount != 0 {
		t.Fatalf("expected replayed message Ready with a fresh retry count, got %+v", env)
	}
}

func TestHeartbeatExtendsLeaseViaQueue(t *testing.T) {
	q, err := Open(testConfig(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	id, err := q.Publish([]byte("payload"), "orders.created", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := q.Checkout("orders.created", "worker-1", time.Second); !ok {
		t.Fatal("expected checkout to succeed")
	}

	percent := 50
	if err := q.Heartbeat(id, &percent, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	env, ok := q.GetMessage(id)
	if !ok || env.Lease == nil {
		t.Fatal("expected an active lease after heartbeat")
	}
	if env.Lease.ExtensionCount < 1 {
		t.Fatalf("expected extension_count to increase, got %d", env.Lease.ExtensionCount)
	}
}

func TestPublisherPropagatesCorrelationIDThroughQueue(t *testing.T) {
	q, err := Open(testConfig(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	pub := q.NewPublisher("corr-42")
	id, err := pub.Publish("orders.created", []byte("x"), "")
	if err != nil {
		t.Fatal(err)
	}
	env, ok := q.GetMessage(id)
	if !ok || env.Metadata.CorrelationID != "corr-42" {
		t.Fatalf("expected correlation id to propagate, got %+v", env)
	}
}

func TestRegisterHandlerDrivesDispatcherEndToEnd(t *testing.T) {
	q, err := Open(testConfig(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	processed := make(chan string, 1)
	q.RegisterHandler("orders.created", func(ctx context.Context, msg *envelope.MessageEnvelope) error {
		processed <- string(msg.Payload)
		return nil
	}, config.HandlerOptions{MinParallelism: 1, MaxParallelism: 1})

	if _, err := q.Publish([]byte("hello"), "orders.created", "", ""); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-processed:
		if got != "hello" {
			t.Fatalf("expected payload hello, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestRecoveryAcrossReopenRestoresPendingMessage(t *testing.T) {
	cfg := testConfig(t, true)

	q, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Publish([]byte("durable"), "orders.created", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	env, ok := reopened.GetMessage(id)
	if !ok {
		t.Fatal("expected the message to survive a close/reopen cycle")
	}
	if string(env.Payload) != "durable" {
		t.Fatalf("expected payload to survive recovery unchanged, got %q", env.Payload)
	}
}

func TestTriggerSnapshotWritesSnapshotFile(t *testing.T) {
	cfg := testConfig(t, true)
	q, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	if _, err := q.Publish([]byte("1"), "orders.created", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := q.TriggerSnapshot(); err != nil {
		t.Fatal(err)
	}

	snapshotPath := filepath.Join(cfg.Persistence.StoragePath, "snapshot.bin")
	if _, err := os.Stat(snapshotPath); err != nil {
		t.Fatalf("expected a snapshot file to exist at %s: %v", snapshotPath, err)
	}
}
