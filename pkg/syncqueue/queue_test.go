package syncqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nivael/syncline/pkg/backoff"
	"github.com/nivael/syncline/pkg/events"
	"github.com/nivael/syncline/pkg/store"
)

// recordingSender counts deliveries and fails according to failFor.
type recordingSender struct {
	mu       sync.Mutex
	attempts map[string]int
	failFor  map[string]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		attempts: make(map[string]int),
		failFor:  make(map[string]error),
	}
}

func (s *recordingSender) Send(ctx context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[task.ID]++
	return s.failFor[task.ID]
}

func (s *recordingSender) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

func newTestQueue(t *testing.T, st store.Store, sender Sender, bus *events.Bus) *Queue {
	t.Helper()
	q, err := New(Config{
		Store:   st,
		Sender:  sender,
		Bus:     bus,
		Backoff: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return q
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Sender: newRecordingSender()}); err == nil {
		t.Error("New without store should fail")
	}
	if _, err := New(Config{Store: store.NewMemory()}); err == nil {
		t.Error("New without sender should fail")
	}
}

func TestQueue_Enqueue_PersistsBeforeDelivery(t *testing.T) {
	st := store.NewMemory()
	sender := newRecordingSender()
	q := newTestQueue(t, st, sender, nil)
	// Offline: no delivery attempt, task stays put.

	id, err := q.Enqueue(context.Background(), Task{
		Kind:     "form-submission",
		Endpoint: "/v1/forms",
		Payload:  []byte(`{"answer":42}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue returned empty task ID")
	}
	if sender.count(id) != 0 {
		t.Error("offline enqueue should not attempt delivery")
	}

	pending, err := q.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending returned %d tasks, want 1", len(pending))
	}

	task := pending[0]
	if task.ID != id {
		t.Errorf("task ID = %q, want %q", task.ID, id)
	}
	if task.IdempotencyKey == "" {
		t.Error("Enqueue should assign an idempotency key")
	}
	if task.Method != "POST" {
		t.Errorf("default method = %q, want POST", task.Method)
	}
	if task.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("default max attempts = %d, want %d", task.MaxAttempts, DefaultMaxAttempts)
	}
}

func TestQueue_Enqueue_Validation(t *testing.T) {
	q := newTestQueue(t, store.NewMemory(), newRecordingSender(), nil)

	if _, err := q.Enqueue(context.Background(), Task{}); err == nil {
		t.Error("Enqueue without endpoint should fail")
	}
}

func TestQueue_Enqueue_ImmediateDeliveryWhenOnline(t *testing.T) {
	st := store.NewMemory()
	sender := newRecordingSender()
	q := newTestQueue(t, st, sender, nil)
	q.SetOnline(true)

	id, err := q.Enqueue(context.Background(), Task{Endpoint: "/v1/messages"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if sender.count(id) != 1 {
		t.Errorf("delivery attempts = %d, want 1", sender.count(id))
	}

	// Delivered task is removed from durable storage.
	pending, _ := q.Pending(context.Background())
	if len(pending) != 0 {
		t.Errorf("Pending returned %d tasks after delivery, want 0", len(pending))
	}
}

// Restarting the process (a fresh queue over the same store) and
// replaying delivers the task exactly once and removes it durably.
func TestQueue_DurableReplayAfterRestart(t *testing.T) {
	st := store.NewMemory()
	sender := newRecordingSender()

	q1 := newTestQueue(t, st, sender, nil)
	id, err := q1.Enqueue(context.Background(), Task{Endpoint: "/v1/forms"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Restart: new queue instance, same durable store.
	q2 := newTestQueue(t, st, sender, nil)
	q2.SetOnline(true)

	remaining, err := q2.ReplayAll(context.Background())
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if sender.count(id) != 1 {
		t.Errorf("delivery attempts = %d, want exactly 1", sender.count(id))
	}

	pending, _ := q2.Pending(context.Background())
	if len(pending) != 0 {
		t.Errorf("task not removed from durable storage after delivery")
	}
}

// One failing task must not abort replay of the others.
func TestQueue_ReplayAll_IndependentFailures(t *testing.T) {
	st := store.NewMemory()
	sender := newRecordingSender()
	q := newTestQueue(t, st, sender, nil)

	good1, _ := q.Enqueue(context.Background(), Task{Endpoint: "/v1/a"})
	bad, _ := q.Enqueue(context.Background(), Task{Endpoint: "/v1/b"})
	good2, _ := q.Enqueue(context.Background(), Task{Endpoint: "/v1/c"})
	sender.failFor[bad] = errors.New("backend rejected")

	remaining, err := q.ReplayAll(context.Background())
	if err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}

	for _, id := range []string{good1, good2} {
		if sender.count(id) != 1 {
			t.Errorf("task %s attempts = %d, want 1", id, sender.count(id))
		}
	}

	pending, _ := q.Pending(context.Background())
	if len(pending) != 1 || pending[0].ID != bad {
		t.Errorf("expected only the failing task to remain, got %+v", pending)
	}
	if pending[0].Attempts != 1 {
		t.Errorf("failed task attempts = %d, want 1", pending[0].Attempts)
	}
}

// A task that always fails is retried exactly MaxAttempts times, then
// permanently removed with a terminal-failure event.
func TestQueue_BoundedRetry(t *testing.T) {
	st := store.NewMemory()
	sender := newRecordingSender()
	bus := events.NewBus(16)
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	q := newTestQueue(t, st, sender, bus)

	id, _ := q.Enqueue(context.Background(), Task{Endpoint: "/v1/doomed", MaxAttempts: 3})
	sender.failFor[id] = errors.New("always fails")

	// Replay well past the budget.
	for i := 0; i < 6; i++ {
		_, _ = q.ReplayAll(context.Background())
	}

	if got := sender.count(id); got != 3 {
		t.Errorf("delivery attempts = %d, want exactly 3", got)
	}

	pending, _ := q.Pending(context.Background())
	if len(pending) != 0 {
		t.Error("exhausted task should be removed from durable storage")
	}

	// Events were published synchronously during ReplayAll; drain the buffer.
	var exhausted int
collect:
	for {
		select {
		case event := <-ch:
			if event.Type == events.TypeSyncExhausted {
				exhausted++
				if event.TaskID != id {
					t.Errorf("exhausted event task = %q, want %q", event.TaskID, id)
				}
			}
		default:
			break collect
		}
	}
	if exhausted != 1 {
		t.Errorf("exhausted events = %d, want exactly 1", exhausted)
	}
}

func TestQueue_DeliveredEvent(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	sender := newRecordingSender()
	q := newTestQueue(t, store.NewMemory(), sender, bus)
	q.SetOnline(true)

	id, _ := q.Enqueue(context.Background(), Task{Endpoint: "/v1/ok", Kind: "message"})

	var sawEnqueued, sawDelivered bool
	timeout := time.After(time.Second)
	for !(sawEnqueued && sawDelivered) {
		select {
		case event := <-ch:
			switch event.Type {
			case events.TypeSyncEnqueued:
				sawEnqueued = true
			case events.TypeSyncDelivered:
				sawDelivered = true
				if event.TaskID != id {
					t.Errorf("delivered event task = %q, want %q", event.TaskID, id)
				}
			}
		case <-timeout:
			t.Fatalf("missing events: enqueued=%v delivered=%v", sawEnqueued, sawDelivered)
		}
	}
}

func TestQueue_Pending_Ordering(t *testing.T) {
	st := store.NewMemory()
	q := newTestQueue(t, st, newRecordingSender(), nil)
	ctx := context.Background()

	base := time.Now()
	_, _ = q.Enqueue(ctx, Task{Endpoint: "/v1/second", CreatedAt: base.Add(time.Second)})
	_, _ = q.Enqueue(ctx, Task{Endpoint: "/v1/first", CreatedAt: base})
	_, _ = q.Enqueue(ctx, Task{Endpoint: "/v1/third", CreatedAt: base.Add(2 * time.Second)})

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	want := []string{"/v1/first", "/v1/second", "/v1/third"}
	for i, endpoint := range want {
		if pending[i].Endpoint != endpoint {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].Endpoint, endpoint)
		}
	}
}

// deleteFailingStore fails Delete on demand, simulating a durable store
// that cannot drop a delivered task.
type deleteFailingStore struct {
	store.Store
	failDelete atomic.Bool
}

func (s *deleteFailingStore) Delete(ctx context.Context, key string) error {
	if s.failDelete.Load() {
		return errors.New("disk full")
	}
	return s.Store.Delete(ctx, key)
}

func TestQueue_DepthGaugeTracksSuccessfulRemoveOnly(t *testing.T) {
	st := &deleteFailingStore{Store: store.NewMemory()}
	sender := newRecordingSender()
	q := newTestQueue(t, st, sender, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Task{Endpoint: "/v1/reports"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if got := promtestutil.ToFloat64(queueDepth); got != 1 {
		t.Fatalf("queue depth = %v, want 1 after enqueue", got)
	}

	// Delivery succeeds but the remove fails: the task is still
	// persisted, so the gauge must keep counting it.
	st.failDelete.Store(true)
	if _, err := q.ReplayAll(ctx); err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if got := promtestutil.ToFloat64(queueDepth); got != 1 {
		t.Errorf("queue depth = %v, want 1 while the task is still persisted", got)
	}

	// The next replay removes it for good; exactly one decrement total.
	st.failDelete.Store(false)
	if _, err := q.ReplayAll(ctx); err != nil {
		t.Fatalf("ReplayAll failed: %v", err)
	}
	if got := promtestutil.ToFloat64(queueDepth); got != 0 {
		t.Errorf("queue depth = %v, want 0 after successful remove", got)
	}
	if got := sender.count(id); got != 2 {
		t.Errorf("delivery attempts = %d, want 2 (idempotent redelivery)", got)
	}
}

func TestQueue_PendingByKind(t *testing.T) {
	st := store.NewMemory()
	q := newTestQueue(t, st, newRecordingSender(), nil)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, Task{Kind: "submit-report", Endpoint: "/v1/reports"})
	_, _ = q.Enqueue(ctx, Task{Kind: "submit-report", Endpoint: "/v1/reports"})
	_, _ = q.Enqueue(ctx, Task{Kind: "save-settings", Endpoint: "/v1/settings"})

	counts, err := q.PendingByKind(ctx)
	if err != nil {
		t.Fatalf("PendingByKind failed: %v", err)
	}
	if counts["submit-report"] != 2 || counts["save-settings"] != 1 {
		t.Errorf("counts = %v, want submit-report=2 save-settings=1", counts)
	}
}

// The connectivity-restored signal drives a replay through Start.
func TestQueue_Start_ReplaysOnOnline(t *testing.T) {
	st := store.NewMemory()
	sender := newRecordingSender()
	bus := events.NewBus(16)
	defer bus.Close()

	q := newTestQueue(t, st, sender, bus)
	id, _ := q.Enqueue(context.Background(), Task{Endpoint: "/v1/queued"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	// Give Start time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.Event{Type: events.TypeOnline})

	waitFor(t, func() bool { return sender.count(id) == 1 })

	pending, _ := q.Pending(context.Background())
	if len(pending) != 0 {
		t.Error("task should be removed after replay delivery")
	}
	if !q.Online() {
		t.Error("online event should mark the queue online")
	}
}

func TestQueue_Start_OfflineStopsReplay(t *testing.T) {
	sender := newRecordingSender()
	bus := events.NewBus(16)
	defer bus.Close()

	q := newTestQueue(t, store.NewMemory(), sender, bus)
	q.SetOnline(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.Event{Type: events.TypeOffline})

	waitFor(t, func() bool { return !q.Online() })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

var _ Sender = SenderFunc(nil)
