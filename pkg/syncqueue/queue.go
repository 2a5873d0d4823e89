// Package syncqueue provides the durable, crash-resilient queue of write
// operations made while offline, replayed with bounded retries when
// connectivity returns.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nivael/syncline/pkg/backoff"
	"github.com/nivael/syncline/pkg/events"
	"github.com/nivael/syncline/pkg/store"
)

var (
	tasksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncline_sync_tasks_enqueued_total",
		Help: "Total sync tasks enqueued",
	})

	tasksDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncline_sync_tasks_delivered_total",
		Help: "Total sync tasks delivered successfully",
	})

	tasksExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncline_sync_tasks_exhausted_total",
		Help: "Total sync tasks dropped after exhausting their retry budget",
	})

	deliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncline_sync_delivery_attempts_total",
		Help: "Total delivery attempts by result",
	}, []string{"result"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncline_sync_queue_depth",
		Help: "Current number of pending sync tasks",
	})
)

// storePrefix namespaces tasks inside the shared durable store.
const storePrefix = "sync:"

// ErrTaskExhausted marks a task that used up its retry budget. It is
// reported once via the event bus and never retried again.
var ErrTaskExhausted = errors.New("syncqueue: task exhausted retry budget")

// Sender delivers one task to the backend. The gateway implements it.
type Sender interface {
	Send(ctx context.Context, task Task) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, task Task) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Config holds the queue configuration.
type Config struct {
	// Store is the durable store backing the queue (required).
	Store store.Store

	// Sender delivers tasks (required).
	Sender Sender

	// Bus carries connectivity signals in and sync outcomes out. Optional.
	Bus *events.Bus

	// Backoff spaces replay cycles while tasks keep failing.
	Backoff backoff.Policy

	// MaxConcurrency bounds replay fan-out, to avoid overwhelming the
	// backend during a reconnect storm (default: 2).
	MaxConcurrency int

	// Logger is the component logger.
	Logger zerolog.Logger
}

// Queue is the offline sync queue.
type Queue struct {
	store   store.Store
	sender  Sender
	bus     *events.Bus
	backoff backoff.Policy
	fanout  int
	logger  zerolog.Logger

	online atomic.Bool

	// replayMu serializes replay cycles; connectivity flaps must not
	// produce overlapping replays of the same tasks.
	replayMu sync.Mutex
}

// New creates a queue over the given durable store. The queue starts
// offline; the host drives online state via SetOnline or the event bus.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.Default()
	}

	q := &Queue{
		store:   cfg.Store,
		sender:  cfg.Sender,
		bus:     cfg.Bus,
		backoff: cfg.Backoff,
		fanout:  cfg.MaxConcurrency,
		logger:  cfg.Logger,
	}

	// Tasks may already be persisted from a previous run.
	if pending, err := q.Pending(context.Background()); err == nil {
		queueDepth.Set(float64(len(pending)))
	}

	return q, nil
}

// SetOnline updates the connectivity state.
func (q *Queue) SetOnline(online bool) {
	q.online.Store(online)
}

// Online reports the current connectivity state.
func (q *Queue) Online() bool {
	return q.online.Load()
}

// Enqueue persists the task durably first, then attempts immediate
// delivery if online. The task ID is returned; delivery outcomes are
// reported via the event bus.
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.Endpoint == "" {
		return "", fmt.Errorf("task endpoint is required")
	}
	if task.Method == "" {
		task.Method = "POST"
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.IdempotencyKey == "" {
		task.IdempotencyKey = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = DefaultMaxAttempts
	}

	// Durability before delivery: a crash after this point loses nothing.
	if err := q.persist(ctx, task); err != nil {
		return "", err
	}

	tasksEnqueued.Inc()
	queueDepth.Inc()
	q.publish(events.Event{Type: events.TypeSyncEnqueued, TaskID: task.ID, Detail: task.Kind})
	q.logger.Debug().Str("task_id", task.ID).Str("kind", task.Kind).Msg("Sync task enqueued")

	if q.Online() {
		if err := q.process(ctx, task); err != nil {
			q.logger.Debug().Err(err).Str("task_id", task.ID).Msg("Immediate delivery failed, task stays queued")
		}
	}

	return task.ID, nil
}

// Pending returns all persisted tasks ordered by creation time.
func (q *Queue) Pending(ctx context.Context) ([]Task, error) {
	persisted, err := q.store.List(ctx, storePrefix)
	if err != nil {
		return nil, fmt.Errorf("list sync tasks: %w", err)
	}

	tasks := make([]Task, 0, len(persisted))
	for key, data := range persisted {
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			q.logger.Warn().Str("key", key).Msg("Dropping undecodable sync task")
			_ = q.store.Delete(ctx, key)
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// PendingByKind returns the number of persisted tasks per task kind,
// for host UIs that surface "N unsent changes" breakdowns.
func (q *Queue) PendingByKind(ctx context.Context) (map[string]int, error) {
	tasks, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(tasks))
	for _, task := range tasks {
		counts[task.Kind]++
	}
	return counts, nil
}

// ReplayAll attempts delivery for every persisted task with bounded
// fan-out. A failure on one task does not abort the others. It returns
// the number of tasks still pending afterwards.
func (q *Queue) ReplayAll(ctx context.Context) (int, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	tasks, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	q.logger.Info().Int("tasks", len(tasks)).Msg("Replaying sync queue")

	var g errgroup.Group
	g.SetLimit(q.fanout)
	var remaining atomic.Int32

	for _, task := range tasks {
		g.Go(func() error {
			if err := q.process(ctx, task); err != nil && !errors.Is(err, ErrTaskExhausted) {
				remaining.Add(1)
			}
			// Task failures never abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	return int(remaining.Load()), nil
}

// process performs one delivery attempt. Success deletes the task and
// emits a delivered event. Failure increments the attempt count and
// re-persists; hitting the retry budget deletes the task and emits a
// terminal-failure event instead of retrying further.
func (q *Queue) process(ctx context.Context, task Task) error {
	err := q.sender.Send(ctx, task)
	if err == nil {
		deliveryAttempts.WithLabelValues("success").Inc()
		if derr := q.remove(ctx, task.ID); derr != nil {
			// The task will be retried and must be idempotent anyway. It is
			// still persisted, so the depth gauge keeps counting it; the
			// replay that finally removes it does the decrement.
			q.logger.Warn().Err(derr).Str("task_id", task.ID).Msg("Delivered task could not be removed")
		} else {
			queueDepth.Dec()
		}
		tasksDelivered.Inc()
		q.publish(events.Event{Type: events.TypeSyncDelivered, TaskID: task.ID, Detail: task.Kind})
		q.logger.Info().Str("task_id", task.ID).Str("kind", task.Kind).Msg("Sync task delivered")
		return nil
	}

	deliveryAttempts.WithLabelValues("failure").Inc()
	task.Attempts++

	if task.Attempts >= task.MaxAttempts {
		if derr := q.remove(ctx, task.ID); derr != nil {
			q.logger.Warn().Err(derr).Str("task_id", task.ID).Msg("Exhausted task could not be removed")
		} else {
			queueDepth.Dec()
		}
		tasksExhausted.Inc()
		q.publish(events.Event{Type: events.TypeSyncExhausted, TaskID: task.ID, Detail: task.Kind})
		q.logger.Error().
			Str("task_id", task.ID).
			Str("kind", task.Kind).
			Int("attempts", task.Attempts).
			Msg("Sync task exhausted retry budget, dropping")
		return fmt.Errorf("%w: %v", ErrTaskExhausted, err)
	}

	if perr := q.persist(ctx, task); perr != nil {
		q.logger.Warn().Err(perr).Str("task_id", task.ID).Msg("Re-persisting failed task attempt count failed")
	}
	q.logger.Debug().
		Str("task_id", task.ID).
		Int("attempt", task.Attempts).
		Int("max_attempts", task.MaxAttempts).
		Msg("Sync task delivery failed, will retry")
	return err
}

// Start subscribes to connectivity and lifecycle signals and replays the
// queue when they fire. It blocks until ctx is cancelled or the bus
// closes, so run it in its own goroutine.
//
// While tasks keep failing and the queue believes it is online, replay
// cycles continue with backoff between them.
func (q *Queue) Start(ctx context.Context) {
	if q.bus == nil {
		return
	}
	ch, cancel := q.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			switch event.Type {
			case events.TypeOffline:
				q.SetOnline(false)
			case events.TypeOnline, events.TypeResume, events.TypeForeground:
				if event.Type == events.TypeOnline {
					q.SetOnline(true)
				}
				q.drain(ctx)
			}
		}
	}
}

// drain replays until the queue is empty, connectivity drops, or ctx is
// cancelled, waiting out the backoff policy between cycles.
func (q *Queue) drain(ctx context.Context) {
	for cycle := 1; q.Online(); cycle++ {
		remaining, err := q.ReplayAll(ctx)
		if err != nil {
			q.logger.Warn().Err(err).Msg("Replay cycle failed")
			return
		}
		if remaining == 0 {
			return
		}
		if err := q.backoff.Wait(ctx, cycle); err != nil {
			return
		}
	}
}

func (q *Queue) persist(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal sync task: %w", err)
	}
	if err := q.store.Put(ctx, storePrefix+task.ID, data); err != nil {
		return fmt.Errorf("persist sync task: %w", err)
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	return q.store.Delete(ctx, storePrefix+id)
}

func (q *Queue) publish(event events.Event) {
	if q.bus != nil {
		q.bus.Publish(event)
	}
}
