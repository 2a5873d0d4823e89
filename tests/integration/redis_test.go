package integration

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nivael/syncline/internal/testutil"
	"github.com/nivael/syncline/pkg/gateway"
	"github.com/nivael/syncline/pkg/store/redisstore"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newRedisStack(t *testing.T, client *redis.Client, backendURL string) *stack {
	t.Helper()
	durable, err := redisstore.New(client, "syncline")
	if err != nil {
		t.Fatalf("redisstore.New() error = %v", err)
	}
	return newStack(t, durable, backendURL)
}

// TestRedisBackedQueueSurvivesRestart runs the queued-write flow end to end
// against a real Redis: enqueue on one stack, shut it down, then replay from
// a fresh stack over the same Redis.
func TestRedisBackedQueueSurvivesRestart(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockBackend()
	defer mock.Close()

	var delivered atomic.Int32
	mock.SetHandler("/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 1}`))
	})

	ctx := context.Background()

	first := newRedisStack(t, redisClient, mock.URL())
	id, err := first.gw.EnqueueSync(ctx, http.MethodPost, "/v1/reports",
		map[string]string{"title": "pre-crash"}, gateway.RequestOptions{TaskKind: "submit-report"})
	if err != nil {
		t.Fatalf("EnqueueSync() error = %v", err)
	}
	// The redis store shares the client; only the stack's own plumbing goes.
	first.bus.Close()
	first.gw.Close()

	if delivered.Load() != 0 {
		t.Fatal("task delivered before restart")
	}

	second := newRedisStack(t, redisClient, mock.URL())
	defer func() {
		second.bus.Close()
		second.gw.Close()
	}()

	pending, err := second.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending after restart = %+v, want task %s", pending, id)
	}

	second.queue.SetOnline(true)
	remaining, err := second.queue.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("ReplayAll() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if delivered.Load() != 1 {
		t.Errorf("delivered = %d, want 1", delivered.Load())
	}
}

// TestRedisBackedCacheServesOffline caches a read through Redis, then serves
// it from a fresh stack whose backend is gone.
func TestRedisBackedCacheServesOffline(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockBackend()
	defer mock.Close()
	mock.SetResponse("/v1/catalog", testutil.NewHealthyResponse(`{"entries": [1, 2]}`))

	ctx := context.Background()
	opts := gateway.RequestOptions{Resource: "catalog"}

	first := newRedisStack(t, redisClient, mock.URL())
	want, err := first.gw.Get(ctx, "/v1/catalog", opts)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	first.bus.Close()
	first.gw.Close()

	// Restart against a backend that no longer exists.
	dead := testutil.NewMockBackend()
	backendURL := dead.URL()
	dead.Close()

	second := newRedisStack(t, redisClient, backendURL)
	defer func() {
		second.bus.Close()
		second.gw.Close()
	}()

	got, err := second.gw.Get(ctx, "/v1/catalog", opts)
	if err != nil {
		t.Fatalf("Get() after restart error = %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Get() after restart = %s, want %s", got, want)
	}
}
