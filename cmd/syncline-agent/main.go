// Command syncline-agent runs the data-access layer as a local sidecar:
// an HTTP surface in front of the gateway, with durable cache and sync
// queue state in SQLite or Redis.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nivael/syncline/pkg/cache"
	"github.com/nivael/syncline/pkg/events"
	"github.com/nivael/syncline/pkg/gateway"
	"github.com/nivael/syncline/pkg/logging"
	"github.com/nivael/syncline/pkg/session"
	"github.com/nivael/syncline/pkg/store"
	"github.com/nivael/syncline/pkg/store/redisstore"
	"github.com/nivael/syncline/pkg/store/sqlitestore"
	"github.com/nivael/syncline/pkg/syncqueue"
)

type config struct {
	BackendURL string        `env:"BACKEND_URL,required"`
	ListenAddr string        `env:"LISTEN_ADDR" envDefault:":8080"`
	DBPath     string        `env:"DB_PATH" envDefault:"syncline.db"`
	RedisAddr  string        `env:"REDIS_ADDR"`
	UserAgent  string        `env:"USER_AGENT" envDefault:"syncline-agent/1.0"`
	Timeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LogLevel   string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty  bool          `env:"LOG_PRETTY" envDefault:"false"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncline-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	logger := logging.Setup(logging.Config{
		Level:      logging.LogLevel(cfg.LogLevel),
		Pretty:     cfg.LogPretty,
		RedactAddr: cfg.BackendURL,
	})

	durable, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer durable.Close()

	bus := events.NewBus(64)
	defer bus.Close()

	sessionMgr := session.NewManager(session.Config{
		Bus:    bus,
		Logger: logging.NewLogger("session"),
	})

	requestCache := cache.New(cache.Options{
		Durable: durable,
		Logger:  logging.NewLogger("cache"),
	})

	gw, err := gateway.New(gateway.Config{
		BaseURL:   cfg.BackendURL,
		Timeout:   cfg.Timeout,
		UserAgent: cfg.UserAgent,
		Session:   sessionMgr,
		Cache:     requestCache,
		Logger:    logging.NewLogger("gateway"),
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Close()

	queue, err := syncqueue.New(syncqueue.Config{
		Store:  durable,
		Sender: gw,
		Bus:    bus,
		Logger: logging.NewLogger("syncqueue"),
	})
	if err != nil {
		return fmt.Errorf("create sync queue: %w", err)
	}
	gw.AttachQueue(queue)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go queue.Start(ctx)

	// The agent process has its own connectivity; assume online at boot
	// and let the bus drive transitions from there.
	queue.SetOnline(true)
	bus.Publish(events.Event{Type: events.TypeOnline})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("POST /session", sessionHandler(sessionMgr))
	mux.HandleFunc("GET /proxy/", proxyHandler(gw))
	mux.HandleFunc("POST /sync", syncHandler(gw))
	mux.HandleFunc("GET /sync/pending", pendingHandler(queue))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("Agent listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore picks Redis when configured, SQLite otherwise.
func openStore(cfg config, logger zerolog.Logger) (store.Store, error) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info().Msg("Using Redis durable store")
		return redisstore.New(client, "syncline")
	}

	s, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	logger.Info().Str("path", cfg.DBPath).Msg("Using SQLite durable store")
	return s, nil
}

func sessionHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := mgr.SetCredential(session.Credential{Token: body.Token}); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func proxyHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path[len("/proxy"):]
		query := r.URL.Query()
		resource := query.Get("resource")
		query.Del("resource")

		data, err := gw.Get(r.Context(), endpoint, gateway.RequestOptions{
			Resource:    resource,
			Query:       query,
			RequireAuth: r.Header.Get("Authorization") != "" || query.Get("auth") == "1",
			CallerID:    r.Header.Get("X-Caller-ID"),
		})
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func syncHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Kind     string          `json:"kind"`
			Method   string          `json:"method"`
			Endpoint string          `json:"endpoint"`
			Payload  json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}

		id, err := gw.EnqueueSync(r.Context(), body.Method, body.Endpoint, body.Payload,
			gateway.RequestOptions{TaskKind: body.Kind})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"task_id": id})
	}
}

func pendingHandler(queue *syncqueue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := queue.Pending(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pending)
	}
}

// writeGatewayError maps gateway error kinds to HTTP statuses.
func writeGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch gateway.KindOf(err) {
	case gateway.KindAuthRequired:
		status = http.StatusUnauthorized
	case gateway.KindPermissionDenied:
		status = http.StatusForbidden
	case gateway.KindTimeout:
		status = http.StatusGatewayTimeout
	case gateway.KindHTTP:
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Status > 0 {
			status = gwErr.Status
		}
	}
	http.Error(w, err.Error(), status)
}
