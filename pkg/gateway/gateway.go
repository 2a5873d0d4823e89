// Package gateway is the single chokepoint for backend communication.
// Every request passes through it: authentication headers, caching
// strategy, retry, error classification, and address redaction all
// happen here and nowhere else.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nivael/syncline/pkg/backoff"
	"github.com/nivael/syncline/pkg/cache"
	"github.com/nivael/syncline/pkg/policy"
	"github.com/nivael/syncline/pkg/session"
	"github.com/nivael/syncline/pkg/syncqueue"
)

// Prometheus metrics for gateway operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncline_requests_total",
		Help: "Total number of backend requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncline_request_duration_seconds",
		Help:    "Backend request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncline_errors_total",
		Help: "Total number of classified request errors by kind",
	}, []string{"kind"})
)

// Defaults.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultUserAgent   = "syncline/1.0"

	// defaultAuthPrefix marks the endpoints whose 401 responses mean
	// "login failed", not "session died".
	defaultAuthPrefix = "/auth/"
)

// Config holds the gateway configuration.
type Config struct {
	// BaseURL is the backend base URL. Required. It never appears in
	// errors or logs; see Redactor.
	BaseURL string

	// Timeout is the per-attempt request timeout (default: DefaultTimeout).
	Timeout time.Duration

	// UserAgent identifies this client (default: DefaultUserAgent).
	UserAgent string

	// CSRFToken, when set, is attached as X-CSRF-Token to every
	// state-changing request. Optional.
	CSRFToken func() string

	// Session supplies authentication. Optional: without it only
	// unauthenticated requests are possible.
	Session *session.Manager

	// Cache is the freshness-aware request cache. Optional: without it
	// every read goes to the network.
	Cache *cache.Cache

	// Policies is the caching rule table (default: built-in policies).
	Policies *policy.Registry

	// Conditions reports the current device conditions. Optional
	// (default: always online).
	Conditions func() policy.Conditions

	// Retry is the backoff policy for transient failures (default:
	// backoff.Default).
	Retry backoff.Policy

	// MaxAttempts bounds attempts per request (default: DefaultMaxAttempts).
	MaxAttempts int

	// AuthEndpointPrefix overrides the path prefix treated as
	// authentication endpoints (default: "/auth/").
	AuthEndpointPrefix string

	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client

	// Logger is the component logger.
	Logger zerolog.Logger
}

// RequestOptions configures a single request.
type RequestOptions struct {
	// RequireAuth gates the request on a usable credential.
	RequireAuth bool

	// Resource selects the caching policy. Empty uses the fallback policy.
	Resource string

	// CallerID scopes the cache entry when the resource's policy is
	// per-caller.
	CallerID string

	// Query are the request's query parameters.
	Query url.Values

	// Headers are additional request headers.
	Headers map[string]string

	// Timeout overrides the gateway's per-attempt timeout.
	Timeout time.Duration

	// QueueOnFailure hands a write that failed with a connectivity error
	// to the sync queue instead of surfacing the error.
	QueueOnFailure bool

	// TaskKind labels the queued task (e.g. "submit-report").
	TaskKind string
}

// Gateway is the data-access chokepoint.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	timeout    time.Duration
	csrfToken  func() string
	authPrefix string

	session    *session.Manager
	cache      *cache.Cache
	policies   *policy.Registry
	conditions func() policy.Conditions

	retry       backoff.Policy
	maxAttempts int

	queue    *syncqueue.Queue
	redactor *Redactor
	logger   zerolog.Logger
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.Default()
	}
	if cfg.Policies == nil {
		cfg.Policies = policy.NewRegistry()
	}
	if cfg.Conditions == nil {
		cfg.Conditions = policy.AlwaysOnline
	}
	if cfg.AuthEndpointPrefix == "" {
		cfg.AuthEndpointPrefix = defaultAuthPrefix
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Gateway{
		httpClient:  cfg.HTTPClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:   cfg.UserAgent,
		timeout:     cfg.Timeout,
		csrfToken:   cfg.CSRFToken,
		authPrefix:  cfg.AuthEndpointPrefix,
		session:     cfg.Session,
		cache:       cfg.Cache,
		policies:    cfg.Policies,
		conditions:  cfg.Conditions,
		retry:       cfg.Retry,
		maxAttempts: cfg.MaxAttempts,
		redactor:    NewRedactor(cfg.BaseURL),
		logger:      cfg.Logger,
	}, nil
}

// AttachQueue wires the offline sync queue. Called after construction
// because the queue's sender is the gateway itself.
func (g *Gateway) AttachQueue(q *syncqueue.Queue) {
	g.queue = q
}

// Close releases idle connections.
func (g *Gateway) Close() {
	g.httpClient.CloseIdleConnections()
}

// Get performs a read through the resource's caching strategy.
func (g *Gateway) Get(ctx context.Context, endpoint string, opts RequestOptions) ([]byte, error) {
	if err := g.authGate(opts); err != nil {
		return nil, err
	}

	p := g.policies.Policy(opts.Resource)
	if g.cache == nil || p.Strategy == policy.StrategyNetworkOnly ||
		!g.policies.ShouldCache(opts.Resource, g.conditions()) {
		resp, err := g.do(ctx, http.MethodGet, endpoint, opts, nil)
		if err != nil {
			return nil, err
		}
		return resp.body, nil
	}

	key := g.cacheKey(endpoint, opts, p)
	switch p.Strategy {
	case policy.StrategyNetworkFirst:
		return g.getNetworkFirst(ctx, key, endpoint, opts, p)
	default:
		return g.getCacheFirst(ctx, key, endpoint, opts, p)
	}
}

// Post performs a create. On a connectivity failure with
// QueueOnFailure set, the write is enqueued for later replay and nil
// data with nil error is returned; delivery is reported on the event bus.
func (g *Gateway) Post(ctx context.Context, endpoint string, body any, opts RequestOptions) ([]byte, error) {
	return g.write(ctx, http.MethodPost, endpoint, body, opts)
}

// Put performs an update. Queue handoff works as for Post.
func (g *Gateway) Put(ctx context.Context, endpoint string, body any, opts RequestOptions) ([]byte, error) {
	return g.write(ctx, http.MethodPut, endpoint, body, opts)
}

// Delete performs a deletion. Queue handoff works as for Post.
func (g *Gateway) Delete(ctx context.Context, endpoint string, opts RequestOptions) ([]byte, error) {
	return g.write(ctx, http.MethodDelete, endpoint, nil, opts)
}

// EnqueueSync hands a write to the sync queue without attempting it
// first. Used when the host already knows it is offline.
func (g *Gateway) EnqueueSync(ctx context.Context, method, endpoint string, body any, opts RequestOptions) (string, error) {
	if g.queue == nil {
		return "", fmt.Errorf("no sync queue attached")
	}
	payload, err := marshalBody(body)
	if err != nil {
		return "", err
	}
	return g.queue.Enqueue(ctx, syncqueue.Task{
		Kind:        opts.TaskKind,
		Endpoint:    endpoint,
		Method:      method,
		Payload:     payload,
		Headers:     opts.Headers,
		RequireAuth: opts.RequireAuth,
	})
}

// Send delivers a queued task. It implements syncqueue.Sender. The
// queue owns the retry schedule, so each delivery is a single attempt.
func (g *Gateway) Send(ctx context.Context, task syncqueue.Task) error {
	opts := RequestOptions{
		RequireAuth: task.RequireAuth,
		Headers:     map[string]string{},
	}
	for k, v := range task.Headers {
		opts.Headers[k] = v
	}
	if task.IdempotencyKey != "" {
		opts.Headers["Idempotency-Key"] = task.IdempotencyKey
	}
	if err := g.authGate(opts); err != nil {
		return err
	}

	_, attemptErr := g.attempt(ctx, task.Method, task.Endpoint, task.Payload, opts, nil)
	if attemptErr == nil {
		return nil
	}
	return attemptErr.err
}

// write runs the common write path: single network call chain, then
// queue handoff for connectivity failures.
func (g *Gateway) write(ctx context.Context, method, endpoint string, body any, opts RequestOptions) ([]byte, error) {
	if err := g.authGate(opts); err != nil {
		return nil, err
	}
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}

	resp, err := g.do(ctx, method, endpoint, opts, payload)
	if err != nil {
		if opts.QueueOnFailure && g.queue != nil && queueable(err) {
			id, qerr := g.queue.Enqueue(ctx, syncqueue.Task{
				Kind:        opts.TaskKind,
				Endpoint:    endpoint,
				Method:      method,
				Payload:     payload,
				Headers:     opts.Headers,
				RequireAuth: opts.RequireAuth,
			})
			if qerr != nil {
				g.logger.Error().Err(qerr).Str("endpoint", endpoint).Msg("Queue handoff failed")
				return nil, err
			}
			g.logger.Info().Str("task_id", id).Str("endpoint", endpoint).Msg("Write queued for sync")
			return nil, nil
		}
		return nil, err
	}
	return resp.body, nil
}

// authGate is the fail-fast check before any authenticated request.
func (g *Gateway) authGate(opts RequestOptions) error {
	if !opts.RequireAuth {
		return nil
	}
	if g.session == nil || !g.session.CanMakeAuthenticatedCall() {
		errorsTotal.WithLabelValues(string(KindAuthRequired)).Inc()
		return &Error{Kind: KindAuthRequired, Message: "no usable credential"}
	}
	return nil
}

// --- read strategies ---

func (g *Gateway) getCacheFirst(ctx context.Context, key, endpoint string, opts RequestOptions, p policy.Policy) ([]byte, error) {
	if lookup, ok := g.cache.Get(key); ok {
		if lookup.Stale && p.BackgroundRefresh {
			g.cache.Refresh(key, g.producer(endpoint, opts, p, &lookup))
		}
		return lookup.Data, nil
	}

	entry, err := g.cache.Do(ctx, key, g.producer(endpoint, opts, p, nil))
	if err != nil {
		return nil, g.classifyCancel(err)
	}
	return entry.Data, nil
}

func (g *Gateway) getNetworkFirst(ctx context.Context, key, endpoint string, opts RequestOptions, p policy.Policy) ([]byte, error) {
	var prior *cache.Lookup
	if lookup, ok := g.cache.GetAny(key); ok && (lookup.ETag != "" || !lookup.LastModified.IsZero()) {
		prior = &lookup
	}

	entry, err := g.cache.Do(ctx, key, g.producer(endpoint, opts, p, prior))
	if err != nil {
		// Last resort: any cached data, however old, beats a
		// connectivity error.
		if kind := KindOf(err); kind == KindNetwork || kind == KindTimeout {
			if lookup, ok := g.cache.GetAny(key); ok {
				g.logger.Debug().Str("key", key).Msg("Network failed, serving cached fallback")
				return lookup.Data, nil
			}
		}
		return nil, g.classifyCancel(err)
	}
	return entry.Data, nil
}

// classifyCancel types a caller cancellation leaking out of the cache
// layer. Cache.Do hands back the bare context error when the caller
// detaches from a shared fetch; at this boundary every failure carries a
// classification, and a cancelled call is a timeout to its caller.
func (g *Gateway) classifyCancel(err error) error {
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		errorsTotal.WithLabelValues(string(KindTimeout)).Inc()
		return &Error{Kind: KindTimeout, Message: "request cancelled", Err: err}
	}
	return err
}

// producer builds the cache producer for a read: fetch, and on a 304
// revalidation keep the previous body with a restarted freshness clock.
func (g *Gateway) producer(endpoint string, opts RequestOptions, p policy.Policy, prior *cache.Lookup) cache.Producer {
	return func(ctx context.Context) (cache.Entry, error) {
		resp, err := g.doConditional(ctx, http.MethodGet, endpoint, opts, nil, prior)
		if err != nil {
			return cache.Entry{}, err
		}

		entry := cache.Entry{
			Data:        resp.body,
			ETag:        resp.etag,
			MaxAge:      p.MaxAge,
			StaleWindow: p.StaleWindow,
		}
		if resp.lastModified != "" {
			if t, err := http.ParseTime(resp.lastModified); err == nil {
				entry.LastModified = t
			}
		}
		if resp.notModified && prior != nil {
			entry.Data = prior.Data
			if entry.ETag == "" {
				entry.ETag = prior.ETag
			}
			if entry.LastModified.IsZero() {
				entry.LastModified = prior.LastModified
			}
		}
		return entry, nil
	}
}

func (g *Gateway) cacheKey(endpoint string, opts RequestOptions, p policy.Policy) string {
	key := cache.Key{Endpoint: endpoint, Query: opts.Query}
	if p.PerCallerScope {
		key.Caller = opts.CallerID
	}
	return key.String()
}

// --- request execution ---

// response is a completed backend response.
type response struct {
	status       int
	body         []byte
	etag         string
	lastModified string
	notModified  bool
}

// do executes a request with retry. Transient failures are repeated
// under the backoff policy; everything else surfaces immediately.
func (g *Gateway) do(ctx context.Context, method, endpoint string, opts RequestOptions, body []byte) (*response, error) {
	return g.doConditional(ctx, method, endpoint, opts, body, nil)
}

// doConditional is do with revalidation headers from a prior cache
// lookup attached.
func (g *Gateway) doConditional(ctx context.Context, method, endpoint string, opts RequestOptions, body []byte, prior *cache.Lookup) (*response, error) {
	var resp *response
	err := retryWithBackoff(ctx, g.retry, g.maxAttempts, g.logger, func() *attemptError {
		var attemptErr *attemptError
		resp, attemptErr = g.attempt(ctx, method, endpoint, body, opts, prior)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt executes exactly one request.
func (g *Gateway) attempt(ctx context.Context, method, endpoint string, body []byte, opts RequestOptions, prior *cache.Lookup) (*response, *attemptError) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := g.buildRequest(reqCtx, method, endpoint, body, opts, prior)
	if err != nil {
		if IsKind(err, KindAuthRequired) {
			errorsTotal.WithLabelValues(string(KindAuthRequired)).Inc()
			return nil, &attemptError{kind: KindAuthRequired, err: err}
		}
		return nil, g.fail(KindNetwork, 0, "build request", err)
	}

	start := time.Now()
	httpResp, err := g.httpClient.Do(req)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		if parentErr := ctx.Err(); errors.Is(parentErr, context.Canceled) {
			// Caller cancellation. From the caller's perspective the
			// request's time ran out; classify it so and never retry.
			errorsTotal.WithLabelValues(string(KindTimeout)).Inc()
			return nil, &attemptError{
				kind: KindTimeout,
				err:  &Error{Kind: KindTimeout, Message: "request cancelled", Err: parentErr},
			}
		}
		if isTimeout(err) {
			return nil, g.fail(KindTimeout, 0, "request timed out", err)
		}
		return nil, g.fail(KindNetwork, 0, "request failed", err)
	}
	defer httpResp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", httpResp.StatusCode)).Inc()

	switch {
	case httpResp.StatusCode == http.StatusNotModified:
		return &response{
			status:       httpResp.StatusCode,
			etag:         httpResp.Header.Get("ETag"),
			lastModified: httpResp.Header.Get("Last-Modified"),
			notModified:  true,
		}, nil

	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, g.fail(KindNetwork, 0, "read response body", err)
		}
		if len(data) > 0 && isJSON(httpResp.Header.Get("Content-Type")) && !json.Valid(data) {
			return nil, g.fail(KindParse, 0, "response is not valid JSON", nil)
		}
		return &response{
			status:       httpResp.StatusCode,
			body:         data,
			etag:         httpResp.Header.Get("ETag"),
			lastModified: httpResp.Header.Get("Last-Modified"),
		}, nil

	case httpResp.StatusCode == http.StatusUnauthorized:
		// A 401 outside the auth endpoints means the credential itself is
		// dead. A 401 from a login endpoint is just a failed login.
		if g.session != nil && !strings.HasPrefix(endpoint, g.authPrefix) {
			g.session.HandleTerminalAuthFailure()
		}
		return nil, g.fail(KindAuthRequired, httpResp.StatusCode, "authentication required", nil)

	case httpResp.StatusCode == http.StatusForbidden:
		// Valid credential, insufficient privilege. The session stays
		// untouched.
		return nil, g.fail(KindPermissionDenied, httpResp.StatusCode, "permission denied", nil)

	default:
		return nil, g.fail(classifyStatus(httpResp.StatusCode), httpResp.StatusCode,
			fmt.Sprintf("backend returned status %d", httpResp.StatusCode), nil)
	}
}

func (g *Gateway) buildRequest(ctx context.Context, method, endpoint string, body []byte, opts RequestOptions, prior *cache.Lookup) (*http.Request, error) {
	u := g.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(opts.Query) > 0 {
		u += "?" + opts.Query.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.userAgent)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	if prior != nil {
		if prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		}
		if !prior.LastModified.IsZero() {
			req.Header.Set("If-Modified-Since", prior.LastModified.UTC().Format(http.TimeFormat))
		}
	}

	if method != http.MethodGet && g.csrfToken != nil {
		if token := g.csrfToken(); token != "" {
			req.Header.Set("X-CSRF-Token", token)
		}
	}

	if opts.RequireAuth && g.session != nil {
		token, err := g.session.ValidToken(ctx)
		if err != nil {
			return nil, &Error{Kind: KindAuthRequired, Message: "credential unavailable", Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// fail records the error metric and builds a redacted attempt error.
func (g *Gateway) fail(kind Kind, status int, message string, cause error) *attemptError {
	errorsTotal.WithLabelValues(string(kind)).Inc()
	if cause != nil {
		message = message + ": " + g.redactor.String(cause.Error())
	}
	return &attemptError{
		kind:   kind,
		status: status,
		err:    &Error{Kind: kind, Status: status, Message: message},
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}

func marshalBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindParse, Message: "marshal request body: " + err.Error()}
		}
		return data, nil
	}
}
