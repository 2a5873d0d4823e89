package gateway

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nivael/syncline/pkg/backoff"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncline_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncline_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// attemptError reports one attempt's outcome for the retry decision.
type attemptError struct {
	kind   Kind
	status int
	err    error
}

// retryWithBackoff executes fn with the shared backoff policy. fn
// returns nil on success or an attemptError describing the failure.
// Only transient failures (per shouldRetry) are repeated; the final
// attempt's error is returned unwrapped so its classification survives.
func retryWithBackoff(ctx context.Context, policy backoff.Policy, maxAttempts int, logger zerolog.Logger, fn func() *attemptError) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *attemptError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = fn()
		if last == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
			}
			return nil
		}

		if !shouldRetry(last.kind, last.status) {
			return last.err
		}
		if attempt >= maxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(last.kind)).Inc()
		logger.Debug().
			Str("kind", string(last.kind)).
			Int("attempt", attempt).
			Msg("Retrying request after backoff")

		if err := policy.Wait(ctx, attempt); err != nil {
			logger.Warn().Int("attempt", attempt).Msg("Context cancelled during retry backoff")
			return last.err
		}
	}

	retryExhaustedTotal.WithLabelValues(string(last.kind)).Inc()
	logger.Warn().
		Str("kind", string(last.kind)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")
	return last.err
}
