package syncqueue

import (
	"encoding/json"
	"time"
)

// DefaultMaxAttempts bounds delivery retries per task.
const DefaultMaxAttempts = 5

// Task is a pending write operation awaiting delivery to the backend.
// It is persisted durably before any delivery attempt, mutated only by
// incrementing Attempts, and deleted on success or terminal failure.
type Task struct {
	// ID identifies the task in the durable store.
	ID string `json:"id"`

	// Kind labels the operation for the host application (e.g.
	// "form-submission", "message", "preference-update").
	Kind string `json:"kind"`

	// Endpoint is the backend endpoint path to deliver to.
	Endpoint string `json:"endpoint"`

	// Method is the HTTP method (POST, PUT, DELETE).
	Method string `json:"method"`

	// Payload is the request body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Headers are additional request headers captured at enqueue time.
	Headers map[string]string `json:"headers,omitempty"`

	// IdempotencyKey is a client-generated key sent with every delivery
	// attempt so a replayed operation cannot duplicate its side effect
	// on an idempotency-aware backend.
	IdempotencyKey string `json:"idempotency_key"`

	// RequireAuth marks tasks that need a bearer credential on delivery.
	RequireAuth bool `json:"require_auth,omitempty"`

	// CreatedAt orders replay.
	CreatedAt time.Time `json:"created_at"`

	// Attempts counts failed deliveries so far.
	Attempts int `json:"attempts"`

	// MaxAttempts is the retry budget (default: DefaultMaxAttempts).
	MaxAttempts int `json:"max_attempts"`
}
