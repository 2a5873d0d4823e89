package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed request for callers and observability.
type Kind string

const (
	// KindAuthRequired means the call needs a credential that is missing
	// or was definitively rejected. The only kind with a side effect
	// beyond the failing call: the session is torn down.
	KindAuthRequired Kind = "auth_required"

	// KindPermissionDenied means the caller is authenticated but not
	// allowed. Session state is left completely unchanged.
	KindPermissionDenied Kind = "permission_denied"

	// KindTimeout means the call's deadline elapsed.
	KindTimeout Kind = "timeout"

	// KindNetwork covers connection failures, DNS errors, and
	// cross-origin failures.
	KindNetwork Kind = "network"

	// KindHTTP carries any other non-success HTTP status.
	KindHTTP Kind = "http"

	// KindParse means the response body was malformed. Never substituted
	// with cached data; always propagated.
	KindParse Kind = "parse"

	// KindSyncExhausted mirrors a sync task's terminal failure.
	KindSyncExhausted Kind = "sync_exhausted"
)

// Error is the typed error surfaced by the gateway. Its message is
// already scrubbed of the backend address.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Status > 0 && e.Err != nil:
		return fmt.Sprintf("gateway %s error (status %d): %s: %v", e.Kind, e.Status, e.Message, e.Err)
	case e.Status > 0:
		return fmt.Sprintf("gateway %s error (status %d): %s", e.Kind, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s error: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("gateway %s error: %s", e.Kind, e.Message)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error, or "" when the
// error did not come from the gateway.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// classifyStatus maps a non-success HTTP status to an error kind.
// 401 on a non-auth endpoint is the credential-rejected signal; 403 is
// a permission rejection and must not touch session state.
func classifyStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized:
		return KindAuthRequired
	case http.StatusForbidden:
		return KindPermissionDenied
	default:
		return KindHTTP
	}
}

// shouldRetry reports whether a failed attempt is worth repeating.
// Client errors are final; server errors and network failures are
// transient. A timeout is the caller's deadline and retrying inside it
// cannot help.
func shouldRetry(kind Kind, status int) bool {
	switch kind {
	case KindNetwork:
		return true
	case KindHTTP:
		return status >= 500
	default:
		return false
	}
}

// queueable reports whether a write failure should be handed to the
// offline sync queue rather than surfaced: only failures that indicate
// the backend was unreachable, not ones it answered.
func queueable(err error) bool {
	kind := KindOf(err)
	return kind == KindNetwork || kind == KindTimeout
}
