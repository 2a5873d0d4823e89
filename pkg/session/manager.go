// Package session owns the current credential, its expiry, and the
// single-flight refresh that keeps it valid.
//
// The manager distinguishes "credential invalid" from "credential valid
// but insufficient privilege": only the former tears down the session.
// Treating every auth-adjacent 4xx as a logout is the classic bug this
// package exists to prevent.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nivael/syncline/pkg/events"
)

var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncline_token_refresh_total",
		Help: "Total credential refresh operations by result",
	}, []string{"result"})

	terminalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncline_auth_terminal_failures_total",
		Help: "Total terminal auth failures (credential rejected)",
	})
)

// DefaultLookahead is the margin before actual expiry at which a
// proactive refresh is triggered, so an expired credential is never used.
const DefaultLookahead = 5 * time.Minute

// State is the session state machine position.
type State string

const (
	// StateUnauthenticated means no usable credential exists. It is the
	// initial state and the terminal state after an unrecoverable failure.
	StateUnauthenticated State = "unauthenticated"

	// StateAuthenticated means a credential is held and usable.
	StateAuthenticated State = "authenticated"

	// StateRefreshPending means a single-flight refresh is in progress.
	StateRefreshPending State = "refresh_pending"
)

// Credential is the current bearer token and its expiry. Exactly one
// live instance exists per session; it is replaced atomically by a
// refresh and cleared entirely on terminal failure.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// RefreshFunc exchanges the session's refresh material for a new
// credential. Implementations must be safe to call once per refresh
// cycle; the manager guarantees single-flight invocation.
type RefreshFunc func(ctx context.Context) (Credential, error)

// Errors returned by the manager.
var (
	// ErrNoCredential is returned when no credential is held.
	ErrNoCredential = errors.New("session: no credential")

	// ErrRefreshFailed wraps a failed refresh operation.
	ErrRefreshFailed = errors.New("session: credential refresh failed")
)

// Config holds the manager configuration.
type Config struct {
	// Refresh performs the credential refresh. Optional: without it the
	// credential is used until its actual expiry, then cleared.
	Refresh RefreshFunc

	// Lookahead is the pre-expiry refresh window (default: DefaultLookahead).
	Lookahead time.Duration

	// Bus receives the reauth-required signal. Optional.
	Bus *events.Bus

	// Logger is the component logger.
	Logger zerolog.Logger
}

// Manager owns the credential. The credential is mutated only by the
// manager's own methods.
type Manager struct {
	mu    sync.Mutex
	cred  *Credential
	state State

	// sf guarantees one refresh operation regardless of how many callers
	// observe the expiry window simultaneously.
	sf singleflight.Group

	refresh   RefreshFunc
	lookahead time.Duration
	bus       *events.Bus
	logger    zerolog.Logger
}

// NewManager creates a manager in the Unauthenticated state.
func NewManager(cfg Config) *Manager {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	return &Manager{
		state:     StateUnauthenticated,
		refresh:   cfg.Refresh,
		lookahead: cfg.Lookahead,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}
}

// CredentialFromToken builds a Credential from a JWT, reading the expiry
// from its exp claim. The signature is not verified here: verification
// is the backend's job, the client only needs the expiry.
func CredentialFromToken(token string) (Credential, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Credential{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Credential{}, fmt.Errorf("token has no usable exp claim")
	}
	return Credential{Token: token, ExpiresAt: exp.Time}, nil
}

// SetCredential installs a credential, replacing any existing one. A
// zero ExpiresAt is derived from the token's exp claim.
func (m *Manager) SetCredential(cred Credential) error {
	if cred.Token == "" {
		return fmt.Errorf("token is required")
	}
	if cred.ExpiresAt.IsZero() {
		derived, err := CredentialFromToken(cred.Token)
		if err != nil {
			return err
		}
		cred.ExpiresAt = derived.ExpiresAt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = &cred
	m.state = StateAuthenticated
	return nil
}

// State returns the current state machine position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanMakeAuthenticatedCall is the cheap synchronous gate consulted
// before attempting an authenticated request. It returns false only when
// the call is certain to fail: no credential, or an expired credential
// with no way to refresh it.
func (m *Manager) CanMakeAuthenticatedCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return false
	}
	if m.refresh == nil && !time.Now().Before(m.cred.ExpiresAt) {
		return false
	}
	return true
}

// ValidToken returns a token guaranteed not to be past its expiry. A
// credential inside the lookahead window triggers a refresh; concurrent
// callers join the single in-flight refresh and all receive its result.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		return "", ErrNoCredential
	}
	cred := *m.cred
	m.mu.Unlock()

	if time.Until(cred.ExpiresAt) > m.lookahead {
		return cred.Token, nil
	}

	if m.refresh == nil {
		// No refresher: serve the token to actual expiry, then fail.
		if time.Now().Before(cred.ExpiresAt) {
			return cred.Token, nil
		}
		m.logger.Warn().Msg("Credential expired with no refresh configured")
		m.clearCredential()
		return "", ErrNoCredential
	}

	token, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// doRefresh runs exactly once per single-flight cycle.
func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	// A concurrent winner may have already refreshed; don't refresh twice.
	if m.cred != nil && time.Until(m.cred.ExpiresAt) > m.lookahead {
		token := m.cred.Token
		m.mu.Unlock()
		return token, nil
	}
	m.state = StateRefreshPending
	m.mu.Unlock()

	m.logger.Debug().Msg("Refreshing credential")
	cred, err := m.refresh(ctx)
	if err != nil {
		refreshTotal.WithLabelValues("failure").Inc()
		m.logger.Warn().Err(err).Msg("Credential refresh failed")
		m.clearCredential()
		m.notifyReauth("refresh failed")
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if cred.Token == "" || cred.ExpiresAt.IsZero() {
		refreshTotal.WithLabelValues("failure").Inc()
		m.clearCredential()
		m.notifyReauth("refresh returned unusable credential")
		return "", fmt.Errorf("%w: unusable credential", ErrRefreshFailed)
	}

	m.mu.Lock()
	m.cred = &cred
	m.state = StateAuthenticated
	m.mu.Unlock()

	refreshTotal.WithLabelValues("success").Inc()
	m.logger.Debug().Time("expires_at", cred.ExpiresAt).Msg("Credential refreshed")
	return cred.Token, nil
}

// HandleTerminalAuthFailure reacts to a definitive credential-rejected
// signal: the credential is cleared and the host is told to
// re-authenticate. Permission rejections must not be routed here.
func (m *Manager) HandleTerminalAuthFailure() {
	terminalFailures.Inc()
	m.logger.Warn().Msg("Credential rejected by backend, clearing session")
	m.clearCredential()
	m.notifyReauth("credential rejected")
}

// Clear drops the credential without notifying the host. Used on
// explicit logout.
func (m *Manager) Clear() {
	m.clearCredential()
}

func (m *Manager) clearCredential() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	m.state = StateUnauthenticated
}

func (m *Manager) notifyReauth(detail string) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.TypeReauthRequired, Detail: detail})
	}
}
