// Package session keeps an authenticated, resilient channel to the broker
// gateway for one trading account.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/atmx/risk-bridge/internal/broker"
	"github.com/atmx/risk-bridge/internal/model"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("session: circuit open")
	// ErrBackingOff is returned when a reconnect is attempted before the
	// backoff delay has elapsed.
	ErrBackingOff = errors.New("session: backing off")
	// ErrNotConnected is returned by data calls made without a session.
	ErrNotConnected = errors.New("session: not connected")
	// ErrAuthLatched means a previous login was rejected; no further
	// attempts are made until RotateCredentials is called.
	ErrAuthLatched = errors.New("session: authentication failed, credentials must rotate")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("session: shut down")
)

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	Breaker     BreakerConfig
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	CallTimeout time.Duration
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.Breaker == (BreakerConfig{}) {
		o.Breaker = DefaultBreakerConfig()
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Health is the probe served to the observability collaborator.
type Health struct {
	AccountID           string `json:"accountId"`
	Connected           bool   `json:"connected"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	CircuitState        State  `json:"circuitState"`
	UptimeSeconds       int64  `json:"uptimeSeconds"`
	AuthLatched         bool   `json:"authLatched"`
	LastError           string `json:"lastError,omitempty"`
}

// Manager owns the broker session for one account. State changes (login,
// logout, credential rotation) are serialized by mu; data calls run
// concurrently once connected.
type Manager struct {
	accountID string
	gw        broker.Gateway
	opts      Options
	breaker   *Breaker

	mu          sync.Mutex
	creds       broker.Credentials
	connected   bool
	shutdown    bool
	connectedAt time.Time
	authErr     error
	lastErr     string
	nextAttempt time.Time
	backoff     *backoff.Backoff
}

// NewManager creates a disconnected session manager.
func NewManager(accountID string, gw broker.Gateway, creds broker.Credentials, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		accountID: accountID,
		gw:        gw,
		opts:      opts,
		creds:     creds,
		breaker:   NewBreaker(opts.Breaker, opts.Now),
		backoff: &backoff.Backoff{
			Min:    opts.BackoffMin,
			Max:    opts.BackoffMax,
			Factor: 2,
		},
	}
}

// AccountID returns the account this session serves.
func (m *Manager) AccountID() string { return m.accountID }

// Breaker exposes the circuit breaker for inspection.
func (m *Manager) Breaker() *Breaker { return m.breaker }

// EnsureConnected logs in if there is no live session. It never blocks on
// backoff: a call inside the backoff window or while the breaker is open
// returns immediately so the tick can proceed on last-known-good data.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.authErr != nil {
		return fmt.Errorf("%w: %v", ErrAuthLatched, m.authErr)
	}
	if m.connected {
		return nil
	}
	if !m.breaker.Allow() {
		return fmt.Errorf("%w: retry in %s", ErrCircuitOpen, m.breaker.RetryIn())
	}
	if now := m.opts.Now(); now.Before(m.nextAttempt) {
		m.breaker.Release()
		return fmt.Errorf("%w: next attempt in %s", ErrBackingOff, m.nextAttempt.Sub(now))
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	err := m.gw.Login(callCtx, m.creds)
	cancel()
	if err != nil {
		err = asTransient("login", err)
		m.lastErr = err.Error()
		switch {
		case broker.IsAuth(err):
			m.authErr = err
			m.breaker.Release()
			slog.Error("broker authentication rejected, escalating", "account", m.accountID, "err", err)
		case isRateLimited(err):
			wait, _ := broker.RetryAfter(err)
			m.nextAttempt = m.opts.Now().Add(wait)
			m.breaker.Release()
			slog.Warn("broker login rate limited", "account", m.accountID, "retry_after", wait)
		default:
			m.breaker.Failure()
			m.nextAttempt = m.opts.Now().Add(m.backoff.Duration())
			slog.Warn("broker login failed",
				"account", m.accountID,
				"failures", m.breaker.Failures(),
				"circuit", m.breaker.State(),
				"err", err,
			)
		}
		return err
	}

	m.breaker.Success()
	m.backoff.Reset()
	m.nextAttempt = time.Time{}
	m.connected = true
	m.connectedAt = m.opts.Now()
	m.lastErr = ""
	slog.Info("broker session established", "account", m.accountID)
	return nil
}

// Account returns the current account snapshot.
func (m *Manager) Account(ctx context.Context) (model.AccountSnapshot, error) {
	var snap model.AccountSnapshot
	err := m.call(ctx, "account", func(ctx context.Context) error {
		var err error
		snap, err = m.gw.Account(ctx)
		return err
	})
	if err == nil && snap.AccountID == "" {
		snap.AccountID = m.accountID
	}
	return snap, err
}

// Positions returns the broker's open positions.
func (m *Manager) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	var out []model.BrokerPosition
	err := m.call(ctx, "positions", func(ctx context.Context) error {
		var err error
		out, err = m.gw.Positions(ctx)
		return err
	})
	return out, err
}

// Quotes returns the latest quotes for symbols.
func (m *Manager) Quotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	var out map[string]model.Quote
	err := m.call(ctx, "quotes", func(ctx context.Context) error {
		var err error
		out, err = m.gw.Quotes(ctx, symbols)
		return err
	})
	return out, err
}

// ClosePosition closes a ticket at the broker.
func (m *Manager) ClosePosition(ctx context.Context, ticket string) (broker.CloseFill, error) {
	var fill broker.CloseFill
	err := m.call(ctx, "close", func(ctx context.Context) error {
		var err error
		fill, err = m.gw.ClosePosition(ctx, ticket)
		return err
	})
	return fill, err
}

// call runs fn under the call timeout and feeds the outcome to the breaker.
// Broker rejections are definitive answers, so they count as a healthy
// round trip.
func (m *Manager) call(ctx context.Context, op string, fn func(context.Context) error) error {
	m.mu.Lock()
	connected, shutdown := m.connected, m.shutdown
	m.mu.Unlock()
	if shutdown {
		return ErrShutdown
	}
	if !connected {
		return ErrNotConnected
	}
	if m.breaker.State() == StateOpen {
		return fmt.Errorf("%w: retry in %s", ErrCircuitOpen, m.breaker.RetryIn())
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	err := fn(callCtx)
	cancel()
	if err == nil || broker.IsRejected(err) {
		m.breaker.Success()
		return err
	}

	err = asTransient(op, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err.Error()
	switch {
	case broker.IsAuth(err):
		// Expired session token; the next EnsureConnected logs in again.
		m.connected = false
	case isRateLimited(err):
	case broker.IsTransient(err):
		m.breaker.Failure()
		if m.breaker.State() == StateOpen {
			m.connected = false
		}
	}
	return err
}

// RotateCredentials installs new credentials and clears the auth latch.
func (m *Manager) RotateCredentials(creds broker.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	m.authErr = nil
	m.connected = false
	m.nextAttempt = time.Time{}
	m.backoff.Reset()
	slog.Info("broker credentials rotated", "account", m.accountID)
}

// Shutdown logs out and marks the manager closed. A manager that lost its
// connection still sends a best-effort logout, since the broker may hold a
// half-open session for it; that call's error is ignored. Calling Shutdown
// twice is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil
	}
	m.shutdown = true

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	if !m.connected {
		if err := m.gw.Logout(callCtx); err != nil {
			slog.Debug("logout of disconnected session failed", "account", m.accountID, "err", err)
		}
		return nil
	}
	m.connected = false

	if err := m.gw.Logout(callCtx); err != nil {
		slog.Warn("broker logout failed", "account", m.accountID, "err", err)
		return err
	}
	slog.Info("broker session closed", "account", m.accountID)
	return nil
}

// Health returns the current probe values.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{
		AccountID:           m.accountID,
		Connected:           m.connected,
		ConsecutiveFailures: m.breaker.Failures(),
		CircuitState:        m.breaker.State(),
		AuthLatched:         m.authErr != nil,
		LastError:           m.lastErr,
	}
	if m.connected {
		h.UptimeSeconds = int64(m.opts.Now().Sub(m.connectedAt).Seconds())
	}
	return h
}

// asTransient maps a timed-out call onto the transient class.
func asTransient(op string, err error) error {
	var tn *broker.TransientNetworkError
	if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &tn) {
		return &broker.TransientNetworkError{Op: op, Err: err}
	}
	return err
}

func isRateLimited(err error) bool {
	_, ok := broker.RetryAfter(err)
	return ok
}
