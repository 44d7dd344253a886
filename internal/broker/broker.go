// Package broker defines the gateway contract to the third-party broker that
// custodies the trading account, and the failure taxonomy callers use to
// decide whether to retry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/model"
)

// Credentials authenticate one trading account at the gateway.
type Credentials struct {
	Login    string
	Password string
	Server   string
}

// CloseFill is the broker's confirmation of a position close.
type CloseFill struct {
	Ticket          string
	ClosedVolume    decimal.Decimal
	RemainingVolume decimal.Decimal
	ClosePrice      decimal.Decimal
	RealizedPnL     decimal.Decimal
	ClosedAt        time.Time
}

// Gateway is the broker-side API. Implementations parse broker responses
// into typed values before returning.
type Gateway interface {
	Login(ctx context.Context, creds Credentials) error
	Logout(ctx context.Context) error
	Account(ctx context.Context) (model.AccountSnapshot, error)
	Positions(ctx context.Context) ([]model.BrokerPosition, error)
	Quotes(ctx context.Context, symbols []string) (map[string]model.Quote, error)
	ClosePosition(ctx context.Context, ticket string) (CloseFill, error)
}

// AuthenticationError means the gateway rejected the credentials. It is
// fatal until the credentials rotate.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "broker: authentication failed: " + e.Message
}

// TransientNetworkError covers timeouts, transport failures and 5xx
// responses. Retried per the circuit-breaker policy.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("broker: %s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitedError asks the caller to wait RetryAfter before the next call.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("broker: rate limited, retry after %s", e.RetryAfter)
}

// RejectedError is a definitive broker refusal of a request, e.g. closing a
// ticket that is already closed or does not exist.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker: rejected (%s): %s", e.Code, e.Message)
}

// IsAuth reports whether err is an AuthenticationError.
func IsAuth(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsRejected reports whether err is a RejectedError.
func IsRejected(err error) bool {
	var target *RejectedError
	return errors.As(err, &target)
}

// IsTransient reports whether err should be retried: transient network
// failures, rate limiting, and context deadlines.
func IsTransient(err error) bool {
	var tn *TransientNetworkError
	var rl *RateLimitedError
	return errors.As(err, &tn) || errors.As(err, &rl) || errors.Is(err, context.DeadlineExceeded)
}

// RetryAfter returns the server-specified delay of a RateLimitedError.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
