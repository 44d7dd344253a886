package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/broker"
	"github.com/atmx/risk-bridge/internal/broker/brokertest"
	"github.com/atmx/risk-bridge/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) (*session.Manager, *brokertest.Gateway, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	gw := brokertest.New("acct-1")
	m := session.NewManager("acct-1", gw, broker.Credentials{Login: "1", Password: "p"}, session.Options{
		Breaker:     session.BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, MaxCooldown: 2 * time.Minute},
		BackoffMin:  time.Second,
		BackoffMax:  time.Second,
		CallTimeout: time.Second,
		Now:         clk.Now,
	})
	return m, gw, clk
}

func transient() error {
	return &broker.TransientNetworkError{Op: "login", Err: errors.New("connection refused")}
}

func TestBreaker_FiveFailuresOpenThenHalfOpenThenClosed(t *testing.T) {
	m, gw, clk := newManager(t)
	ctx := context.Background()
	gw.Fail(brokertest.OpLogin, transient(), transient(), transient(), transient(), transient())

	for i := 0; i < 5; i++ {
		err := m.EnsureConnected(ctx)
		require.Error(t, err)
		assert.True(t, broker.IsTransient(err))
		clk.Advance(time.Second)
	}
	assert.Equal(t, session.StateOpen, m.Breaker().State())
	assert.Equal(t, 5, m.Health().ConsecutiveFailures)

	// Open: rejected immediately without touching the gateway.
	err := m.EnsureConnected(ctx)
	assert.ErrorIs(t, err, session.ErrCircuitOpen)
	assert.Equal(t, 5, gw.Calls(brokertest.OpLogin))

	var probeState session.State
	gw.Hook = func(_ context.Context, op brokertest.Op) error {
		if op == brokertest.OpLogin {
			probeState = m.Breaker().State()
		}
		return nil
	}
	clk.Advance(30 * time.Second)
	require.NoError(t, m.EnsureConnected(ctx))

	assert.Equal(t, session.StateHalfOpen, probeState)
	assert.Equal(t, session.StateClosed, m.Breaker().State())
	h := m.Health()
	assert.True(t, h.Connected)
	assert.Equal(t, 0, h.ConsecutiveFailures)
}

func TestBreaker_FailedProbeDoublesCooldown(t *testing.T) {
	clk := &clock{now: time.Unix(0, 0)}
	b := session.NewBreaker(session.BreakerConfig{FailureThreshold: 2, Cooldown: 10 * time.Second, MaxCooldown: 25 * time.Second}, clk.Now)

	b.Failure()
	b.Failure()
	require.Equal(t, session.StateOpen, b.State())
	assert.False(t, b.Allow())

	clk.Advance(10 * time.Second)
	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "only one probe while half-open")
	b.Failure()
	assert.Equal(t, session.StateOpen, b.State())
	assert.Equal(t, 20*time.Second, b.Cooldown())

	clk.Advance(20 * time.Second)
	require.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, 25*time.Second, b.Cooldown(), "capped at max")

	clk.Advance(25 * time.Second)
	require.True(t, b.Allow())
	b.Success()
	assert.Equal(t, session.StateClosed, b.State())
	assert.Equal(t, 10*time.Second, b.Cooldown())
}

func TestEnsureConnected_BacksOffBetweenAttempts(t *testing.T) {
	m, gw, clk := newManager(t)
	ctx := context.Background()
	gw.Fail(brokertest.OpLogin, transient())

	require.Error(t, m.EnsureConnected(ctx))
	assert.ErrorIs(t, m.EnsureConnected(ctx), session.ErrBackingOff)
	assert.Equal(t, 1, gw.Calls(brokertest.OpLogin))

	clk.Advance(time.Second)
	require.NoError(t, m.EnsureConnected(ctx))
	assert.Equal(t, 2, gw.Calls(brokertest.OpLogin))
}

func TestEnsureConnected_AuthErrorLatchesUntilRotation(t *testing.T) {
	m, gw, clk := newManager(t)
	ctx := context.Background()
	gw.Fail(brokertest.OpLogin, &broker.AuthenticationError{Message: "bad password"})

	err := m.EnsureConnected(ctx)
	require.True(t, broker.IsAuth(err))

	clk.Advance(time.Hour)
	assert.ErrorIs(t, m.EnsureConnected(ctx), session.ErrAuthLatched)
	assert.Equal(t, 1, gw.Calls(brokertest.OpLogin))
	assert.True(t, m.Health().AuthLatched)
	assert.Equal(t, session.StateClosed, m.Breaker().State(), "auth failures are not connectivity failures")

	m.RotateCredentials(broker.Credentials{Login: "1", Password: "new"})
	require.NoError(t, m.EnsureConnected(ctx))
}

func TestEnsureConnected_ConcurrentCallersLoginOnce(t *testing.T) {
	m, gw, _ := newManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.EnsureConnected(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, gw.Calls(brokertest.OpLogin))
}

func TestCall_TimeoutCountsAsTransient(t *testing.T) {
	m, gw, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.EnsureConnected(ctx))

	gw.Hook = func(ctx context.Context, op brokertest.Op) error {
		if op != brokertest.OpAccount {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
	_, err := m.Account(ctx)
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))
	assert.Equal(t, 1, m.Health().ConsecutiveFailures)
}

func TestCall_RequiresConnection(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Positions(context.Background())
	assert.ErrorIs(t, err, session.ErrNotConnected)
}

func TestShutdown_NoOpSafe(t *testing.T) {
	m, gw, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Shutdown(ctx), "shutdown before connect")
	assert.Equal(t, 1, gw.Calls(brokertest.OpLogout))
	require.NoError(t, m.Shutdown(ctx), "second shutdown")
	assert.Equal(t, 1, gw.Calls(brokertest.OpLogout), "second shutdown sends nothing")
	assert.ErrorIs(t, m.EnsureConnected(ctx), session.ErrShutdown)

	m2, gw2, _ := newManager(t)
	require.NoError(t, m2.EnsureConnected(ctx))
	require.NoError(t, m2.Shutdown(ctx))
	assert.Equal(t, 1, gw2.Calls(brokertest.OpLogout))
	assert.False(t, gw2.LoggedIn())
	assert.False(t, m2.Health().Connected)
}

func TestShutdown_DroppedSessionStillLogsOut(t *testing.T) {
	m, gw, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.EnsureConnected(ctx))

	// An expired token drops the connection; the broker may still hold the
	// session open.
	gw.Fail(brokertest.OpAccount, &broker.AuthenticationError{Message: "session expired"})
	_, err := m.Account(ctx)
	require.Error(t, err)
	require.False(t, m.Health().Connected)
	require.True(t, gw.LoggedIn())

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 1, gw.Calls(brokertest.OpLogout))
	assert.False(t, gw.LoggedIn())
}

func TestShutdown_DroppedSessionIgnoresLogoutError(t *testing.T) {
	m, gw, _ := newManager(t)
	ctx := context.Background()
	gw.Fail(brokertest.OpLogout, transient())

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 1, gw.Calls(brokertest.OpLogout))
	assert.ErrorIs(t, m.EnsureConnected(ctx), session.ErrShutdown)
}

func TestHealth_Uptime(t *testing.T) {
	m, _, clk := newManager(t)
	require.NoError(t, m.EnsureConnected(context.Background()))
	clk.Advance(90 * time.Second)
	assert.Equal(t, int64(90), m.Health().UptimeSeconds)
}
