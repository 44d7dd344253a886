package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/alert"
	"github.com/atmx/risk-bridge/internal/broker"
	"github.com/atmx/risk-bridge/internal/broker/brokertest"
	"github.com/atmx/risk-bridge/internal/closer"
	"github.com/atmx/risk-bridge/internal/engine"
	"github.com/atmx/risk-bridge/internal/guard"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/monitor"
	"github.com/atmx/risk-bridge/internal/protocol"
	"github.com/atmx/risk-bridge/internal/reconcile"
	"github.com/atmx/risk-bridge/internal/session"
	"github.com/atmx/risk-bridge/internal/store"
	"github.com/atmx/risk-bridge/internal/view"
)

const acct = "acct-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type sink struct {
	mu     sync.Mutex
	frames []view.Status
	ch     chan view.Status
}

func (s *sink) Broadcast(st view.Status) {
	s.mu.Lock()
	s.frames = append(s.frames, st)
	s.mu.Unlock()
	if s.ch != nil {
		select {
		case s.ch <- st:
		default:
		}
	}
}

func (s *sink) last() view.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []alert.Event
}

func (r *recorder) Notify(_ context.Context, ev alert.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []alert.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alert.Kind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type env struct {
	now    time.Time
	ms     *store.MemoryStore
	gw     *brokertest.Gateway
	sess   *session.Manager
	rec    *reconcile.Service
	sink   *sink
	alerts *recorder
	eng    *engine.Engine
}

func newEnv(t *testing.T, opts engine.Options) *env {
	t.Helper()
	e := &env{
		now:    time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		ms:     store.NewMemoryStore(),
		gw:     brokertest.New(acct),
		sink:   &sink{},
		alerts: &recorder{},
	}
	clock := func() time.Time { return e.now }
	e.sess = session.NewManager(acct, e.gw, broker.Credentials{Login: "1"}, session.Options{
		BackoffMin: time.Millisecond, BackoffMax: time.Millisecond, CallTimeout: time.Second,
	})

	svc := protocol.NewService(protocol.NewMemoryQueue(), e.ms, protocol.Options{Now: clock})
	cl := closer.New(e.ms, func(string) (closer.Broker, error) { return e.sess, nil }, closer.Options{
		Dispatcher: svc, Notifier: e.alerts, Now: clock, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond,
	})
	svc.SetResolver(cl)
	mon := monitor.New(cl, svc, decimal.Zero)
	svc.SetObserver(mon)

	e.rec = reconcile.NewService(e.ms, reconcile.DefaultTolerance(), clock)
	e.rec.SetConfirmer(cl)

	if opts.Now == nil {
		opts.Now = clock
	}
	e.eng = engine.New(engine.Deps{
		Sessions:   map[string]engine.Session{acct: e.sess},
		Reconciler: e.rec,
		Guards: guard.NewEvaluator(
			guard.NewDrawdownGuard(guard.DefaultDrawdownConfig()),
			guard.NewMarketConditionGuard(guard.DefaultMarketConfig()),
		),
		Closer:   cl,
		Monitor:  mon,
		Store:    e.ms,
		Notifier: e.alerts,
		Status:   e.sink,
	}, opts)
	return e
}

func (e *env) openPosition(t *testing.T, id, ticket string, sl *decimal.Decimal) {
	t.Helper()
	require.NoError(t, e.ms.InsertPosition(context.Background(), &model.OpenPosition{
		ID: id, AccountID: acct, BrokerTicket: ticket, Instrument: "EURUSD",
		Direction: model.Long, Volume: d("1"), EntryPrice: d("100"), HiddenStopLoss: sl,
		OpenedAt: e.now, Status: model.StatusOpen,
	}))
	e.gw.AddPosition(model.BrokerPosition{Ticket: ticket, Symbol: "EURUSD", Direction: model.Long, Volume: d("1"), EntryPrice: d("100")})
}

func (e *env) tick(t *testing.T) *engine.TickResult {
	t.Helper()
	e.now = e.now.Add(5 * time.Second)
	res, err := e.eng.Tick(context.Background(), acct)
	require.NoError(t, err)
	return res
}

func TestTick_DrawdownEpisodeClosesAllOnce(t *testing.T) {
	e := newEnv(t, engine.Options{})
	ctx := context.Background()
	e.openPosition(t, "p1", "T1", nil)
	e.openPosition(t, "p2", "T2", nil)
	e.gw.SetQuote(model.Quote{Symbol: "EURUSD", Bid: d("100"), Ask: d("100.01")})

	for _, eq := range []string{"1000", "1100", "1080"} {
		e.gw.SetEquity(d(eq), d(eq))
		res := e.tick(t)
		assert.Empty(t, res.Closes, "equity %s", eq)
	}

	e.gw.SetEquity(d("850"), d("850"))
	res := e.tick(t)
	require.Len(t, res.Edges, 1)
	assert.Equal(t, model.SeverityCritical, res.Edges[0].Severity)
	assert.Equal(t, "22.7273", res.Edges[0].Value.Round(4).String())
	require.Len(t, res.Closes, 2)
	for _, c := range res.Closes {
		assert.Equal(t, model.OutcomeSucceeded, c.Outcome)
	}
	assert.Equal(t, 2, e.gw.Calls(brokertest.OpClose))

	// Still breached: no new alert, no new close-all.
	res = e.tick(t)
	assert.Empty(t, res.Edges)
	assert.Empty(t, res.Closes)
	assert.Equal(t, 2, e.gw.Calls(brokertest.OpClose))

	alerts, err := e.ms.ListDrawdownAlerts(ctx, acct, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].ActionTriggered)
	assert.Equal(t, "1100", alerts[0].PeakEquity.String())
	assert.Contains(t, e.alerts.kinds(), alert.KindGuardCritical)

	st := e.sink.last()
	assert.Empty(t, st.Positions)
	assert.Equal(t, "1100", st.PeakEquity.String())
}

func TestTick_HiddenStopClosesWithoutDevice(t *testing.T) {
	e := newEnv(t, engine.Options{})
	sl := d("95")
	e.openPosition(t, "p1", "T1", &sl)
	e.gw.SetEquity(d("1000"), d("1000"))

	e.gw.SetQuote(model.Quote{Symbol: "EURUSD", Bid: d("96"), Ask: d("96.01")})
	res := e.tick(t)
	assert.Empty(t, res.Transitions)

	// 96 -> 94.9 is a 1.15% gap: a market warning, not a close.
	e.gw.SetQuote(model.Quote{Symbol: "EURUSD", Bid: d("94.9"), Ask: d("94.91")})
	res = e.tick(t)
	require.Len(t, res.Transitions, 2)
	assert.Equal(t, model.ReasonSLHit, res.Transitions[0].Reason)
	assert.Equal(t, monitor.StateCloseAcknowledged, res.Transitions[1].To)
	assert.Equal(t, 1, e.gw.Calls(brokertest.OpClose))

	p, err := e.ms.GetPosition(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, p.Status)
}

func TestTick_SyncFailureRunsOnLastGoodSnapshot(t *testing.T) {
	e := newEnv(t, engine.Options{})
	e.openPosition(t, "p1", "T1", nil)
	e.gw.SetEquity(d("1000"), d("1000"))
	e.gw.SetQuote(model.Quote{Symbol: "EURUSD", Bid: d("100"), Ask: d("100.01")})
	e.tick(t)

	e.gw.Fail(brokertest.OpAccount, &broker.TransientNetworkError{Op: "account", Err: errors.New("connection reset")})
	e.now = e.now.Add(5 * time.Second)
	res, err := e.eng.Tick(context.Background(), acct)
	require.Error(t, err)
	require.NotNil(t, res.Snapshot)
	assert.True(t, res.Stale)
	assert.Empty(t, res.Closes)

	p, err := e.ms.GetPosition(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, p.Status, "a failed sync leaves the ledger alone")

	st := e.sink.last()
	assert.True(t, st.Stale)
	require.Len(t, st.Positions, 1)
}

func TestTick_NoDataYet(t *testing.T) {
	e := newEnv(t, engine.Options{})
	e.gw.Fail(brokertest.OpAccount, &broker.TransientNetworkError{Op: "account", Err: errors.New("timeout")})

	res, err := e.eng.Tick(context.Background(), acct)
	require.Error(t, err)
	assert.Nil(t, res.Snapshot)
	assert.True(t, e.sink.last().Stale)
}

func TestTick_BrokerClosedPositionAlerts(t *testing.T) {
	e := newEnv(t, engine.Options{})
	e.openPosition(t, "p1", "T1", nil)
	e.gw.SetEquity(d("1000"), d("1000"))
	e.gw.RemovePosition("T1")

	res := e.tick(t)
	require.Len(t, res.Snapshot.Events, 1)
	assert.Equal(t, model.ClassBrokerClosedUnexpectedly, res.Snapshot.Events[0].Classification)
	assert.Contains(t, e.alerts.kinds(), alert.KindBrokerClosed)
}

// resetDuringEvaluate rebases the peak while a tick is between its guard
// step and its state write.
type resetDuringEvaluate struct {
	engine.Monitor
	rec    *reconcile.Service
	equity decimal.Decimal
	err    error
	done   bool
}

func (r *resetDuringEvaluate) Evaluate(ctx context.Context, accountID string, positions []model.OpenPosition, quotes map[string]model.Quote, now time.Time) []monitor.Transition {
	if !r.done {
		r.done = true
		_, r.err = r.rec.ResetPeak(ctx, accountID, r.equity)
	}
	return r.Monitor.Evaluate(ctx, accountID, positions, quotes, now)
}

func TestTick_PeakResetDuringTickIsKept(t *testing.T) {
	e := newEnv(t, engine.Options{})
	ctx := context.Background()
	e.gw.SetEquity(d("1000"), d("1000"))
	e.tick(t)

	// 16% down latches a warning in the same tick that the reset lands in.
	e.gw.SetEquity(d("840"), d("840"))
	reset := &resetDuringEvaluate{Monitor: e.eng.Monitor, rec: e.rec, equity: d("840")}
	e.eng.Monitor = reset
	res := e.tick(t)
	require.NoError(t, reset.err)
	require.Len(t, res.Edges, 1)
	assert.Equal(t, model.SeverityWarning, res.Edges[0].Severity)

	st, err := e.ms.GetAccountState(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "840", st.PeakEquity.String())
	assert.Equal(t, model.SeverityNone, st.DrawdownSeverity)
	assert.Equal(t, "840", e.sink.last().PeakEquity.String())

	res = e.tick(t)
	assert.Empty(t, res.Edges)
	assert.Empty(t, res.Closes)
}

func TestTick_UnknownAccount(t *testing.T) {
	e := newEnv(t, engine.Options{})
	_, err := e.eng.Tick(context.Background(), "nope")
	assert.ErrorIs(t, err, engine.ErrUnknownAccount)
}

func TestRun_TicksThenDrainsAndLogsOut(t *testing.T) {
	e := newEnv(t, engine.Options{Interval: time.Second, Workers: 2, ShutdownGrace: time.Second, Now: time.Now})
	e.sink.ch = make(chan view.Status, 1)
	e.gw.SetEquity(d("1000"), d("1000"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.eng.Run(ctx) }()

	select {
	case st := <-e.sink.ch:
		assert.Equal(t, acct, st.AccountID)
	case <-time.After(5 * time.Second):
		t.Fatal("no tick within 5s")
	}
	assert.True(t, e.gw.LoggedIn())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.False(t, e.gw.LoggedIn())
}
