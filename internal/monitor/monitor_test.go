package monitor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/broker/brokertest"
	"github.com/atmx/risk-bridge/internal/closer"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/monitor"
	"github.com/atmx/risk-bridge/internal/protocol"
	"github.com/atmx/risk-bridge/internal/reconcile"
	"github.com/atmx/risk-bridge/internal/store"
)

const acct = "acct-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

type env struct {
	now time.Time
	ms  *store.MemoryStore
	gw  *brokertest.Gateway
	svc *protocol.Service
	cl  *closer.Closer
	rec *reconcile.Service
	mon *monitor.Monitor
	dev protocol.Device
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		now: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		ms:  store.NewMemoryStore(),
		gw:  brokertest.New(acct),
		dev: protocol.Device{ID: "dev-1", AccountID: acct},
	}
	clock := func() time.Time { return e.now }
	e.svc = protocol.NewService(protocol.NewMemoryQueue(), e.ms, protocol.Options{Now: clock})
	e.cl = closer.New(e.ms, func(string) (closer.Broker, error) { return e.gw, nil }, closer.Options{
		Dispatcher: e.svc, Now: clock, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond,
	})
	e.svc.SetResolver(e.cl)
	e.mon = monitor.New(e.cl, e.svc, decimal.Zero)
	e.svc.SetObserver(e.mon)
	e.rec = reconcile.NewService(e.ms, reconcile.DefaultTolerance(), clock)
	e.rec.SetConfirmer(e.cl)
	return e
}

func (e *env) longWithSL(t *testing.T, deviceID string) {
	t.Helper()
	require.NoError(t, e.ms.InsertPosition(context.Background(), &model.OpenPosition{
		ID: "p1", AccountID: acct, DeviceID: deviceID, BrokerTicket: "T1", Instrument: "EURUSD",
		Direction: model.Long, Volume: d("1"), EntryPrice: d("100"), HiddenStopLoss: ptr(d("95")),
		OpenedAt: e.now, Status: model.StatusOpen,
	}))
	e.gw.AddPosition(model.BrokerPosition{Ticket: "T1", Symbol: "EURUSD", Direction: model.Long, Volume: d("1"), EntryPrice: d("100")})
}

func (e *env) tick(t *testing.T, price string) []monitor.Transition {
	t.Helper()
	positions, err := e.ms.ListActivePositions(context.Background(), acct)
	require.NoError(t, err)
	q := model.Quote{Symbol: "EURUSD", Bid: d(price), Ask: d(price)}
	return e.mon.Evaluate(context.Background(), acct, positions, map[string]model.Quote{"EURUSD": q}, e.now)
}

func TestBreach_Rules(t *testing.T) {
	long := &model.OpenPosition{Direction: model.Long, HiddenStopLoss: ptr(d("95")), HiddenTakeProfit: ptr(d("110"))}
	short := &model.OpenPosition{Direction: model.Short, HiddenStopLoss: ptr(d("105")), HiddenTakeProfit: ptr(d("90"))}
	quote := func(bid, ask string) model.Quote { return model.Quote{Bid: d(bid), Ask: d(ask)} }

	tests := []struct {
		name   string
		pos    *model.OpenPosition
		q      model.Quote
		buffer string
		reason model.CloseReason
		hit    bool
	}{
		{"long above sl", long, quote("95.01", "95.02"), "0", "", false},
		{"long at sl", long, quote("95", "95.02"), "0", model.ReasonSLHit, true},
		{"long at tp", long, quote("110", "110.02"), "0", model.ReasonTPHit, true},
		{"long uses bid not ask", long, quote("109.99", "110.01"), "0", "", false},
		{"long sl inside buffer", long, quote("94", "94.01"), "2", "", false},
		{"long sl past buffer", long, quote("93", "93.01"), "2", model.ReasonSLHit, true},
		{"short at sl", short, quote("104.9", "105"), "0", model.ReasonSLHit, true},
		{"short at tp", short, quote("89.9", "90"), "0", model.ReasonTPHit, true},
		{"short uses ask", short, quote("89.9", "90.1"), "0", "", false},
		{"no levels", &model.OpenPosition{Direction: model.Long}, quote("1", "1"), "0", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, hit := monitor.Breach(tt.pos, tt.q, d(tt.buffer))
			assert.Equal(t, tt.hit, hit)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestQuoteStream_BreachAtThresholdQueuesRedactedClose(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.longWithSL(t, "dev-1")

	for _, price := range []string{"101", "98", "96"} {
		assert.Empty(t, e.tick(t, price), "no breach at %s", price)
		st, _ := e.mon.State("p1")
		assert.Equal(t, monitor.StateMonitoring, st)
	}

	trs := e.tick(t, "94")
	require.Len(t, trs, 2)
	assert.Equal(t, monitor.StateBreachDetected, trs[0].To)
	assert.Equal(t, model.ReasonSLHit, trs[0].Reason)
	assert.Equal(t, monitor.StateCloseQueued, trs[1].To)

	cmd, err := e.ms.LatestCloseCommand(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonSLHit, cmd.Reason)
	assert.Equal(t, model.OutcomePending, cmd.Outcome)

	poll, err := e.svc.Poll(ctx, e.dev)
	require.NoError(t, err)
	b, err := json.Marshal(poll.Closes)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"positionId":"p1","action":"close"}]`, string(b))

	// Still breached on the next tick: no second command.
	assert.Empty(t, e.tick(t, "93"))
	again, err := e.ms.LatestCloseCommand(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, cmd.CloseID, again.CloseID)
}

func TestAck_MovesToAcknowledged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.longWithSL(t, "dev-1")
	e.tick(t, "94")

	require.NoError(t, e.svc.Ack(ctx, e.dev, protocol.AckRequest{PositionID: "p1", Success: true, FillPrice: ptr(d("94"))}))
	st, ok := e.mon.State("p1")
	require.True(t, ok)
	assert.Equal(t, monitor.StateCloseAcknowledged, st)

	// Closed positions drop out of the active set and are forgotten.
	assert.Empty(t, e.tick(t, "94"))
	_, ok = e.mon.State("p1")
	assert.False(t, ok)
}

func TestTimeout_FallsBackToDirectClose(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.longWithSL(t, "dev-1")
	e.tick(t, "94")
	queued, err := e.ms.LatestCloseCommand(ctx, "p1")
	require.NoError(t, err)

	e.now = e.now.Add(29 * time.Second)
	assert.Empty(t, e.mon.Sweep(ctx, e.now))

	e.now = e.now.Add(2 * time.Second)
	trs := e.mon.Sweep(ctx, e.now)
	require.Len(t, trs, 2)
	assert.Equal(t, monitor.StateCloseTimedOut, trs[0].To)
	assert.Equal(t, monitor.StateMonitoring, trs[1].To)

	assert.Equal(t, 1, e.gw.Calls(brokertest.OpClose))
	cmd, err := e.ms.GetCloseCommand(ctx, queued.CloseID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, cmd.Outcome)
	assert.Equal(t, model.RouteDirect, cmd.Route)

	// A late ack finds nothing to resolve.
	err = e.svc.Ack(ctx, e.dev, protocol.AckRequest{PositionID: "p1", Success: true})
	assert.ErrorIs(t, err, protocol.ErrUnknownDirective)
}

func TestTimeout_FailedDirectCloseIsReevaluated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.longWithSL(t, "dev-1")
	e.tick(t, "94")
	e.gw.RemovePosition("T1") // broker rejects the close as unknown ticket

	e.now = e.now.Add(time.Minute)
	e.mon.Sweep(ctx, e.now)

	p, err := e.ms.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, p.Status)
	st, _ := e.mon.State("p1")
	assert.Equal(t, monitor.StateMonitoring, st)

	// Next tick re-detects the breach and queues a fresh command.
	e.gw.AddPosition(model.BrokerPosition{Ticket: "T1", Symbol: "EURUSD", Direction: model.Long, Volume: d("1"), EntryPrice: d("100")})
	trs := e.tick(t, "94")
	require.Len(t, trs, 2)
	assert.Equal(t, monitor.StateCloseQueued, trs[1].To)
}

func TestNoDevice_ClosesDirectly(t *testing.T) {
	e := newEnv(t)
	e.longWithSL(t, "")

	trs := e.tick(t, "94")
	require.Len(t, trs, 2)
	assert.Equal(t, monitor.StateCloseAcknowledged, trs[1].To)
	assert.Equal(t, 1, e.gw.Calls(brokertest.OpClose))
}

func TestLostAck_SyncConfirmsCloseBeforeTimeout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.SetEquity(d("1000"), d("1000"))
	e.longWithSL(t, "dev-1")
	e.tick(t, "94")
	queued, err := e.ms.LatestCloseCommand(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.OutcomePending, queued.Outcome)

	// The agent closed the ticket but its ack never arrived.
	e.gw.RemovePosition("T1")
	snap, err := e.rec.Sync(ctx, acct, e.gw)
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, model.ClassCloseConfirmed, snap.Events[0].Classification)

	cmd, err := e.ms.GetCloseCommand(ctx, queued.CloseID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, cmd.Outcome)
	assert.NotNil(t, cmd.ResolvedAt)
	p, err := e.ms.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, p.Status)

	poll, err := e.svc.Poll(ctx, e.dev)
	require.NoError(t, err)
	assert.Empty(t, poll.Closes, "confirmed close is no longer offered to the agent")

	e.now = e.now.Add(time.Minute)
	assert.Empty(t, e.mon.Sweep(ctx, e.now))
	assert.Equal(t, 0, e.gw.Calls(brokertest.OpClose))

	again, err := e.ms.GetCloseCommand(ctx, queued.CloseID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, again.Outcome)
	assert.Equal(t, model.RouteRemote, again.Route)
}

func TestTimeout_PositionAlreadyClosedSucceedsWithoutBroker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.longWithSL(t, "dev-1")
	e.tick(t, "94")
	queued, err := e.ms.LatestCloseCommand(ctx, "p1")
	require.NoError(t, err)

	// Ledger closed by a path that did not settle the command.
	require.NoError(t, e.ms.UpdatePositionStatus(ctx, "p1", model.StatusClosed, e.now))

	e.now = e.now.Add(time.Minute)
	trs := e.mon.Sweep(ctx, e.now)
	require.Len(t, trs, 2)
	assert.Equal(t, 0, e.gw.Calls(brokertest.OpClose))

	cmd, err := e.ms.GetCloseCommand(ctx, queued.CloseID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, cmd.Outcome)
}
