package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/broker"
	"github.com/atmx/risk-bridge/internal/broker/brokertest"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/reconcile"
	"github.com/atmx/risk-bridge/internal/store"
)

const acct = "acct-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	ms  *store.MemoryStore
	gw  *brokertest.Gateway
	svc *reconcile.Service
	now time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ms:  store.NewMemoryStore(),
		gw:  brokertest.New(acct),
		now: time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC),
	}
	e.svc = reconcile.NewService(e.ms, reconcile.DefaultTolerance(), func() time.Time { return e.now })
	e.gw.SetEquity(d("1000"), d("1000"))
	return e
}

func (e *env) ledger(t *testing.T, id, ticket, volume, entry string, status model.PositionStatus) {
	t.Helper()
	require.NoError(t, e.ms.InsertPosition(context.Background(), &model.OpenPosition{
		ID: id, AccountID: acct, BrokerTicket: ticket, Instrument: "EURUSD",
		Direction: model.Long, Volume: d(volume), EntryPrice: d(entry),
		OpenedAt: e.now.Add(-time.Hour), Status: status,
	}))
}

func (e *env) broker(ticket, volume, entry string) {
	e.gw.AddPosition(model.BrokerPosition{
		Ticket: ticket, Symbol: "EURUSD", Direction: model.Long,
		Volume: d(volume), EntryPrice: d(entry),
	})
}

func TestSync_VolumeWithinToleranceIsMatched(t *testing.T) {
	e := newEnv(t)
	e.ledger(t, "p1", "T", "1.00", "100", model.StatusOpen)
	e.broker("T", "1.03", "100")

	snap, err := e.svc.Sync(context.Background(), acct, e.gw)
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, model.ClassMatched, snap.Events[0].Classification)
	assert.Equal(t, 0, snap.Divergences())
	assert.Equal(t, "5", snap.Events[0].VolumeTolerancePct.String())
	assert.Equal(t, "2", snap.Events[0].PriceTolerance.String())
}

func TestSync_OutsideToleranceIsSlippage(t *testing.T) {
	e := newEnv(t)
	e.ledger(t, "p1", "A", "1.00", "100", model.StatusOpen)
	e.ledger(t, "p2", "B", "1.00", "100", model.StatusOpen)
	e.broker("A", "1.06", "100")
	e.broker("B", "1.00", "102.5")

	snap, err := e.svc.Sync(context.Background(), acct, e.gw)
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	for _, ev := range snap.Events {
		assert.Equal(t, model.ClassSlippage, ev.Classification, ev.BrokerTicket)
	}
	assert.Len(t, snap.Ledger, 2, "slippage is never auto-corrected")
}

func TestSync_BrokerClosedUnexpectedlyForceClosesLedger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ledger(t, "p1", "GONE", "1", "100", model.StatusOpen)
	e.ledger(t, "p2", "DONE", "1", "100", model.StatusClosing)

	snap, err := e.svc.Sync(ctx, acct, e.gw)
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)

	byPos := map[string]model.Classification{}
	for _, ev := range snap.Events {
		byPos[ev.PositionID] = ev.Classification
	}
	assert.Equal(t, model.ClassBrokerClosedUnexpectedly, byPos["p1"])
	assert.Equal(t, model.ClassCloseConfirmed, byPos["p2"])
	assert.Empty(t, snap.Ledger)

	p, err := e.ms.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, p.Status)
	assert.NotNil(t, p.ClosedAt)
}

func TestSync_OrphanIsNeverAdopted(t *testing.T) {
	e := newEnv(t)
	e.broker("ORPHAN", "1", "100")

	snap, err := e.svc.Sync(context.Background(), acct, e.gw)
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, model.ClassPartialFill, snap.Events[0].Classification)
	assert.Empty(t, snap.Events[0].PositionID)
	assert.Empty(t, snap.Ledger)
}

func TestSync_AdoptsRegisteredTicket(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sl := d("95")
	require.NoError(t, e.ms.PutRegistration(ctx, &model.Registration{
		AccountID: acct, BrokerTicket: "NEW", DeviceID: "dev-1", Instrument: "EURUSD",
		Direction: model.Long, Volume: d("1"), EntryPrice: d("100"), HiddenStopLoss: &sl,
	}))
	e.broker("NEW", "1", "100.1")

	snap, err := e.svc.Sync(ctx, acct, e.gw)
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, model.ClassAdopted, snap.Events[0].Classification)
	require.Len(t, snap.Ledger, 1)
	assert.Equal(t, "dev-1", snap.Ledger[0].DeviceID)
	require.NotNil(t, snap.Ledger[0].HiddenStopLoss)
	assert.Equal(t, "95", snap.Ledger[0].HiddenStopLoss.String())

	// Next tick compares it like any other ledger row.
	snap, err = e.svc.Sync(ctx, acct, e.gw)
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, model.ClassMatched, snap.Events[0].Classification)
}

func TestSync_BrokerUnreachableLeavesLedgerUntouched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ledger(t, "p1", "T", "1", "100", model.StatusOpen)
	e.broker("T", "1", "100")

	first, err := e.svc.Sync(ctx, acct, e.gw)
	require.NoError(t, err)

	e.gw.RemovePosition("T")
	e.gw.Fail(brokertest.OpPositions, &broker.TransientNetworkError{Op: "positions", Err: errors.New("timeout")})
	snap, err := e.svc.Sync(ctx, acct, e.gw)
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))
	require.NotNil(t, snap)
	assert.True(t, snap.Stale)
	assert.Equal(t, first.SyncedAt, snap.SyncedAt)
	assert.Len(t, snap.Ledger, 1)

	p, err := e.ms.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, p.Status, "failed sync must not force-close")

	events, _ := e.ms.ListReconciliationEvents(ctx, acct, 0)
	assert.Len(t, events, 1)
}

func TestSync_NoLastGoodSnapshot(t *testing.T) {
	e := newEnv(t)
	e.gw.Fail(brokertest.OpAccount, &broker.TransientNetworkError{Op: "account", Err: errors.New("down")})
	snap, err := e.svc.Sync(context.Background(), acct, e.gw)
	require.Error(t, err)
	assert.Nil(t, snap)
}

func TestSync_PeakEquityTracked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var peaks []string
	for _, eq := range []string{"1000", "1100", "1080", "850"} {
		e.gw.SetEquity(d(eq), d(eq))
		snap, err := e.svc.Sync(ctx, acct, e.gw)
		require.NoError(t, err)
		peaks = append(peaks, snap.State.PeakEquity.String())
	}
	assert.Equal(t, []string{"1000", "1100", "1100", "1100"}, peaks)

	st, err := e.ms.GetAccountState(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "850", st.LastEquity.String())

	st, err = e.svc.ResetPeak(ctx, acct, d("850"))
	require.NoError(t, err)
	assert.Equal(t, "850", st.PeakEquity.String())
}

func TestSync_FetchesQuotesForBrokerAndLedgerSymbols(t *testing.T) {
	e := newEnv(t)
	e.ledger(t, "p1", "T", "1", "100", model.StatusOpen)
	e.broker("T", "1", "100")
	e.gw.SetQuote(model.Quote{Symbol: "EURUSD", Bid: d("100.5"), Ask: d("100.6")})

	snap, err := e.svc.Sync(context.Background(), acct, e.gw)
	require.NoError(t, err)
	require.Contains(t, snap.Quotes, "EURUSD")
	assert.Equal(t, "100.5", snap.Quotes["EURUSD"].Bid.String())
}

func TestClassify_ZeroLedgerVolume(t *testing.T) {
	svc := reconcile.NewService(store.NewMemoryStore(), reconcile.DefaultTolerance(), nil)
	assert.Equal(t, model.ClassMatched, svc.Classify(d("0"), d("0"), d("1"), d("1")))
	assert.Equal(t, model.ClassSlippage, svc.Classify(d("0.1"), d("0"), d("1"), d("1")))
	assert.Equal(t, model.ClassMatched, svc.Classify(d("0.95"), d("1"), d("102"), d("100")), "bounds inclusive")
}

type confirmer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (c *confirmer) ConfirmClosed(_ context.Context, pos *model.OpenPosition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, pos.ID)
	return c.err
}

func TestSync_VanishedTicketsSettleCloseCommands(t *testing.T) {
	e := newEnv(t)
	c := &confirmer{}
	e.svc.SetConfirmer(c)
	e.ledger(t, "p1", "T1", "1", "100", model.StatusClosing)
	e.ledger(t, "p2", "T2", "1", "100", model.StatusOpen)
	e.ledger(t, "p3", "T3", "1", "100", model.StatusOpen)
	e.broker("T3", "1", "100")

	snap, err := e.svc.Sync(context.Background(), acct, e.gw)
	require.NoError(t, err)
	require.Len(t, snap.Events, 3)
	assert.ElementsMatch(t, []string{"p1", "p2"}, c.ids)
}

func TestSync_ConfirmFailureKeepsLedgerRow(t *testing.T) {
	e := newEnv(t)
	e.svc.SetConfirmer(&confirmer{err: errors.New("store unavailable")})
	e.ledger(t, "p1", "T1", "1", "100", model.StatusClosing)

	_, err := e.svc.Sync(context.Background(), acct, e.gw)
	require.Error(t, err)
	p, err := e.ms.GetPosition(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosing, p.Status, "retried on the next sync")
}

func TestUpdateState_ConcurrentWritersAreSerialized(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.UpdateState(ctx, acct, func(st *model.AccountState) {
				st.LastEquity = st.LastEquity.Add(decimal.NewFromInt(1))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := e.ms.GetAccountState(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "50", st.LastEquity.String())
}

func TestResetPeak_ClearsLatchAndKeepsQuotes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.UpdateState(ctx, acct, func(st *model.AccountState) {
		st.PeakEquity = d("1200")
		st.DrawdownSeverity = model.SeverityCritical
		st.LastQuotes["EURUSD"] = model.Quote{Symbol: "EURUSD", Bid: d("1.1"), Ask: d("1.1")}
	})
	require.NoError(t, err)

	st, err := e.svc.ResetPeak(ctx, acct, d("900"))
	require.NoError(t, err)
	assert.Equal(t, "900", st.PeakEquity.String())
	assert.Equal(t, model.SeverityNone, st.DrawdownSeverity)
	assert.Contains(t, st.LastQuotes, "EURUSD")
}
