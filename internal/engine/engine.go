// Package engine drives the per-account tick: a cron producer feeds account
// IDs into a channel consumed by a fixed pool of workers, and each tick runs
// connect, sync, guards, hidden-level monitor and status broadcast in that
// order on one consistent snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/risk-bridge/internal/alert"
	"github.com/atmx/risk-bridge/internal/guard"
	"github.com/atmx/risk-bridge/internal/ids"
	"github.com/atmx/risk-bridge/internal/metrics"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/monitor"
	"github.com/atmx/risk-bridge/internal/reconcile"
	"github.com/atmx/risk-bridge/internal/session"
	"github.com/atmx/risk-bridge/internal/store"
	"github.com/atmx/risk-bridge/internal/view"
)

// ErrUnknownAccount is returned by Tick for an account with no session.
var ErrUnknownAccount = errors.New("engine: unknown account")

// Session is implemented by session.Manager.
type Session interface {
	reconcile.Broker
	EnsureConnected(ctx context.Context) error
	Health() session.Health
	Shutdown(ctx context.Context) error
}

// Closer is the bulk side of closer.Closer.
type Closer interface {
	CloseAll(ctx context.Context, accountID string, reason model.CloseReason, requestedBy string) ([]model.CloseResult, error)
	CloseInstrument(ctx context.Context, accountID, sym string, reason model.CloseReason, requestedBy string) ([]model.CloseResult, error)
}

// Monitor is implemented by monitor.Monitor.
type Monitor interface {
	Evaluate(ctx context.Context, accountID string, positions []model.OpenPosition, quotes map[string]model.Quote, now time.Time) []monitor.Transition
	Sweep(ctx context.Context, now time.Time) []monitor.Transition
}

// StatusSink receives one status frame per tick. Implemented by api.Hub.
type StatusSink interface {
	Broadcast(st view.Status)
}

// Options tunes scheduling.
type Options struct {
	Interval      time.Duration
	SweepInterval time.Duration
	Workers       int
	ShutdownGrace time.Duration
	Now           func() time.Time
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.Interval
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Sessions   map[string]Session
	Reconciler *reconcile.Service
	Guards     *guard.Evaluator
	Calendar   guard.Calendar
	Closer     Closer
	Monitor    Monitor
	Store      store.Store
	Notifier   alert.Notifier
	Status     StatusSink
}

// Engine schedules ticks for every configured account.
type Engine struct {
	Deps
	opts     Options
	accounts []string

	mu          sync.Mutex
	busy        map[string]bool
	authLatched map[string]bool
}

// New creates an engine.
func New(deps Deps, opts Options) *Engine {
	opts.defaults()
	accounts := make([]string, 0, len(deps.Sessions))
	for id := range deps.Sessions {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return &Engine{
		Deps:        deps,
		opts:        opts,
		accounts:    accounts,
		busy:        make(map[string]bool),
		authLatched: make(map[string]bool),
	}
}

// Run ticks every account until ctx is cancelled, then drains: the producer
// stops, in-flight ticks get ShutdownGrace to finish on a context detached
// from ctx, and every session is logged out.
func (e *Engine) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	jobs := make(chan string, len(e.accounts))
	c := cron.New()
	if _, err := c.AddFunc(every(e.opts.Interval), func() { e.enqueue(jobs) }); err != nil {
		return fmt.Errorf("schedule ticks: %w", err)
	}
	sweep := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		e.Monitor.Sweep(work, e.opts.Now())
	}))
	if _, err := c.AddJob(every(e.opts.SweepInterval), sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			for id := range jobs {
				e.runTick(work, id)
			}
			return nil
		})
	}

	c.Start()
	slog.Info("engine started", "accounts", len(e.accounts), "interval", e.opts.Interval.String(), "workers", e.opts.Workers)
	<-ctx.Done()

	slog.Info("engine stopping, draining in-flight ticks", "grace", e.opts.ShutdownGrace.String())
	<-c.Stop().Done()
	close(jobs)

	drained := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(drained)
	}()
	timer := time.NewTimer(e.opts.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		slog.Warn("shutdown grace elapsed, cancelling in-flight ticks")
		cancelWork()
		<-drained
	}

	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ShutdownGrace)
	defer cancel()
	for _, id := range e.accounts {
		if err := e.Sessions[id].Shutdown(logoutCtx); err != nil {
			slog.Warn("session shutdown failed", "account", id, "err", err)
		}
	}
	slog.Info("engine stopped")
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// enqueue hands each idle account to the workers. An account whose previous
// tick is still running is skipped rather than queued twice.
func (e *Engine) enqueue(jobs chan<- string) {
	for _, id := range e.accounts {
		e.mu.Lock()
		if e.busy[id] {
			e.mu.Unlock()
			metrics.TicksSkipped.Inc()
			slog.Debug("tick skipped, previous still running", "account", id)
			continue
		}
		e.busy[id] = true
		e.mu.Unlock()

		select {
		case jobs <- id:
		default:
			e.release(id)
			metrics.TicksSkipped.Inc()
		}
	}
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.busy, id)
	e.mu.Unlock()
}

func (e *Engine) runTick(ctx context.Context, id string) {
	defer e.release(id)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tick panicked", "account", id, "panic", r)
			metrics.TicksTotal.WithLabelValues("panic").Inc()
		}
	}()
	if _, err := e.Tick(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("tick completed with errors", "account", id, "err", err)
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	AccountID   string
	Stale       bool
	Snapshot    *reconcile.Snapshot
	Edges       []guard.Verdict
	Closes      []model.CloseResult
	Transitions []monitor.Transition
}

// Tick runs one account through the pipeline. A failed sync is not fatal:
// guards and the monitor run on the last good snapshot, marked stale. The
// returned error is the sync error, if any.
func (e *Engine) Tick(ctx context.Context, accountID string) (*TickResult, error) {
	sess, ok := e.Sessions[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	start := time.Now()
	defer func() { metrics.TickLatency.Observe(time.Since(start).Seconds()) }()
	now := e.opts.Now()
	res := &TickResult{AccountID: accountID}

	if err := sess.EnsureConnected(ctx); err != nil {
		slog.Warn("broker session unavailable", "account", accountID, "err", err)
	}
	health := sess.Health()
	metrics.CircuitState.WithLabelValues(accountID).Set(metrics.CircuitValue(string(health.CircuitState)))
	e.checkAuthLatch(ctx, health)

	snap, syncErr := e.Reconciler.Sync(ctx, accountID, sess)
	if syncErr != nil {
		metrics.SyncFailures.WithLabelValues(accountID).Inc()
		slog.Warn("sync failed, using last good snapshot", "account", accountID, "err", syncErr)
	}
	if snap == nil {
		metrics.TicksTotal.WithLabelValues("no_data").Inc()
		e.broadcast(view.Status{
			AccountID:    accountID,
			Positions:    []view.Position{},
			Stale:        true,
			CircuitState: string(health.CircuitState),
			SyncedAt:     now,
		})
		return res, syncErr
	}
	res.Snapshot = snap
	res.Stale = snap.Stale
	e.recordEvents(ctx, snap)

	state, err := e.tickState(ctx, snap)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return res, errors.Join(syncErr, err)
	}

	basePeak, baseDD := state.PeakEquity, state.DrawdownSeverity
	ledger := snap.Ledger
	edges := guard.Step(state, e.Guards.Evaluate(guard.Input{
		AccountID:  accountID,
		Account:    snap.Account,
		PeakEquity: state.PeakEquity,
		Quotes:     snap.Quotes,
		PrevQuotes: state.LastQuotes,
		Positions:  ledger,
		Calendar:   e.Calendar,
		Now:        now,
	}))
	res.Edges = edges
	drawdown := guard.Drawdown(state.PeakEquity, snap.Account.Equity)
	metrics.DrawdownPct.WithLabelValues(accountID).Set(drawdown.InexactFloat64())

	if len(edges) > 0 {
		res.Closes = e.applyEdges(ctx, accountID, now, edges)
		if len(res.Closes) > 0 {
			// Guard closes changed statuses; the monitor must not see the
			// pre-close rows.
			if fresh, err := e.Store.ListActivePositions(ctx, accountID); err == nil {
				ledger = fresh
			}
		}
	}

	res.Transitions = e.Monitor.Evaluate(ctx, accountID, ledger, snap.Quotes, now)
	for _, tr := range res.Transitions {
		slog.Debug("monitor transition", "account", accountID, "position", tr.PositionID, "from", tr.From, "to", tr.To)
	}

	// Fold the tick into the latest stored state. A peak reset that landed
	// while the tick ran wins over this tick's drawdown latch.
	saved, err := e.Reconciler.UpdateState(ctx, accountID, func(cur *model.AccountState) {
		if cur.PeakEquity.Equal(basePeak) && cur.DrawdownSeverity == baseDD {
			cur.DrawdownSeverity = state.DrawdownSeverity
		} else {
			slog.Info("account state changed during tick, keeping stored drawdown latch", "account", accountID)
		}
		cur.MarketSeverity = state.MarketSeverity
		if !snap.Stale {
			for sym, q := range snap.Quotes {
				cur.LastQuotes[sym] = q
			}
		}
		cur.UpdatedAt = now
	})
	if err != nil {
		slog.Error("save account state failed", "account", accountID, "err", err)
	} else {
		state = saved
	}

	outcome := "ok"
	if snap.Stale {
		outcome = "stale"
	}
	metrics.TicksTotal.WithLabelValues(outcome).Inc()

	if active, err := e.Store.ListActivePositions(ctx, accountID); err == nil {
		ledger = active
	}
	e.broadcast(view.Status{
		AccountID:    accountID,
		Equity:       snap.Account.Equity,
		PeakEquity:   state.PeakEquity,
		DrawdownPct:  drawdown.Round(4),
		Positions:    view.NewPositions(ledger, snap.Quotes),
		Divergences:  snap.Divergences(),
		Stale:        snap.Stale,
		CircuitState: string(health.CircuitState),
		SyncedAt:     snap.SyncedAt,
	})
	return res, syncErr
}

// tickState returns the state the latch and quote history are folded into.
// A stale snapshot's state may predate a peak reset, so it is reloaded.
func (e *Engine) tickState(ctx context.Context, snap *reconcile.Snapshot) (*model.AccountState, error) {
	state := snap.State
	if snap.Stale || state == nil {
		var err error
		state, err = e.Store.GetAccountState(ctx, snap.AccountID)
		if errors.Is(err, store.ErrNotFound) {
			return model.NewAccountState(snap.AccountID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("load account state: %w", err)
		}
	}
	if state.LastQuotes == nil {
		state.LastQuotes = make(map[string]model.Quote)
	}
	return state, nil
}

// applyEdges persists one alert per escalation and closes on critical ones.
func (e *Engine) applyEdges(ctx context.Context, accountID string, now time.Time, edges []guard.Verdict) []model.CloseResult {
	var closes []model.CloseResult
	for _, v := range edges {
		metrics.GuardAlerts.WithLabelValues(string(v.Reason), string(v.Severity)).Inc()
		if err := e.persistAlert(ctx, accountID, now, v); err != nil {
			slog.Error("persist guard alert failed", "account", accountID, "reason", v.Reason, "err", err)
		}
		slog.Warn("guard alert",
			"account", accountID, "reason", v.Reason, "symbol", v.Symbol, "metric", v.Metric,
			"value", v.Value.String(), "threshold", v.Threshold.String(), "severity", v.Severity)
		if !v.Critical() {
			continue
		}

		var (
			results []model.CloseResult
			err     error
		)
		if v.Scope == guard.ScopeAccount {
			results, err = e.Closer.CloseAll(ctx, accountID, v.Reason, "drawdown_guard")
		} else {
			results, err = e.Closer.CloseInstrument(ctx, accountID, v.Symbol, v.Reason, "market_guard")
		}
		if err != nil {
			slog.Error("guard close failed", "account", accountID, "reason", v.Reason, "err", err)
		}
		closes = append(closes, results...)

		failed := 0
		for _, r := range results {
			if r.Outcome == model.OutcomeFailed {
				failed++
			}
		}
		alert.Send(ctx, e.Notifier, alert.Event{
			Kind:      alert.KindGuardCritical,
			AccountID: accountID,
			Message:   fmt.Sprintf("%s guard critical: %d position(s) targeted, %d failed", v.Reason, len(results), failed),
			Fields: map[string]string{
				"metric":    v.Metric,
				"symbol":    v.Symbol,
				"value":     v.Value.String(),
				"threshold": v.Threshold.String(),
			},
		})
	}
	return closes
}

func (e *Engine) persistAlert(ctx context.Context, accountID string, now time.Time, v guard.Verdict) error {
	if v.Scope == guard.ScopeAccount {
		return e.Store.AppendDrawdownAlert(ctx, &model.DrawdownAlert{
			ID:              ids.Sortable(now),
			AccountID:       accountID,
			Timestamp:       now,
			DrawdownPct:     v.Value,
			PeakEquity:      v.PeakEquity,
			Equity:          v.Equity,
			Threshold:       v.Threshold,
			Severity:        v.Severity,
			ActionTriggered: v.Critical(),
		})
	}
	return e.Store.AppendMarketAlert(ctx, &model.MarketAlert{
		ID:              ids.Sortable(now),
		AccountID:       accountID,
		Symbol:          v.Symbol,
		Timestamp:       now,
		Metric:          model.MarketMetric(v.Metric),
		Value:           v.Value,
		Threshold:       v.Threshold,
		Severity:        v.Severity,
		ActionTriggered: v.Critical(),
	})
}

func (e *Engine) recordEvents(ctx context.Context, snap *reconcile.Snapshot) {
	for _, ev := range snap.Events {
		metrics.ReconciliationEvents.WithLabelValues(string(ev.Classification)).Inc()
		if ev.Classification != model.ClassBrokerClosedUnexpectedly {
			continue
		}
		alert.Send(ctx, e.Notifier, alert.Event{
			Kind:       alert.KindBrokerClosed,
			AccountID:  snap.AccountID,
			PositionID: ev.PositionID,
			Message:    "broker closed position outside the bridge",
			Fields:     map[string]string{"ticket": ev.BrokerTicket, "instrument": ev.Instrument},
		})
	}
}

// checkAuthLatch raises one alert when a session stops retrying after an
// authentication failure.
func (e *Engine) checkAuthLatch(ctx context.Context, h session.Health) {
	e.mu.Lock()
	was := e.authLatched[h.AccountID]
	e.authLatched[h.AccountID] = h.AuthLatched
	e.mu.Unlock()
	if h.AuthLatched && !was {
		alert.Send(ctx, e.Notifier, alert.Event{
			Kind:      alert.KindAuthLatched,
			AccountID: h.AccountID,
			Message:   "broker rejected credentials; session halted until they are rotated",
			Fields:    map[string]string{"last_error": h.LastError},
		})
	}
}

func (e *Engine) broadcast(st view.Status) {
	if e.Status != nil {
		e.Status.Broadcast(st)
	}
}
