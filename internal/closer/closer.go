// Package closer executes position closes exactly once per logical request.
//
// Every close goes through a CloseCommand keyed by close_id. A per-position
// lock serializes attempts, so a guard and the hidden-level monitor firing
// on the same tick collapse onto one command.
package closer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/risk-bridge/internal/alert"
	"github.com/atmx/risk-bridge/internal/broker"
	"github.com/atmx/risk-bridge/internal/ids"
	"github.com/atmx/risk-bridge/internal/metrics"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/store"
	"github.com/atmx/risk-bridge/internal/symbol"
)

var (
	ErrInvalidReason = errors.New("closer: invalid close reason")

	// ErrCloseIDConflict is returned when a caller reuses a close_id that
	// belongs to a different position.
	ErrCloseIDConflict = errors.New("closer: close id belongs to another position")
)

// Broker is the slice of the broker session the closer needs.
type Broker interface {
	ClosePosition(ctx context.Context, ticket string) (broker.CloseFill, error)
}

// BrokerSource resolves the broker session for an account.
type BrokerSource func(accountID string) (Broker, error)

// Dispatcher hands a remote close to the execution agent, and takes it back
// once the close no longer needs the agent.
type Dispatcher interface {
	EnqueueClose(ctx context.Context, pos *model.OpenPosition, closeID string) error
	WithdrawClose(ctx context.Context, pos *model.OpenPosition, closeID string) error
}

// Request is one logical close. CloseID is optional; callers that retry
// across process restarts supply their own.
type Request struct {
	PositionID  string
	CloseID     string
	Reason      model.CloseReason
	RequestedBy string
	Route       model.CloseRoute
}

// Ack is the execution agent's report on a remote close.
type Ack struct {
	Success    bool
	ClosePrice *decimal.Decimal
	Detail     string
}

// Options tunes retry and bulk parallelism.
type Options struct {
	Attempts    int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Parallelism int
	Notifier    alert.Notifier
	Dispatcher  Dispatcher
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Closer is the single entry point for closing positions.
type Closer struct {
	st      store.Store
	brokers BrokerSource
	opts    Options
	locks   keyedMutex
}

// New creates a Closer.
func New(st store.Store, brokers BrokerSource, opts Options) *Closer {
	opts.defaults()
	return &Closer{st: st, brokers: brokers, opts: opts, locks: keyedMutex{locks: make(map[string]*refLock)}}
}

// Close closes one position. A resolved close_id returns its stored result;
// a closed position returns success referencing the prior close. Broker
// failures are reported in the result's outcome, not as an error.
func (c *Closer) Close(ctx context.Context, req Request) (model.CloseResult, error) {
	if !req.Reason.Valid() {
		return model.CloseResult{}, fmt.Errorf("%w: %q", ErrInvalidReason, req.Reason)
	}
	if req.Route == "" {
		req.Route = model.RouteDirect
	}

	unlock := c.locks.Lock(req.PositionID)
	defer unlock()

	if req.CloseID != "" {
		cmd, err := c.st.GetCloseCommand(ctx, req.CloseID)
		switch {
		case err == nil:
			if cmd.PositionID != req.PositionID {
				return model.CloseResult{}, fmt.Errorf("%w: %s", ErrCloseIDConflict, req.CloseID)
			}
			if cmd.Resolved() {
				return model.ResultFromCommand(cmd), nil
			}
			return c.collapse(ctx, cmd, req.Route)
		case !errors.Is(err, store.ErrNotFound):
			return model.CloseResult{}, fmt.Errorf("load close command: %w", err)
		}
	}

	pos, err := c.st.GetPosition(ctx, req.PositionID)
	if err != nil {
		return model.CloseResult{}, fmt.Errorf("load position: %w", err)
	}

	if pos.Status == model.StatusClosed {
		res := model.CloseResult{
			CloseID:    req.CloseID,
			PositionID: pos.ID,
			Outcome:    model.OutcomeSucceeded,
			Detail:     "position already closed",
		}
		if prior, err := c.st.LatestCloseCommand(ctx, pos.ID); err == nil {
			res.PriorCloseID = prior.CloseID
			res.RealizedPnL = prior.RealizedPnL
			if res.CloseID == "" {
				res.CloseID = prior.CloseID
			}
		}
		return res, nil
	}

	if latest, err := c.st.LatestCloseCommand(ctx, pos.ID); err == nil && !latest.Resolved() {
		return c.collapse(ctx, latest, req.Route)
	}

	cmd := &model.CloseCommand{
		CloseID:     req.CloseID,
		AccountID:   pos.AccountID,
		PositionID:  pos.ID,
		Reason:      req.Reason,
		RequestedBy: req.RequestedBy,
		Route:       req.Route,
		RequestedAt: c.opts.Now().UTC(),
		Outcome:     model.OutcomePending,
	}
	if cmd.CloseID == "" {
		cmd.CloseID = ids.New()
	}
	if err := c.st.InsertCloseCommand(ctx, cmd); err != nil {
		if errors.Is(err, store.ErrDuplicateCloseID) {
			return model.CloseResult{}, fmt.Errorf("%w: %s", ErrCloseIDConflict, cmd.CloseID)
		}
		return model.CloseResult{}, fmt.Errorf("record close command: %w", err)
	}
	if err := c.st.UpdatePositionStatus(ctx, pos.ID, model.StatusClosing, cmd.RequestedAt); err != nil {
		return model.CloseResult{}, fmt.Errorf("mark closing: %w", err)
	}

	slog.Info("close requested",
		"account", pos.AccountID, "position", pos.ID, "close_id", cmd.CloseID,
		"reason", cmd.Reason, "route", cmd.Route, "requested_by", cmd.RequestedBy,
	)

	if cmd.Route == model.RouteRemote {
		if ok := c.dispatch(ctx, pos, cmd); ok {
			return pendingResult(cmd), nil
		}
		cmd.Route = model.RouteDirect
	}
	return c.execute(ctx, pos, cmd)
}

// collapse folds a request onto a pending command. A direct request
// escalates a remote command to an immediate broker close.
func (c *Closer) collapse(ctx context.Context, cmd *model.CloseCommand, route model.CloseRoute) (model.CloseResult, error) {
	if route != model.RouteDirect || cmd.Route != model.RouteRemote {
		return pendingResult(cmd), nil
	}
	pos, err := c.st.GetPosition(ctx, cmd.PositionID)
	if err != nil {
		return model.CloseResult{}, fmt.Errorf("load position: %w", err)
	}
	cmd.Route = model.RouteDirect
	return c.execute(ctx, pos, cmd)
}

func (c *Closer) dispatch(ctx context.Context, pos *model.OpenPosition, cmd *model.CloseCommand) bool {
	if c.opts.Dispatcher == nil || pos.DeviceID == "" {
		return false
	}
	if err := c.opts.Dispatcher.EnqueueClose(ctx, pos, cmd.CloseID); err != nil {
		slog.Warn("enqueue remote close failed, closing directly",
			"account", pos.AccountID, "position", pos.ID, "close_id", cmd.CloseID, "err", err)
		return false
	}
	return true
}

// Resolve applies the execution agent's outcome for a remote close. A
// failed ack falls back to a direct broker close under the same close_id.
func (c *Closer) Resolve(ctx context.Context, closeID string, ack Ack) (model.CloseResult, error) {
	cmd, err := c.st.GetCloseCommand(ctx, closeID)
	if err != nil {
		return model.CloseResult{}, fmt.Errorf("load close command: %w", err)
	}
	unlock := c.locks.Lock(cmd.PositionID)
	defer unlock()

	// Reload under the lock; a TTL fallback may have resolved it meanwhile.
	if cmd, err = c.st.GetCloseCommand(ctx, closeID); err != nil {
		return model.CloseResult{}, fmt.Errorf("load close command: %w", err)
	}
	if cmd.Resolved() {
		return model.ResultFromCommand(cmd), nil
	}
	pos, err := c.st.GetPosition(ctx, cmd.PositionID)
	if err != nil {
		return model.CloseResult{}, fmt.Errorf("load position: %w", err)
	}

	if !ack.Success {
		slog.Warn("agent close failed, closing directly",
			"account", pos.AccountID, "position", pos.ID, "close_id", closeID, "detail", ack.Detail)
		cmd.Route = model.RouteDirect
		return c.execute(ctx, pos, cmd)
	}

	cmd.Attempts++
	cmd.Detail = "closed by execution agent"
	if ack.ClosePrice != nil {
		price := *ack.ClosePrice
		pnl := price.Sub(pos.EntryPrice).Mul(pos.Volume).Mul(pos.Direction.Sign())
		cmd.ClosePrice = &price
		cmd.RealizedPnL = &pnl
	}
	return c.succeed(ctx, pos, cmd)
}

// ExecuteDirect closes a pending command at the broker, keeping its
// close_id. Used when a remote directive expires unacknowledged.
func (c *Closer) ExecuteDirect(ctx context.Context, closeID string) (model.CloseResult, error) {
	cmd, err := c.st.GetCloseCommand(ctx, closeID)
	if err != nil {
		return model.CloseResult{}, fmt.Errorf("load close command: %w", err)
	}
	unlock := c.locks.Lock(cmd.PositionID)
	defer unlock()

	if cmd, err = c.st.GetCloseCommand(ctx, closeID); err != nil {
		return model.CloseResult{}, fmt.Errorf("load close command: %w", err)
	}
	if cmd.Resolved() {
		return model.ResultFromCommand(cmd), nil
	}
	pos, err := c.st.GetPosition(ctx, cmd.PositionID)
	if err != nil {
		return model.CloseResult{}, fmt.Errorf("load position: %w", err)
	}
	cmd.Route = model.RouteDirect
	return c.execute(ctx, pos, cmd)
}

// ConfirmClosed resolves the position's pending close command as succeeded
// once the broker no longer reports its ticket, and withdraws any close
// directive still queued for the agent. The ledger row is the caller's.
func (c *Closer) ConfirmClosed(ctx context.Context, pos *model.OpenPosition) error {
	unlock := c.locks.Lock(pos.ID)
	defer unlock()

	cmd, err := c.st.LatestCloseCommand(ctx, pos.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load close command: %w", err)
	}
	if cmd.Resolved() {
		return nil
	}
	if cmd.Route == model.RouteRemote && c.opts.Dispatcher != nil {
		if err := c.opts.Dispatcher.WithdrawClose(ctx, pos, cmd.CloseID); err != nil {
			slog.Warn("withdraw close directive failed",
				"account", pos.AccountID, "position", pos.ID, "close_id", cmd.CloseID, "err", err)
		}
	}
	return c.confirm(ctx, pos, cmd, "confirmed by reconciliation")
}

// confirm resolves cmd as succeeded without a broker call. The position is
// already gone at the broker, so there is no fill to record.
func (c *Closer) confirm(ctx context.Context, pos *model.OpenPosition, cmd *model.CloseCommand, detail string) error {
	now := c.opts.Now().UTC()
	cmd.Outcome = model.OutcomeSucceeded
	cmd.Detail = detail
	cmd.ResolvedAt = &now
	if err := c.st.UpdateCloseCommand(ctx, cmd); err != nil {
		return fmt.Errorf("resolve close command: %w", err)
	}
	metrics.ClosesTotal.WithLabelValues(string(cmd.Reason), string(cmd.Route), string(cmd.Outcome)).Inc()
	slog.Info("close confirmed without broker call",
		"account", pos.AccountID, "position", pos.ID, "close_id", cmd.CloseID, "detail", detail)
	return nil
}

// execute runs the broker close with bounded retry and resolves cmd.
// Called with the position lock held.
func (c *Closer) execute(ctx context.Context, pos *model.OpenPosition, cmd *model.CloseCommand) (model.CloseResult, error) {
	if pos.Status == model.StatusClosed {
		// Reconciliation saw the ticket leave the broker; closing it again
		// could only be rejected.
		if err := c.confirm(ctx, pos, cmd, "position already closed"); err != nil {
			return model.CloseResult{}, err
		}
		return model.ResultFromCommand(cmd), nil
	}

	b, err := c.brokers(pos.AccountID)
	if err != nil {
		return c.fail(ctx, pos, cmd, fmt.Sprintf("no broker session: %v", err))
	}

	bo := &backoff.Backoff{Min: c.opts.BackoffMin, Max: c.opts.BackoffMax, Factor: 2}
	var fill broker.CloseFill
	for attempt := 1; ; attempt++ {
		cmd.Attempts++
		fill, err = b.ClosePosition(ctx, pos.BrokerTicket)
		if err == nil || !broker.IsTransient(err) || attempt >= c.opts.Attempts {
			break
		}
		wait := bo.Duration()
		if d, ok := broker.RetryAfter(err); ok && d > wait {
			wait = d
		}
		slog.Warn("broker close failed, retrying",
			"account", pos.AccountID, "position", pos.ID, "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return c.fail(ctx, pos, cmd, fmt.Sprintf("%v (cancelled: %v)", err, ctx.Err()))
		case <-time.After(wait):
		}
	}
	if err != nil {
		return c.fail(ctx, pos, cmd, err.Error())
	}
	if fill.RemainingVolume.IsPositive() {
		return c.fail(ctx, pos, cmd, fmt.Sprintf("partial close: %s of %s remaining",
			fill.RemainingVolume, pos.Volume))
	}

	price, pnl := fill.ClosePrice, fill.RealizedPnL
	cmd.ClosePrice = &price
	cmd.RealizedPnL = &pnl
	cmd.Detail = ""
	return c.succeed(ctx, pos, cmd)
}

func (c *Closer) succeed(ctx context.Context, pos *model.OpenPosition, cmd *model.CloseCommand) (model.CloseResult, error) {
	now := c.opts.Now().UTC()
	cmd.Outcome = model.OutcomeSucceeded
	cmd.ResolvedAt = &now
	if err := c.st.UpdateCloseCommand(ctx, cmd); err != nil {
		return model.CloseResult{}, fmt.Errorf("resolve close command: %w", err)
	}
	if err := c.st.UpdatePositionStatus(ctx, pos.ID, model.StatusClosed, now); err != nil {
		return model.CloseResult{}, fmt.Errorf("mark closed: %w", err)
	}
	metrics.ClosesTotal.WithLabelValues(string(cmd.Reason), string(cmd.Route), string(cmd.Outcome)).Inc()
	slog.Info("position closed",
		"account", pos.AccountID, "position", pos.ID, "close_id", cmd.CloseID,
		"reason", cmd.Reason, "route", cmd.Route, "attempts", cmd.Attempts)
	return model.ResultFromCommand(cmd), nil
}

// fail records a failed outcome, reverts the position to open so the next
// tick re-evaluates it, and escalates to ops.
func (c *Closer) fail(ctx context.Context, pos *model.OpenPosition, cmd *model.CloseCommand, detail string) (model.CloseResult, error) {
	now := c.opts.Now().UTC()
	cmd.Outcome = model.OutcomeFailed
	cmd.Detail = detail
	cmd.ResolvedAt = &now
	if err := c.st.UpdateCloseCommand(ctx, cmd); err != nil {
		return model.CloseResult{}, fmt.Errorf("resolve close command: %w", err)
	}
	if err := c.st.UpdatePositionStatus(ctx, pos.ID, model.StatusOpen, now); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return model.CloseResult{}, fmt.Errorf("revert position: %w", err)
	}
	metrics.ClosesTotal.WithLabelValues(string(cmd.Reason), string(cmd.Route), string(cmd.Outcome)).Inc()

	alert.Send(ctx, c.opts.Notifier, alert.Event{
		Kind:       alert.KindCloseFailed,
		AccountID:  pos.AccountID,
		PositionID: pos.ID,
		CloseID:    cmd.CloseID,
		Message:    "position close failed",
		Fields: map[string]string{
			"reason":   string(cmd.Reason),
			"ticket":   pos.BrokerTicket,
			"attempts": fmt.Sprint(cmd.Attempts),
			"detail":   detail,
		},
		At: now,
	})
	return model.ResultFromCommand(cmd), nil
}

// CloseAll closes every active position of the account. One position's
// failure never stops the others; each gets its own result.
func (c *Closer) CloseAll(ctx context.Context, accountID string, reason model.CloseReason, requestedBy string) ([]model.CloseResult, error) {
	positions, err := c.st.ListActivePositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return c.closeMany(ctx, positions, reason, requestedBy), nil
}

// CloseInstrument closes the account's active positions on one symbol.
func (c *Closer) CloseInstrument(ctx context.Context, accountID, sym string, reason model.CloseReason, requestedBy string) ([]model.CloseResult, error) {
	positions, err := c.st.ListActivePositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	want := symbol.Normalize(sym)
	var matched []model.OpenPosition
	for _, p := range positions {
		if symbol.Normalize(p.Instrument) == want {
			matched = append(matched, p)
		}
	}
	return c.closeMany(ctx, matched, reason, requestedBy), nil
}

func (c *Closer) closeMany(ctx context.Context, positions []model.OpenPosition, reason model.CloseReason, requestedBy string) []model.CloseResult {
	results := make([]model.CloseResult, len(positions))
	var g errgroup.Group
	g.SetLimit(c.opts.Parallelism)
	for i, p := range positions {
		g.Go(func() error {
			res, err := c.Close(ctx, Request{PositionID: p.ID, Reason: reason, RequestedBy: requestedBy})
			if err != nil {
				slog.Error("bulk close failed", "account", p.AccountID, "position", p.ID, "err", err)
				res = model.CloseResult{PositionID: p.ID, Outcome: model.OutcomeFailed, Detail: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func pendingResult(cmd *model.CloseCommand) model.CloseResult {
	return model.CloseResult{CloseID: cmd.CloseID, PositionID: cmd.PositionID, Outcome: model.OutcomePending}
}
