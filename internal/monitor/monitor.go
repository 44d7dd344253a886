// Package monitor watches open positions against their hidden stop-loss and
// take-profit levels and drives each breached position through the remote
// close lifecycle.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/closer"
	"github.com/atmx/risk-bridge/internal/metrics"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/protocol"
)

// State of a monitored position.
type State string

const (
	StateMonitoring        State = "monitoring"
	StateBreachDetected    State = "breach_detected"
	StateCloseQueued       State = "close_queued"
	StateCloseAcknowledged State = "close_acknowledged"
	StateCloseTimedOut     State = "close_timed_out"
)

// Closer is what the monitor needs from closer.Closer.
type Closer interface {
	Close(ctx context.Context, req closer.Request) (model.CloseResult, error)
	ExecuteDirect(ctx context.Context, closeID string) (model.CloseResult, error)
}

// Expirer hands out close directives whose TTL lapsed.
type Expirer interface {
	Expire(ctx context.Context) ([]protocol.Directive, error)
}

// Transition records one state change, for logs and tests.
type Transition struct {
	PositionID string
	From       State
	To         State
	Reason     model.CloseReason
	CloseID    string
	At         time.Time
}

type tracked struct {
	accountID string
	state     State
	closeID   string
}

// Monitor is safe for concurrent use across accounts.
type Monitor struct {
	closer  Closer
	expirer Expirer
	buffer  decimal.Decimal

	mu        sync.Mutex
	positions map[string]*tracked
}

// New creates a monitor. buffer widens every level by that many price
// units to ride out quote noise.
func New(c Closer, e Expirer, buffer decimal.Decimal) *Monitor {
	return &Monitor{closer: c, expirer: e, buffer: buffer, positions: make(map[string]*tracked)}
}

// Breach reports whether q crosses one of p's hidden levels. Longs are
// marked at the bid, shorts at the ask.
func Breach(p *model.OpenPosition, q model.Quote, buffer decimal.Decimal) (model.CloseReason, bool) {
	price := q.ExitPrice(p.Direction)
	if p.Direction == model.Short {
		if p.HiddenStopLoss != nil && price.GreaterThanOrEqual(p.HiddenStopLoss.Add(buffer)) {
			return model.ReasonSLHit, true
		}
		if p.HiddenTakeProfit != nil && price.LessThanOrEqual(p.HiddenTakeProfit.Sub(buffer)) {
			return model.ReasonTPHit, true
		}
		return "", false
	}
	if p.HiddenStopLoss != nil && price.LessThanOrEqual(p.HiddenStopLoss.Sub(buffer)) {
		return model.ReasonSLHit, true
	}
	if p.HiddenTakeProfit != nil && price.GreaterThanOrEqual(p.HiddenTakeProfit.Add(buffer)) {
		return model.ReasonTPHit, true
	}
	return "", false
}

// Evaluate checks every open position with hidden levels against quotes and
// requests a close for each breach. Positions attached to a device close
// through the agent; the rest close at the broker directly.
func (m *Monitor) Evaluate(ctx context.Context, accountID string, positions []model.OpenPosition, quotes map[string]model.Quote, now time.Time) []Transition {
	var out []Transition
	active := make(map[string]bool, len(positions))

	for i := range positions {
		p := &positions[i]
		active[p.ID] = true
		if p.Status != model.StatusOpen || !p.HasHiddenLevels() {
			continue
		}
		if st := m.state(p.ID); st == StateCloseQueued || st == StateCloseAcknowledged {
			continue
		}
		q, ok := quotes[p.Instrument]
		if !ok {
			continue
		}
		reason, hit := Breach(p, q, m.buffer)
		if !hit {
			m.track(accountID, p.ID, StateMonitoring, "")
			continue
		}

		metrics.HiddenLevelBreaches.WithLabelValues(string(reason)).Inc()
		out = append(out, m.set(accountID, p.ID, StateBreachDetected, reason, "", now))
		// Levels are never logged; only which side was hit.
		slog.Info("hidden level breached", "account", accountID, "position", p.ID, "reason", reason)

		route := model.RouteDirect
		if p.DeviceID != "" {
			route = model.RouteRemote
		}
		res, err := m.closer.Close(ctx, closer.Request{
			PositionID:  p.ID,
			Reason:      reason,
			RequestedBy: "monitor",
			Route:       route,
		})
		switch {
		case err != nil:
			slog.Error("breach close request failed", "account", accountID, "position", p.ID, "err", err)
			out = append(out, m.set(accountID, p.ID, StateMonitoring, reason, "", now))
		case res.Outcome == model.OutcomePending:
			out = append(out, m.set(accountID, p.ID, StateCloseQueued, reason, res.CloseID, now))
		case res.Outcome == model.OutcomeSucceeded:
			out = append(out, m.set(accountID, p.ID, StateCloseAcknowledged, reason, res.CloseID, now))
		default:
			// Closer already alerted and reverted the row to open.
			out = append(out, m.set(accountID, p.ID, StateMonitoring, reason, res.CloseID, now))
		}
	}

	m.prune(accountID, active)
	return out
}

// Acknowledged marks a remote close as confirmed by the agent.
func (m *Monitor) Acknowledged(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.positions[positionID]; ok {
		t.state = StateCloseAcknowledged
	}
}

// Sweep handles close directives that expired unacknowledged: the close is
// executed at the broker under the same close_id and the position goes back
// to monitoring, to be re-evaluated if it is still open.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) []Transition {
	expired, err := m.expirer.Expire(ctx)
	if err != nil {
		slog.Error("directive sweep failed", "err", err)
		return nil
	}
	var out []Transition
	for _, d := range expired {
		out = append(out, m.set(d.AccountID, d.PositionID, StateCloseTimedOut, "", d.CloseID, now))
		slog.Warn("close directive timed out, closing directly",
			"account", d.AccountID, "device", d.DeviceID, "position", d.PositionID, "close_id", d.CloseID)

		res, err := m.closer.ExecuteDirect(ctx, d.CloseID)
		if err != nil {
			slog.Error("direct close after timeout failed", "account", d.AccountID, "position", d.PositionID, "err", err)
		} else if res.Outcome == model.OutcomeSucceeded {
			slog.Info("direct close after timeout succeeded", "account", d.AccountID, "position", d.PositionID, "close_id", res.CloseID)
		}
		out = append(out, m.set(d.AccountID, d.PositionID, StateMonitoring, "", d.CloseID, now))
	}
	return out
}

// State returns the tracked state of a position.
func (m *Monitor) State(positionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[positionID]
	if !ok {
		return "", false
	}
	return t.state, true
}

func (m *Monitor) state(positionID string) State {
	st, _ := m.State(positionID)
	return st
}

func (m *Monitor) track(accountID, positionID string, st State, closeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[positionID] = &tracked{accountID: accountID, state: st, closeID: closeID}
}

func (m *Monitor) set(accountID, positionID string, to State, reason model.CloseReason, closeID string, now time.Time) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := StateMonitoring
	if t, ok := m.positions[positionID]; ok {
		from = t.state
	}
	m.positions[positionID] = &tracked{accountID: accountID, state: to, closeID: closeID}
	return Transition{PositionID: positionID, From: from, To: to, Reason: reason, CloseID: closeID, At: now}
}

// prune forgets positions of accountID that left the active set.
func (m *Monitor) prune(accountID string, active map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.positions {
		if t.accountID == accountID && !active[id] {
			delete(m.positions, id)
		}
	}
}
