// Package model defines the core ledger types shared across the bridge.
// All prices, volumes and money values use shopspring/decimal, never float64.
//
// These are internal entities. Several of them carry hidden stop-loss and
// take-profit levels and must never be serialized to an external caller;
// the view package holds the only types that leave the process.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d == Long || d == Short }

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionStatus is the ledger lifecycle of a position.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
)

// AccountSnapshot is the broker-reported account state for one tick.
// Never persisted raw; only derived alerts are.
type AccountSnapshot struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Equity    decimal.Decimal `json:"equity"`
	Margin    decimal.Decimal `json:"margin"`
	Timestamp time.Time       `json:"timestamp"`
}

// Quote is a top-of-book price for one instrument.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns (bid+ask)/2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// ExitPrice is the price a position of the given direction closes at:
// longs sell at the bid, shorts buy at the ask.
func (q Quote) ExitPrice(d Direction) decimal.Decimal {
	if d == Short {
		return q.Ask
	}
	return q.Bid
}

// BrokerPosition is a position as reported by the broker gateway, already
// parsed into typed values at the I/O boundary.
type BrokerPosition struct {
	Ticket     string          `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Volume     decimal.Decimal `json:"volume"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// OpenPosition is the ledger row for a broker ticket. HiddenStopLoss and
// HiddenTakeProfit are write-once at creation; nil means the owner did not
// set a protected boundary.
type OpenPosition struct {
	ID               string           `json:"id" db:"id"`
	AccountID        string           `json:"account_id" db:"account_id"`
	DeviceID         string           `json:"device_id" db:"device_id"`
	BrokerTicket     string           `json:"broker_ticket" db:"broker_ticket"`
	Instrument       string           `json:"instrument" db:"instrument"`
	Direction        Direction        `json:"direction" db:"direction"`
	Volume           decimal.Decimal  `json:"volume" db:"volume"`
	EntryPrice       decimal.Decimal  `json:"entry_price" db:"entry_price"`
	HiddenStopLoss   *decimal.Decimal `json:"hidden_stop_loss,omitempty" db:"hidden_stop_loss"`
	HiddenTakeProfit *decimal.Decimal `json:"hidden_take_profit,omitempty" db:"hidden_take_profit"`
	OpenedAt         time.Time        `json:"opened_at" db:"opened_at"`
	Status           PositionStatus   `json:"status" db:"status"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
}

// HasHiddenLevels reports whether at least one protected boundary is set.
func (p *OpenPosition) HasHiddenLevels() bool {
	return p.HiddenStopLoss != nil || p.HiddenTakeProfit != nil
}

// UnrealizedPnL marks the position against q in quote currency units.
func (p *OpenPosition) UnrealizedPnL(q Quote) decimal.Decimal {
	return q.ExitPrice(p.Direction).Sub(p.EntryPrice).Mul(p.Volume).Mul(p.Direction.Sign())
}

// Registration is a hand-off from the approval flow (or an EA entry ack)
// announcing that a broker ticket belongs to the ledger. Reconciliation
// adopts a ticket only when a registration exists for it.
type Registration struct {
	AccountID        string           `json:"account_id"`
	BrokerTicket     string           `json:"broker_ticket"`
	DeviceID         string           `json:"device_id"`
	Instrument       string           `json:"instrument"`
	Direction        Direction        `json:"direction"`
	Volume           decimal.Decimal  `json:"volume"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	HiddenStopLoss   *decimal.Decimal `json:"hidden_stop_loss,omitempty"`
	HiddenTakeProfit *decimal.Decimal `json:"hidden_take_profit,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Classification of a reconciliation comparison.
type Classification string

const (
	ClassMatched                  Classification = "matched"
	ClassSlippage                 Classification = "slippage"
	ClassPartialFill              Classification = "partial_fill"
	ClassBrokerClosedUnexpectedly Classification = "broker_closed_unexpectedly"
	ClassCloseConfirmed           Classification = "close_confirmed"
	ClassAdopted                  Classification = "adopted"
)

// ReconciliationEvent is an append-only audit row for one position compared
// during a sync.
type ReconciliationEvent struct {
	ID                 string          `json:"id" db:"id"`
	AccountID          string          `json:"account_id" db:"account_id"`
	PositionID         string          `json:"position_id" db:"position_id"`
	BrokerTicket       string          `json:"broker_ticket" db:"broker_ticket"`
	Instrument         string          `json:"instrument" db:"instrument"`
	Timestamp          time.Time       `json:"timestamp" db:"timestamp"`
	BrokerVolume       decimal.Decimal `json:"broker_volume" db:"broker_volume"`
	LedgerVolume       decimal.Decimal `json:"ledger_volume" db:"ledger_volume"`
	BrokerEntry        decimal.Decimal `json:"broker_entry" db:"broker_entry"`
	LedgerEntry        decimal.Decimal `json:"ledger_entry" db:"ledger_entry"`
	Classification     Classification  `json:"classification" db:"classification"`
	VolumeTolerancePct decimal.Decimal `json:"volume_tolerance_pct" db:"volume_tolerance_pct"`
	PriceTolerance     decimal.Decimal `json:"price_tolerance" db:"price_tolerance"`
}

// Severity of a guard alert.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: none < warning < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

// DrawdownAlert is an append-only record of a drawdown threshold crossing.
type DrawdownAlert struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	DrawdownPct     decimal.Decimal `json:"drawdown_pct" db:"drawdown_pct"`
	PeakEquity      decimal.Decimal `json:"peak_equity" db:"peak_equity"`
	Equity          decimal.Decimal `json:"equity" db:"equity"`
	Threshold       decimal.Decimal `json:"threshold" db:"threshold"`
	Severity        Severity        `json:"severity" db:"severity"`
	ActionTriggered bool            `json:"action_triggered" db:"action_triggered"`
}

// MarketMetric names the market-condition measurement that crossed.
type MarketMetric string

const (
	MetricGap    MarketMetric = "gap"
	MetricSpread MarketMetric = "spread"
)

// MarketAlert is an append-only record of a gap/spread threshold crossing.
type MarketAlert struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	Metric          MarketMetric    `json:"metric" db:"metric"`
	Value           decimal.Decimal `json:"value" db:"value"`
	Threshold       decimal.Decimal `json:"threshold" db:"threshold"`
	Severity        Severity        `json:"severity" db:"severity"`
	ActionTriggered bool            `json:"action_triggered" db:"action_triggered"`
}

// CloseReason tags the origin of a close request.
type CloseReason string

const (
	ReasonDrawdown        CloseReason = "drawdown"
	ReasonMarketCondition CloseReason = "market_condition"
	ReasonSLHit           CloseReason = "sl_hit"
	ReasonTPHit           CloseReason = "tp_hit"
	ReasonManual          CloseReason = "manual"
)

// Valid reports whether r is a known reason.
func (r CloseReason) Valid() bool {
	switch r {
	case ReasonDrawdown, ReasonMarketCondition, ReasonSLHit, ReasonTPHit, ReasonManual:
		return true
	}
	return false
}

// CloseOutcome is the resolution state of a close command.
type CloseOutcome string

const (
	OutcomePending   CloseOutcome = "pending"
	OutcomeSucceeded CloseOutcome = "succeeded"
	OutcomeFailed    CloseOutcome = "failed"
)

// CloseRoute selects who executes a close.
type CloseRoute string

const (
	// RouteDirect closes at the broker gateway immediately.
	RouteDirect CloseRoute = "direct"
	// RouteRemote hands the close to the EA and waits for its ack.
	RouteRemote CloseRoute = "remote"
)

// CloseCommand is the audit row for one logical close attempt. CloseID is
// the idempotency key.
type CloseCommand struct {
	CloseID     string           `json:"close_id" db:"close_id"`
	AccountID   string           `json:"account_id" db:"account_id"`
	PositionID  string           `json:"position_id" db:"position_id"`
	Reason      CloseReason      `json:"reason" db:"reason"`
	RequestedBy string           `json:"requested_by" db:"requested_by"`
	Route       CloseRoute       `json:"route" db:"route"`
	RequestedAt time.Time        `json:"requested_at" db:"requested_at"`
	Outcome     CloseOutcome     `json:"outcome" db:"outcome"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`
	ClosePrice  *decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
	Detail      string           `json:"detail,omitempty" db:"detail"`
	Attempts    int              `json:"attempts" db:"attempts"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Resolved reports whether the command reached a terminal outcome.
func (c *CloseCommand) Resolved() bool { return c.Outcome != OutcomePending }

// CloseResult is what PositionCloser returns to its callers.
type CloseResult struct {
	CloseID      string           `json:"close_id"`
	PositionID   string           `json:"position_id"`
	Outcome      CloseOutcome     `json:"outcome"`
	RealizedPnL  *decimal.Decimal `json:"realized_pnl,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	PriorCloseID string           `json:"prior_close_id,omitempty"`
}

// ResultFromCommand projects a stored command into a result.
func ResultFromCommand(c *CloseCommand) CloseResult {
	return CloseResult{
		CloseID:     c.CloseID,
		PositionID:  c.PositionID,
		Outcome:     c.Outcome,
		RealizedPnL: c.RealizedPnL,
		Detail:      c.Detail,
	}
}

// AccountState is the per-account value persisted alongside the snapshot:
// peak equity for the drawdown guard, latched guard severities, and the
// previous quotes used for gap detection.
type AccountState struct {
	AccountID        string              `json:"account_id"`
	PeakEquity       decimal.Decimal     `json:"peak_equity"`
	LastEquity       decimal.Decimal     `json:"last_equity"`
	DrawdownSeverity Severity            `json:"drawdown_severity"`
	MarketSeverity   map[string]Severity `json:"market_severity"`
	LastQuotes       map[string]Quote    `json:"last_quotes"`
	LastSyncAt       time.Time           `json:"last_sync_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// NewAccountState returns an empty state for accountID.
func NewAccountState(accountID string) *AccountState {
	return &AccountState{
		AccountID:      accountID,
		MarketSeverity: make(map[string]Severity),
		LastQuotes:     make(map[string]Quote),
	}
}

// EntryOrderStatus is the lifecycle of an approved entry handed to the EA.
type EntryOrderStatus string

const (
	EntryPending  EntryOrderStatus = "pending"
	EntryFilled   EntryOrderStatus = "filled"
	EntryRejected EntryOrderStatus = "rejected"
	EntryExpired  EntryOrderStatus = "expired"
)

// EntryOrder is an approved-but-unexecuted entry instruction. It keeps the
// hidden levels so they can be attached to the ledger row once the EA
// reports a fill.
type EntryOrder struct {
	ID               string           `json:"id" db:"id"`
	AccountID        string           `json:"account_id" db:"account_id"`
	DeviceID         string           `json:"device_id" db:"device_id"`
	Instrument       string           `json:"instrument" db:"instrument"`
	Direction        Direction        `json:"direction" db:"direction"`
	Volume           decimal.Decimal  `json:"volume" db:"volume"`
	EntryPrice       decimal.Decimal  `json:"entry_price" db:"entry_price"`
	HiddenStopLoss   *decimal.Decimal `json:"hidden_stop_loss,omitempty" db:"hidden_stop_loss"`
	HiddenTakeProfit *decimal.Decimal `json:"hidden_take_profit,omitempty" db:"hidden_take_profit"`
	Status           EntryOrderStatus `json:"status" db:"status"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at" db:"expires_at"`
}
