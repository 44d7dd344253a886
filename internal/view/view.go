// Package view holds the only types the bridge serializes to callers
// outside the process. Each is an allow-list projection of a model type;
// none has a field for a hidden stop-loss or take-profit.
package view

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/model"
)

// CloseDirective is the EA payload for a pending close.
type CloseDirective struct {
	PositionID string `json:"positionId"`
	Action     string `json:"action"`
}

func NewCloseDirective(positionID string) CloseDirective {
	return CloseDirective{PositionID: positionID, Action: "close"}
}

// EntryDirective is the EA payload for an approved entry.
type EntryDirective struct {
	DirectiveID string          `json:"directiveId"`
	Action      string          `json:"action"`
	Instrument  string          `json:"instrument"`
	Direction   model.Direction `json:"direction"`
	Volume      decimal.Decimal `json:"volume"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

func NewEntryDirective(id, instrument string, dir model.Direction, volume, entry decimal.Decimal, expires time.Time) EntryDirective {
	return EntryDirective{
		DirectiveID: id,
		Action:      "open",
		Instrument:  instrument,
		Direction:   dir,
		Volume:      volume,
		EntryPrice:  entry,
		ExpiresAt:   expires.UTC(),
	}
}

// Poll is the response to a device poll.
type Poll struct {
	Closes  []CloseDirective `json:"closes"`
	Entries []EntryDirective `json:"entries"`
}

// Ack is the response to a device ack.
type Ack struct {
	Status string `json:"status"`
}

// Position is the dashboard projection of a ledger row.
type Position struct {
	ID            string               `json:"id"`
	BrokerTicket  string               `json:"brokerTicket"`
	Instrument    string               `json:"instrument"`
	Direction     model.Direction      `json:"direction"`
	Volume        decimal.Decimal      `json:"volume"`
	EntryPrice    decimal.Decimal      `json:"entryPrice"`
	CurrentPrice  *decimal.Decimal     `json:"currentPrice,omitempty"`
	UnrealizedPnL *decimal.Decimal     `json:"unrealizedPnl,omitempty"`
	Status        model.PositionStatus `json:"status"`
	OpenedAt      time.Time            `json:"openedAt"`
}

// NewPosition projects p, marking it against q when a quote is known.
func NewPosition(p model.OpenPosition, q *model.Quote) Position {
	v := Position{
		ID:           p.ID,
		BrokerTicket: p.BrokerTicket,
		Instrument:   p.Instrument,
		Direction:    p.Direction,
		Volume:       p.Volume,
		EntryPrice:   p.EntryPrice,
		Status:       p.Status,
		OpenedAt:     p.OpenedAt,
	}
	if q != nil {
		price := q.ExitPrice(p.Direction)
		pnl := p.UnrealizedPnL(*q)
		v.CurrentPrice = &price
		v.UnrealizedPnL = &pnl
	}
	return v
}

// NewPositions marks each position against quotes where one is known.
func NewPositions(positions []model.OpenPosition, quotes map[string]model.Quote) []Position {
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		var q *model.Quote
		if quote, ok := quotes[p.Instrument]; ok {
			q = &quote
		}
		out = append(out, NewPosition(p, q))
	}
	return out
}

// Registration echoes an accepted producer registration.
type Registration struct {
	AccountID    string          `json:"accountId"`
	BrokerTicket string          `json:"brokerTicketId,omitempty"`
	EntryOrderID string          `json:"entryOrderId,omitempty"`
	Instrument   string          `json:"instrument"`
	Direction    model.Direction `json:"direction"`
	Volume       decimal.Decimal `json:"volume"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	Status       string          `json:"status"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
}

// ReconciliationEvent is the dashboard projection of an audit row.
type ReconciliationEvent struct {
	ID             string               `json:"id"`
	PositionID     string               `json:"positionId,omitempty"`
	BrokerTicket   string               `json:"brokerTicket"`
	Instrument     string               `json:"instrument,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
	BrokerVolume   decimal.Decimal      `json:"brokerVolume"`
	LedgerVolume   decimal.Decimal      `json:"ledgerVolume"`
	BrokerEntry    decimal.Decimal      `json:"brokerEntry"`
	LedgerEntry    decimal.Decimal      `json:"ledgerEntry"`
	Classification model.Classification `json:"classification"`
}

// Reconciliation is recent events plus per-classification counts.
type Reconciliation struct {
	AccountID   string                       `json:"accountId"`
	Events      []ReconciliationEvent        `json:"events"`
	Counts      map[model.Classification]int `json:"counts"`
	Divergences int                          `json:"divergences"`
}

// NewReconciliation projects events (newest first) and counts them.
func NewReconciliation(accountID string, events []model.ReconciliationEvent) Reconciliation {
	out := Reconciliation{
		AccountID: accountID,
		Events:    make([]ReconciliationEvent, 0, len(events)),
		Counts:    make(map[model.Classification]int),
	}
	for _, e := range events {
		out.Events = append(out.Events, ReconciliationEvent{
			ID:             e.ID,
			PositionID:     e.PositionID,
			BrokerTicket:   e.BrokerTicket,
			Instrument:     e.Instrument,
			Timestamp:      e.Timestamp,
			BrokerVolume:   e.BrokerVolume,
			LedgerVolume:   e.LedgerVolume,
			BrokerEntry:    e.BrokerEntry,
			LedgerEntry:    e.LedgerEntry,
			Classification: e.Classification,
		})
		out.Counts[e.Classification]++
		switch e.Classification {
		case model.ClassSlippage, model.ClassPartialFill, model.ClassBrokerClosedUnexpectedly:
			out.Divergences++
		}
	}
	return out
}

// Alert is a drawdown or market alert row.
type Alert struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Symbol          string          `json:"symbol,omitempty"`
	Metric          string          `json:"metric"`
	Value           decimal.Decimal `json:"value"`
	Threshold       decimal.Decimal `json:"threshold"`
	Severity        model.Severity  `json:"severity"`
	ActionTriggered bool            `json:"actionTriggered"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Guards is the dashboard guard panel.
type Guards struct {
	AccountID        string                    `json:"accountId"`
	Equity           decimal.Decimal           `json:"equity"`
	PeakEquity       decimal.Decimal           `json:"peakEquity"`
	DrawdownPct      decimal.Decimal           `json:"drawdownPct"`
	DrawdownSeverity model.Severity            `json:"drawdownSeverity,omitempty"`
	MarketFlags      map[string]model.Severity `json:"marketFlags"`
	Alerts           []Alert                   `json:"alerts"`
}

// NewGuards builds the guard panel from persisted state and recent alerts.
func NewGuards(st *model.AccountState, drawdownPct decimal.Decimal, dd []model.DrawdownAlert, mk []model.MarketAlert) Guards {
	g := Guards{
		AccountID:        st.AccountID,
		Equity:           st.LastEquity,
		PeakEquity:       st.PeakEquity,
		DrawdownPct:      drawdownPct,
		DrawdownSeverity: st.DrawdownSeverity,
		MarketFlags:      make(map[string]model.Severity),
		Alerts:           make([]Alert, 0, len(dd)+len(mk)),
	}
	for sym, sev := range st.MarketSeverity {
		if sev != model.SeverityNone {
			g.MarketFlags[sym] = sev
		}
	}
	for _, a := range dd {
		g.Alerts = append(g.Alerts, Alert{
			ID: a.ID, Kind: "drawdown", Metric: "drawdown_pct", Value: a.DrawdownPct,
			Threshold: a.Threshold, Severity: a.Severity, ActionTriggered: a.ActionTriggered, Timestamp: a.Timestamp,
		})
	}
	for _, a := range mk {
		g.Alerts = append(g.Alerts, Alert{
			ID: a.ID, Kind: "market", Symbol: a.Symbol, Metric: string(a.Metric), Value: a.Value,
			Threshold: a.Threshold, Severity: a.Severity, ActionTriggered: a.ActionTriggered, Timestamp: a.Timestamp,
		})
	}
	return g
}

// CloseResult is the response to a manual close.
type CloseResult struct {
	CloseID      string             `json:"closeId"`
	PositionID   string             `json:"positionId"`
	Outcome      model.CloseOutcome `json:"outcome"`
	RealizedPnL  *decimal.Decimal   `json:"realizedPnl,omitempty"`
	Detail       string             `json:"detail,omitempty"`
	PriorCloseID string             `json:"priorCloseId,omitempty"`
}

func NewCloseResult(r model.CloseResult) CloseResult {
	return CloseResult{
		CloseID:      r.CloseID,
		PositionID:   r.PositionID,
		Outcome:      r.Outcome,
		RealizedPnL:  r.RealizedPnL,
		Detail:       r.Detail,
		PriorCloseID: r.PriorCloseID,
	}
}

// Status is one account's live status frame on the WebSocket stream.
type Status struct {
	AccountID    string          `json:"accountId"`
	Equity       decimal.Decimal `json:"equity"`
	PeakEquity   decimal.Decimal `json:"peakEquity"`
	DrawdownPct  decimal.Decimal `json:"drawdownPct"`
	Positions    []Position      `json:"positions"`
	Divergences  int             `json:"divergences"`
	Stale        bool            `json:"stale"`
	CircuitState string          `json:"circuitState"`
	SyncedAt     time.Time       `json:"syncedAt"`
}
