// Package guard evaluates account- and market-level risk from a synced
// snapshot. Evaluation is pure: no I/O, deterministic for a given Input.
package guard

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/model"
)

// Calendar is the market-hours oracle consulted before raising market alerts.
type Calendar interface {
	IsOpen(symbol string, t time.Time) bool
}

// Input is everything a guard may look at.
type Input struct {
	AccountID  string
	Account    model.AccountSnapshot
	PeakEquity decimal.Decimal
	Quotes     map[string]model.Quote
	PrevQuotes map[string]model.Quote
	Positions  []model.OpenPosition
	Calendar   Calendar
	Now        time.Time
}

// Scope says what a critical verdict closes.
type Scope string

const (
	// ScopeAccount closes every active position.
	ScopeAccount Scope = "account"
	// ScopeSymbol closes only the positions on Verdict.Symbol.
	ScopeSymbol Scope = "symbol"
)

// Verdict is one guard observation. Severity none means the metric was
// observed within limits; the latch needs those to end an episode.
type Verdict struct {
	Reason    model.CloseReason
	Scope     Scope
	Symbol    string
	Metric    string
	Value     decimal.Decimal
	Threshold decimal.Decimal
	Severity  model.Severity
	// PeakEquity and Equity are set by the drawdown guard.
	PeakEquity decimal.Decimal
	Equity     decimal.Decimal
}

// Critical reports whether the verdict demands a close.
func (v Verdict) Critical() bool { return v.Severity == model.SeverityCritical }

// Alerting reports whether the verdict is at least a warning.
func (v Verdict) Alerting() bool { return v.Severity.Rank() > 0 }

// Guard is implemented by DrawdownGuard and MarketConditionGuard only.
type Guard interface {
	Evaluate(in Input) []Verdict
	guard()
}

// Evaluator runs a fixed set of guards and concatenates their verdicts.
type Evaluator struct {
	guards []Guard
}

// NewEvaluator composes guards.
func NewEvaluator(guards ...Guard) *Evaluator {
	return &Evaluator{guards: guards}
}

// Evaluate returns all verdicts, account-scope first, then by symbol.
func (e *Evaluator) Evaluate(in Input) []Verdict {
	var out []Verdict
	for _, g := range e.guards {
		out = append(out, g.Evaluate(in)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope == ScopeAccount
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

var hundred = decimal.NewFromInt(100)
