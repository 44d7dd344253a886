package guard

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/model"
)

// DrawdownConfig holds the drawdown thresholds in percent and the absolute
// equity floor.
type DrawdownConfig struct {
	WarningPct  decimal.Decimal
	CriticalPct decimal.Decimal
	MinEquity   decimal.Decimal
}

// DefaultDrawdownConfig warns at 15%, closes everything at 20%, and closes
// everything below 100 units of equity regardless of percentage.
func DefaultDrawdownConfig() DrawdownConfig {
	return DrawdownConfig{
		WarningPct:  decimal.NewFromInt(15),
		CriticalPct: decimal.NewFromInt(20),
		MinEquity:   decimal.NewFromInt(100),
	}
}

// DrawdownGuard compares current equity against the account's peak.
type DrawdownGuard struct {
	cfg DrawdownConfig
}

// NewDrawdownGuard creates the guard.
func NewDrawdownGuard(cfg DrawdownConfig) *DrawdownGuard {
	return &DrawdownGuard{cfg: cfg}
}

func (*DrawdownGuard) guard() {}

// Drawdown returns (peak - equity) / peak * 100, or zero when peak is not
// positive or equity is above it.
func Drawdown(peak, equity decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || equity.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(equity).Div(peak).Mul(hundred)
}

// Evaluate always returns exactly one account-scope verdict.
func (g *DrawdownGuard) Evaluate(in Input) []Verdict {
	equity := in.Account.Equity
	peak := in.PeakEquity
	if equity.GreaterThan(peak) {
		peak = equity
	}
	dd := Drawdown(peak, equity)

	v := Verdict{
		Reason:     model.ReasonDrawdown,
		Scope:      ScopeAccount,
		Metric:     "drawdown",
		Value:      dd.Round(4),
		PeakEquity: peak,
		Equity:     equity,
		Severity:   model.SeverityNone,
	}

	switch {
	case g.cfg.MinEquity.IsPositive() && equity.LessThan(g.cfg.MinEquity):
		// The floor catches near-zero peaks where the percentage says nothing.
		v.Metric = "min_equity"
		v.Value = equity
		v.Threshold = g.cfg.MinEquity
		v.Severity = model.SeverityCritical
	case dd.GreaterThanOrEqual(g.cfg.CriticalPct):
		v.Threshold = g.cfg.CriticalPct
		v.Severity = model.SeverityCritical
	case dd.GreaterThanOrEqual(g.cfg.WarningPct):
		v.Threshold = g.cfg.WarningPct
		v.Severity = model.SeverityWarning
	}
	return []Verdict{v}
}
