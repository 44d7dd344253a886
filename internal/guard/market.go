package guard

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/model"
)

// MarketConfig holds gap and spread thresholds, all in percent.
type MarketConfig struct {
	GapWarningPct     decimal.Decimal
	GapCriticalPct    decimal.Decimal
	SpreadWarningPct  decimal.Decimal
	SpreadCriticalPct decimal.Decimal
}

// DefaultMarketConfig: gap 1%/3%, spread 0.5%/2%.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		GapWarningPct:     decimal.NewFromInt(1),
		GapCriticalPct:    decimal.NewFromInt(3),
		SpreadWarningPct:  decimal.RequireFromString("0.5"),
		SpreadCriticalPct: decimal.NewFromInt(2),
	}
}

// MarketConditionGuard flags abnormal gaps between consecutive quotes and
// wide bid/ask spreads on instruments the account holds.
type MarketConditionGuard struct {
	cfg MarketConfig
}

// NewMarketConditionGuard creates the guard.
func NewMarketConditionGuard(cfg MarketConfig) *MarketConditionGuard {
	return &MarketConditionGuard{cfg: cfg}
}

func (*MarketConditionGuard) guard() {}

// Evaluate returns one verdict per held symbol that has a quote and whose
// session is open. Symbols whose market is closed are skipped entirely:
// their quotes are stale or illiquid.
func (g *MarketConditionGuard) Evaluate(in Input) []Verdict {
	seen := make(map[string]bool)
	var symbols []string
	for _, p := range in.Positions {
		if p.Status == model.StatusClosed || seen[p.Instrument] {
			continue
		}
		seen[p.Instrument] = true
		symbols = append(symbols, p.Instrument)
	}
	sort.Strings(symbols)

	var out []Verdict
	for _, sym := range symbols {
		q, ok := in.Quotes[sym]
		if !ok {
			continue
		}
		if in.Calendar != nil && !in.Calendar.IsOpen(sym, in.Now) {
			continue
		}
		out = append(out, g.evaluateSymbol(sym, q, in.PrevQuotes))
	}
	return out
}

func (g *MarketConditionGuard) evaluateSymbol(sym string, q model.Quote, prev map[string]model.Quote) Verdict {
	best := Verdict{
		Reason:   model.ReasonMarketCondition,
		Scope:    ScopeSymbol,
		Symbol:   sym,
		Metric:   string(model.MetricSpread),
		Severity: model.SeverityNone,
	}

	mid := q.Mid()
	if mid.IsPositive() {
		spread := q.Ask.Sub(q.Bid).Div(mid).Mul(hundred)
		best.Value = spread.Round(4)
		best.Severity, best.Threshold = grade(spread, g.cfg.SpreadWarningPct, g.cfg.SpreadCriticalPct)
	}

	if p, ok := prev[sym]; ok {
		prevMid := p.Mid()
		if prevMid.IsPositive() {
			gap := mid.Sub(prevMid).Abs().Div(prevMid).Mul(hundred)
			sev, threshold := grade(gap, g.cfg.GapWarningPct, g.cfg.GapCriticalPct)
			if sev.Rank() >= best.Severity.Rank() && sev.Rank() > 0 {
				best.Metric = string(model.MetricGap)
				best.Value = gap.Round(4)
				best.Severity = sev
				best.Threshold = threshold
			}
		}
	}
	return best
}

func grade(v, warning, critical decimal.Decimal) (model.Severity, decimal.Decimal) {
	switch {
	case critical.IsPositive() && v.GreaterThanOrEqual(critical):
		return model.SeverityCritical, critical
	case warning.IsPositive() && v.GreaterThanOrEqual(warning):
		return model.SeverityWarning, warning
	}
	return model.SeverityNone, decimal.Zero
}
