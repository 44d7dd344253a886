package guard

import "github.com/atmx/risk-bridge/internal/model"

// Step folds one tick of observations into the severities latched in state
// and returns the verdicts that open or escalate an episode. A verdict that
// stays at or below its latched severity is suppressed, so one breach
// episode yields one alert per severity step and at most one close. The
// latch clears once the metric is observed below warning; slots with no
// observation this tick (market closed, no quote) keep their latch.
func Step(state *model.AccountState, observations []Verdict) []Verdict {
	if state.MarketSeverity == nil {
		state.MarketSeverity = make(map[string]model.Severity)
	}

	var edges []Verdict
	for _, v := range observations {
		latched := latchedSeverity(state, v)
		switch {
		case v.Severity.Rank() > latched.Rank():
			setLatch(state, v, v.Severity)
			edges = append(edges, v)
		case v.Severity == model.SeverityNone && latched != model.SeverityNone:
			setLatch(state, v, model.SeverityNone)
		}
	}
	return edges
}

func latchedSeverity(state *model.AccountState, v Verdict) model.Severity {
	if v.Scope == ScopeAccount {
		return state.DrawdownSeverity
	}
	return state.MarketSeverity[v.Symbol]
}

func setLatch(state *model.AccountState, v Verdict, s model.Severity) {
	if v.Scope == ScopeAccount {
		state.DrawdownSeverity = s
		return
	}
	if s == model.SeverityNone {
		delete(state.MarketSeverity, v.Symbol)
		return
	}
	state.MarketSeverity[v.Symbol] = s
}
