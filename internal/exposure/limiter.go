// Package exposure implements admission limits for new positions that
// account for correlation between instruments sharing a currency leg.
//
// Buying EURUSD and selling USDCHF both load the USD leg. A producer that
// registers many such positions carries correlated risk even when each
// instrument is individually within its limit.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/symbol"
)

var (
	// ErrPerInstrumentLimitExceeded is returned when a registration would
	// push one instrument's net volume beyond the per-instrument maximum.
	ErrPerInstrumentLimitExceeded = errors.New("exposure: per-instrument volume limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a registration would push
	// the aggregate volume across instruments sharing a leg beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("exposure: correlated exposure limit exceeded")
)

// Limiter enforces volume limits with leg-correlation awareness. A zero
// limit disables that check.
type Limiter struct {
	// MaxPerInstrument is the maximum absolute net volume in one instrument.
	MaxPerInstrument decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute volume across all
	// instruments sharing any leg with the target instrument.
	MaxCorrelated decimal.Decimal
}

// NewLimiter creates a limiter with the given per-instrument and correlated
// volume limits.
func NewLimiter(maxPerInstrument, maxCorrelated decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerInstrument: maxPerInstrument,
		MaxCorrelated:    maxCorrelated,
	}
}

// NetVolumes sums signed volume per instrument for the active positions.
func NetVolumes(positions []model.OpenPosition) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		if p.Status == model.StatusClosed {
			continue
		}
		out[p.Instrument] = out[p.Instrument].Add(p.Volume.Mul(p.Direction.Sign()))
	}
	return out
}

// CheckLimit validates whether adding volumeDelta (signed: +long / -short)
// to target respects the limits, given the existing net volume per
// instrument. Returns nil when within limits.
func (l *Limiter) CheckLimit(
	target *symbol.Instrument,
	volumeDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	// 1. Per-instrument limit.
	newPosition := existing[target.Symbol].Add(volumeDelta)
	if l.MaxPerInstrument.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerInstrument) {
		return ErrPerInstrumentLimitExceeded
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	// 2. Correlated exposure: per leg, sum |volume| across instruments that
	// share it.
	for _, leg := range target.Legs() {
		total := newPosition.Abs()
		for sym, vol := range existing {
			if sym == target.Symbol {
				continue // already counted via newPosition above
			}
			if sharesLeg(sym, leg) {
				total = total.Add(vol.Abs())
			}
		}
		if total.GreaterThan(l.MaxCorrelated) {
			return ErrCorrelatedLimitExceeded
		}
	}
	return nil
}

func sharesLeg(sym, leg string) bool {
	inst, err := symbol.Parse(sym)
	if err != nil {
		return false
	}
	for _, l := range inst.Legs() {
		if l == leg {
			return true
		}
	}
	return false
}
