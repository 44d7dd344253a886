// Package reconcile keeps the internal ledger consistent with the positions
// the broker reports and records every comparison as an audit event.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/ids"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/store"
)

// Broker is the read side of a broker session.
type Broker interface {
	Account(ctx context.Context) (model.AccountSnapshot, error)
	Positions(ctx context.Context) ([]model.BrokerPosition, error)
	Quotes(ctx context.Context, symbols []string) (map[string]model.Quote, error)
}

// CloseConfirmer settles the close command of a position the broker no
// longer reports.
type CloseConfirmer interface {
	ConfirmClosed(ctx context.Context, pos *model.OpenPosition) error
}

// Tolerance bounds a matched comparison.
type Tolerance struct {
	// VolumePct is the allowed relative volume difference in percent.
	VolumePct decimal.Decimal
	// Price is the allowed absolute entry price difference.
	Price decimal.Decimal
}

// DefaultTolerance is ±5% volume and ±2 price units.
func DefaultTolerance() Tolerance {
	return Tolerance{VolumePct: decimal.NewFromInt(5), Price: decimal.NewFromInt(2)}
}

// Snapshot is the consistent view of one account produced by a sync. Guards
// and the hidden-level monitor evaluate this and nothing else.
type Snapshot struct {
	AccountID       string
	Account         model.AccountSnapshot
	BrokerPositions []model.BrokerPosition
	// Ledger is the set of active positions after the sync applied its
	// corrections.
	Ledger []model.OpenPosition
	Quotes map[string]model.Quote
	// State is the persisted account state after the peak update. Its
	// LastQuotes still hold the previous tick's quotes.
	State    *model.AccountState
	Events   []model.ReconciliationEvent
	SyncedAt time.Time
	// Stale is set when the sync failed and this is the last good snapshot.
	Stale bool
}

// Divergences counts events that were not a clean match.
func (s *Snapshot) Divergences() int {
	n := 0
	for _, e := range s.Events {
		switch e.Classification {
		case model.ClassSlippage, model.ClassPartialFill, model.ClassBrokerClosedUnexpectedly:
			n++
		}
	}
	return n
}

// Service runs syncs. It is safe for concurrent use across accounts.
type Service struct {
	store store.Store
	tol   Tolerance
	now   func() time.Time

	confirmer CloseConfirmer

	mu       sync.Mutex
	lastGood map[string]*Snapshot
	// accounts serializes read-modify-write of each account's state.
	accounts sync.Map
}

// NewService creates a reconciliation service. now may be nil.
func NewService(st store.Store, tol Tolerance, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: st, tol: tol, now: now, lastGood: make(map[string]*Snapshot)}
}

// SetConfirmer attaches the close path. Without one, a confirmed close only
// updates the ledger row.
func (s *Service) SetConfirmer(c CloseConfirmer) { s.confirmer = c }

func (s *Service) lockAccount(accountID string) func() {
	v, _ := s.accounts.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Tolerance returns the configured bounds.
func (s *Service) Tolerance() Tolerance { return s.tol }

// Sync fetches broker state, diffs it against the ledger and records one
// event per compared position. If the broker cannot be read the ledger is
// left untouched and the last good snapshot is returned, marked Stale,
// together with the error.
func (s *Service) Sync(ctx context.Context, accountID string, b Broker) (*Snapshot, error) {
	account, brokerPositions, quotes, ledger, err := s.fetch(ctx, accountID, b)
	if err != nil {
		return s.fallback(accountID), err
	}

	now := s.now()
	events, err := s.diff(ctx, accountID, now, brokerPositions, ledger)
	if err != nil {
		return s.fallback(accountID), err
	}

	state, err := s.UpdateState(ctx, accountID, func(state *model.AccountState) {
		if account.Equity.GreaterThan(state.PeakEquity) {
			state.PeakEquity = account.Equity
		}
		state.LastEquity = account.Equity
		state.LastSyncAt = now
		state.UpdatedAt = now
	})
	if err != nil {
		return s.fallback(accountID), err
	}

	active, err := s.store.ListActivePositions(ctx, accountID)
	if err != nil {
		return s.fallback(accountID), fmt.Errorf("list ledger: %w", err)
	}

	snap := &Snapshot{
		AccountID:       accountID,
		Account:         account,
		BrokerPositions: brokerPositions,
		Ledger:          active,
		Quotes:          quotes,
		State:           state,
		Events:          events,
		SyncedAt:        now,
	}
	s.mu.Lock()
	s.lastGood[accountID] = snap
	s.mu.Unlock()
	return snap, nil
}

func (s *Service) fetch(ctx context.Context, accountID string, b Broker) (
	model.AccountSnapshot, []model.BrokerPosition, map[string]model.Quote, []model.OpenPosition, error,
) {
	account, err := b.Account(ctx)
	if err != nil {
		return model.AccountSnapshot{}, nil, nil, nil, fmt.Errorf("fetch account: %w", err)
	}
	positions, err := b.Positions(ctx)
	if err != nil {
		return model.AccountSnapshot{}, nil, nil, nil, fmt.Errorf("fetch positions: %w", err)
	}
	ledger, err := s.store.ListActivePositions(ctx, accountID)
	if err != nil {
		return model.AccountSnapshot{}, nil, nil, nil, fmt.Errorf("list ledger: %w", err)
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	for _, p := range ledger {
		if !seen[p.Instrument] {
			seen[p.Instrument] = true
			symbols = append(symbols, p.Instrument)
		}
	}
	sort.Strings(symbols)

	quotes := map[string]model.Quote{}
	if len(symbols) > 0 {
		quotes, err = b.Quotes(ctx, symbols)
		if err != nil {
			return model.AccountSnapshot{}, nil, nil, nil, fmt.Errorf("fetch quotes: %w", err)
		}
	}
	return account, positions, quotes, ledger, nil
}

func (s *Service) fallback(accountID string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastGood[accountID]
	if !ok {
		return nil
	}
	c := *last
	c.Stale = true
	c.Events = nil
	return &c
}

// diff applies the ledger corrections and writes the audit events.
func (s *Service) diff(ctx context.Context, accountID string, now time.Time,
	brokerPositions []model.BrokerPosition, ledger []model.OpenPosition,
) ([]model.ReconciliationEvent, error) {
	byTicket := make(map[string]model.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		byTicket[bp.Ticket] = bp
	}

	var events []model.ReconciliationEvent
	record := func(e model.ReconciliationEvent) error {
		e.ID = ids.Sortable(now)
		e.AccountID = accountID
		e.Timestamp = now
		e.VolumeTolerancePct = s.tol.VolumePct
		e.PriceTolerance = s.tol.Price
		if err := s.store.AppendReconciliationEvent(ctx, &e); err != nil {
			return fmt.Errorf("append reconciliation event: %w", err)
		}
		events = append(events, e)
		return nil
	}

	matchedTickets := make(map[string]bool, len(ledger))
	for _, lp := range ledger {
		e := model.ReconciliationEvent{
			PositionID:   lp.ID,
			BrokerTicket: lp.BrokerTicket,
			Instrument:   lp.Instrument,
			LedgerVolume: lp.Volume,
			LedgerEntry:  lp.EntryPrice,
		}
		bp, ok := byTicket[lp.BrokerTicket]
		if ok {
			matchedTickets[lp.BrokerTicket] = true
			e.BrokerVolume = bp.Volume
			e.BrokerEntry = bp.EntryPrice
			e.Classification = s.Classify(bp.Volume, lp.Volume, bp.EntryPrice, lp.EntryPrice)
			if e.Classification == model.ClassSlippage {
				slog.Warn("reconciliation divergence",
					"account", accountID,
					"position", lp.ID,
					"ticket", lp.BrokerTicket,
					"broker_volume", bp.Volume.String(),
					"ledger_volume", lp.Volume.String(),
				)
			}
		} else {
			if lp.Status == model.StatusClosing {
				e.Classification = model.ClassCloseConfirmed
			} else {
				e.Classification = model.ClassBrokerClosedUnexpectedly
				slog.Warn("position closed at broker without a close command, force-closing ledger row",
					"account", accountID, "position", lp.ID, "ticket", lp.BrokerTicket)
			}
			if s.confirmer != nil {
				if err := s.confirmer.ConfirmClosed(ctx, &lp); err != nil {
					return events, fmt.Errorf("confirm close %s: %w", lp.ID, err)
				}
			}
			if err := s.store.UpdatePositionStatus(ctx, lp.ID, model.StatusClosed, now); err != nil {
				return events, fmt.Errorf("close ledger row %s: %w", lp.ID, err)
			}
		}
		if err := record(e); err != nil {
			return events, err
		}
	}

	for _, bp := range brokerPositions {
		if matchedTickets[bp.Ticket] {
			continue
		}
		e, err := s.adoptOrOrphan(ctx, accountID, now, bp)
		if err != nil {
			return events, err
		}
		if err := record(e); err != nil {
			return events, err
		}
	}
	return events, nil
}

// adoptOrOrphan turns a registered ticket into a ledger row. A ticket with
// no registration is reported for manual review and never adopted.
func (s *Service) adoptOrOrphan(ctx context.Context, accountID string, now time.Time, bp model.BrokerPosition) (model.ReconciliationEvent, error) {
	e := model.ReconciliationEvent{
		BrokerTicket: bp.Ticket,
		Instrument:   bp.Symbol,
		BrokerVolume: bp.Volume,
		BrokerEntry:  bp.EntryPrice,
	}

	reg, err := s.store.TakeRegistration(ctx, accountID, bp.Ticket)
	if errors.Is(err, store.ErrNotFound) {
		e.Classification = model.ClassPartialFill
		slog.Warn("orphan broker position, manual review required",
			"account", accountID, "ticket", bp.Ticket, "symbol", bp.Symbol)
		return e, nil
	}
	if err != nil {
		return e, fmt.Errorf("take registration %s: %w", bp.Ticket, err)
	}

	openedAt := bp.OpenedAt
	if openedAt.IsZero() {
		openedAt = now
	}
	p := &model.OpenPosition{
		ID:               ids.New(),
		AccountID:        accountID,
		DeviceID:         reg.DeviceID,
		BrokerTicket:     bp.Ticket,
		Instrument:       reg.Instrument,
		Direction:        reg.Direction,
		Volume:           reg.Volume,
		EntryPrice:       reg.EntryPrice,
		HiddenStopLoss:   reg.HiddenStopLoss,
		HiddenTakeProfit: reg.HiddenTakeProfit,
		OpenedAt:         openedAt,
		Status:           model.StatusOpen,
	}
	if err := s.store.InsertPosition(ctx, p); err != nil {
		// Put it back so the next tick retries the adoption.
		_ = s.store.PutRegistration(ctx, reg)
		return e, fmt.Errorf("adopt ticket %s: %w", bp.Ticket, err)
	}
	slog.Info("registered ticket adopted into ledger",
		"account", accountID, "position", p.ID, "ticket", bp.Ticket, "instrument", p.Instrument)

	e.PositionID = p.ID
	e.Instrument = p.Instrument
	e.LedgerVolume = p.Volume
	e.LedgerEntry = p.EntryPrice
	e.Classification = model.ClassAdopted
	return e, nil
}

var hundred = decimal.NewFromInt(100)

// Classify compares broker and ledger values under the tolerance.
func (s *Service) Classify(brokerVolume, ledgerVolume, brokerEntry, ledgerEntry decimal.Decimal) model.Classification {
	volumeOK := false
	if ledgerVolume.IsZero() {
		volumeOK = brokerVolume.IsZero()
	} else {
		diffPct := brokerVolume.Sub(ledgerVolume).Abs().Div(ledgerVolume.Abs()).Mul(hundred)
		volumeOK = diffPct.LessThanOrEqual(s.tol.VolumePct)
	}
	priceOK := brokerEntry.Sub(ledgerEntry).Abs().LessThanOrEqual(s.tol.Price)
	if volumeOK && priceOK {
		return model.ClassMatched
	}
	return model.ClassSlippage
}

// ResetPeak rebases peak equity, e.g. after a deposit or withdrawal, and
// clears the drawdown latch.
func (s *Service) ResetPeak(ctx context.Context, accountID string, equity decimal.Decimal) (*model.AccountState, error) {
	state, err := s.UpdateState(ctx, accountID, func(state *model.AccountState) {
		state.PeakEquity = equity
		state.DrawdownSeverity = model.SeverityNone
		state.UpdatedAt = s.now()
	})
	if err != nil {
		return nil, err
	}
	slog.Info("peak equity reset", "account", accountID, "peak", equity.String())
	return state, nil
}

// UpdateState loads the account state, applies fn and saves the result while
// holding the account's lock. Every writer of account state in this process
// goes through here so that no write is lost to a stale read.
func (s *Service) UpdateState(ctx context.Context, accountID string, fn func(*model.AccountState)) (*model.AccountState, error) {
	unlock := s.lockAccount(accountID)
	defer unlock()

	state, err := s.store.GetAccountState(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		state = model.NewAccountState(accountID)
	} else if err != nil {
		return nil, fmt.Errorf("load account state: %w", err)
	}
	if state.MarketSeverity == nil {
		state.MarketSeverity = make(map[string]model.Severity)
	}
	if state.LastQuotes == nil {
		state.LastQuotes = make(map[string]model.Quote)
	}
	fn(state)
	if err := s.store.SaveAccountState(ctx, state); err != nil {
		return nil, fmt.Errorf("save account state: %w", err)
	}
	return state, nil
}
