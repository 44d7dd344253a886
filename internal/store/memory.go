package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/risk-bridge/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu             sync.RWMutex
	positions      map[string]*model.OpenPosition
	registrations  map[string]*model.Registration
	reconciliation []model.ReconciliationEvent
	drawdown       []model.DrawdownAlert
	market         []model.MarketAlert
	closes         map[string]*model.CloseCommand
	closeOrder     []string
	states         map[string]*model.AccountState
	entries        map[string]*model.EntryOrder
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:     make(map[string]*model.OpenPosition),
		registrations: make(map[string]*model.Registration),
		closes:        make(map[string]*model.CloseCommand),
		states:        make(map[string]*model.AccountState),
		entries:       make(map[string]*model.EntryOrder),
	}
}

// --- Positions ---

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.OpenPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	for _, existing := range s.positions {
		if existing.AccountID == p.AccountID && existing.BrokerTicket == p.BrokerTicket &&
			existing.Status != model.StatusClosed {
			return fmt.Errorf("%w: ticket %s", ErrDuplicateTicket, p.BrokerTicket)
		}
	}
	s.positions[p.ID] = clonePosition(p)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context, accountID string) ([]model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OpenPosition
	for _, p := range s.positions {
		if p.AccountID == accountID && p.Status != model.StatusClosed {
			result = append(result, *clonePosition(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdatePositionStatus(_ context.Context, id string, status model.PositionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if p.Status == model.StatusClosed && status != model.StatusClosed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, status)
	}
	p.Status = status
	if status == model.StatusClosed && p.ClosedAt == nil {
		t := at
		p.ClosedAt = &t
	}
	return nil
}

// --- Registrations ---

func (s *MemoryStore) PutRegistration(_ context.Context, r *model.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *r
	s.registrations[regKey(r.AccountID, r.BrokerTicket)] = &c
	return nil
}

func (s *MemoryStore) TakeRegistration(_ context.Context, accountID, ticket string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := regKey(accountID, ticket)
	r, ok := s.registrations[key]
	if !ok {
		return nil, fmt.Errorf("registration %s: %w", ticket, ErrNotFound)
	}
	delete(s.registrations, key)
	return r, nil
}

// --- Append-only audit ---

func (s *MemoryStore) AppendReconciliationEvent(_ context.Context, e *model.ReconciliationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciliation = append(s.reconciliation, *e)
	return nil
}

func (s *MemoryStore) ListReconciliationEvents(_ context.Context, accountID string, limit int) ([]model.ReconciliationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recent(s.reconciliation, limit, func(e model.ReconciliationEvent) bool { return e.AccountID == accountID }), nil
}

func (s *MemoryStore) AppendDrawdownAlert(_ context.Context, a *model.DrawdownAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drawdown = append(s.drawdown, *a)
	return nil
}

func (s *MemoryStore) ListDrawdownAlerts(_ context.Context, accountID string, limit int) ([]model.DrawdownAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recent(s.drawdown, limit, func(a model.DrawdownAlert) bool { return a.AccountID == accountID }), nil
}

func (s *MemoryStore) AppendMarketAlert(_ context.Context, a *model.MarketAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.market = append(s.market, *a)
	return nil
}

func (s *MemoryStore) ListMarketAlerts(_ context.Context, accountID string, limit int) ([]model.MarketAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recent(s.market, limit, func(a model.MarketAlert) bool { return a.AccountID == accountID }), nil
}

// recent returns up to limit matching rows, newest first. limit <= 0 means
// no limit.
func recent[T any](rows []T, limit int, match func(T) bool) []T {
	var out []T
	for i := len(rows) - 1; i >= 0; i-- {
		if !match(rows[i]) {
			continue
		}
		out = append(out, rows[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// --- Close commands ---

func (s *MemoryStore) InsertCloseCommand(_ context.Context, c *model.CloseCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.closes[c.CloseID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCloseID, c.CloseID)
	}
	s.closes[c.CloseID] = cloneCommand(c)
	s.closeOrder = append(s.closeOrder, c.CloseID)
	return nil
}

func (s *MemoryStore) GetCloseCommand(_ context.Context, closeID string) (*model.CloseCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.closes[closeID]
	if !ok {
		return nil, fmt.Errorf("close command %s: %w", closeID, ErrNotFound)
	}
	return cloneCommand(c), nil
}

func (s *MemoryStore) UpdateCloseCommand(_ context.Context, c *model.CloseCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.closes[c.CloseID]
	if !ok {
		return fmt.Errorf("close command %s: %w", c.CloseID, ErrNotFound)
	}
	if existing.Resolved() {
		return fmt.Errorf("%w: %s", ErrCloseResolved, c.CloseID)
	}
	s.closes[c.CloseID] = cloneCommand(c)
	return nil
}

func (s *MemoryStore) LatestCloseCommand(_ context.Context, positionID string) (*model.CloseCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.closeOrder) - 1; i >= 0; i-- {
		c := s.closes[s.closeOrder[i]]
		if c.PositionID == positionID {
			return cloneCommand(c), nil
		}
	}
	return nil, fmt.Errorf("close command for position %s: %w", positionID, ErrNotFound)
}

// --- Account state ---

func (s *MemoryStore) GetAccountState(_ context.Context, accountID string) (*model.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[accountID]
	if !ok {
		return nil, fmt.Errorf("account state %s: %w", accountID, ErrNotFound)
	}
	return cloneState(st), nil
}

func (s *MemoryStore) SaveAccountState(_ context.Context, st *model.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.AccountID] = cloneState(st)
	return nil
}

// --- Entry orders ---

func (s *MemoryStore) InsertEntryOrder(_ context.Context, o *model.EntryOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[o.ID]; ok {
		return fmt.Errorf("entry order %s already exists", o.ID)
	}
	c := *o
	s.entries[o.ID] = &c
	return nil
}

func (s *MemoryStore) GetEntryOrder(_ context.Context, id string) (*model.EntryOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry order %s: %w", id, ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (s *MemoryStore) UpdateEntryOrderStatus(_ context.Context, id string, status model.EntryOrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("entry order %s: %w", id, ErrNotFound)
	}
	o.Status = status
	return nil
}

// --- Copy helpers; stored values never alias caller memory ---

func regKey(accountID, ticket string) string { return accountID + "/" + ticket }

func clonePosition(p *model.OpenPosition) *model.OpenPosition {
	c := *p
	if p.HiddenStopLoss != nil {
		v := *p.HiddenStopLoss
		c.HiddenStopLoss = &v
	}
	if p.HiddenTakeProfit != nil {
		v := *p.HiddenTakeProfit
		c.HiddenTakeProfit = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		c.ClosedAt = &v
	}
	return &c
}

func cloneCommand(cmd *model.CloseCommand) *model.CloseCommand {
	c := *cmd
	if cmd.RealizedPnL != nil {
		v := *cmd.RealizedPnL
		c.RealizedPnL = &v
	}
	if cmd.ClosePrice != nil {
		v := *cmd.ClosePrice
		c.ClosePrice = &v
	}
	if cmd.ResolvedAt != nil {
		v := *cmd.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}

func cloneState(st *model.AccountState) *model.AccountState {
	c := *st
	c.MarketSeverity = make(map[string]model.Severity, len(st.MarketSeverity))
	for k, v := range st.MarketSeverity {
		c.MarketSeverity[k] = v
	}
	c.LastQuotes = make(map[string]model.Quote, len(st.LastQuotes))
	for k, v := range st.LastQuotes {
		c.LastQuotes[k] = v
	}
	return &c
}
