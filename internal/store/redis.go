package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-bridge/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only values read on every tick are cached: the active position set, the
// account state, and resolved close commands (immutable once resolved).
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.OpenPosition) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, activeKey(p.AccountID))
	return nil
}

func (s *CachedStore) UpdatePositionStatus(ctx context.Context, id string, status model.PositionStatus, at time.Time) error {
	if err := s.primary.UpdatePositionStatus(ctx, id, status, at); err != nil {
		return err
	}
	if p, err := s.primary.GetPosition(ctx, id); err == nil {
		s.rdb.Del(ctx, activeKey(p.AccountID))
	}
	return nil
}

func (s *CachedStore) SaveAccountState(ctx context.Context, st *model.AccountState) error {
	if err := s.primary.SaveAccountState(ctx, st); err != nil {
		return err
	}
	s.cache(ctx, stateKey(st.AccountID), st)
	return nil
}

func (s *CachedStore) UpdateCloseCommand(ctx context.Context, c *model.CloseCommand) error {
	if err := s.primary.UpdateCloseCommand(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, closeKey(c.CloseID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListActivePositions(ctx context.Context, accountID string) ([]model.OpenPosition, error) {
	var positions []model.OpenPosition
	if s.load(ctx, activeKey(accountID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListActivePositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, activeKey(accountID), positions)
	return positions, nil
}

func (s *CachedStore) GetAccountState(ctx context.Context, accountID string) (*model.AccountState, error) {
	st := model.NewAccountState(accountID)
	if s.load(ctx, stateKey(accountID), st) {
		return st, nil
	}

	st, err := s.primary.GetAccountState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, stateKey(accountID), st)
	return st, nil
}

func (s *CachedStore) GetCloseCommand(ctx context.Context, closeID string) (*model.CloseCommand, error) {
	var c model.CloseCommand
	if s.load(ctx, closeKey(closeID), &c) {
		return &c, nil
	}

	cmd, err := s.primary.GetCloseCommand(ctx, closeID)
	if err != nil {
		return nil, err
	}
	if cmd.Resolved() {
		s.cache(ctx, closeKey(closeID), cmd)
	}
	return cmd, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.OpenPosition, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) PutRegistration(ctx context.Context, r *model.Registration) error {
	return s.primary.PutRegistration(ctx, r)
}

func (s *CachedStore) TakeRegistration(ctx context.Context, accountID, ticket string) (*model.Registration, error) {
	return s.primary.TakeRegistration(ctx, accountID, ticket)
}

func (s *CachedStore) AppendReconciliationEvent(ctx context.Context, e *model.ReconciliationEvent) error {
	return s.primary.AppendReconciliationEvent(ctx, e)
}

func (s *CachedStore) ListReconciliationEvents(ctx context.Context, accountID string, limit int) ([]model.ReconciliationEvent, error) {
	return s.primary.ListReconciliationEvents(ctx, accountID, limit)
}

func (s *CachedStore) AppendDrawdownAlert(ctx context.Context, a *model.DrawdownAlert) error {
	return s.primary.AppendDrawdownAlert(ctx, a)
}

func (s *CachedStore) ListDrawdownAlerts(ctx context.Context, accountID string, limit int) ([]model.DrawdownAlert, error) {
	return s.primary.ListDrawdownAlerts(ctx, accountID, limit)
}

func (s *CachedStore) AppendMarketAlert(ctx context.Context, a *model.MarketAlert) error {
	return s.primary.AppendMarketAlert(ctx, a)
}

func (s *CachedStore) ListMarketAlerts(ctx context.Context, accountID string, limit int) ([]model.MarketAlert, error) {
	return s.primary.ListMarketAlerts(ctx, accountID, limit)
}

func (s *CachedStore) InsertCloseCommand(ctx context.Context, c *model.CloseCommand) error {
	return s.primary.InsertCloseCommand(ctx, c)
}

func (s *CachedStore) LatestCloseCommand(ctx context.Context, positionID string) (*model.CloseCommand, error) {
	return s.primary.LatestCloseCommand(ctx, positionID)
}

func (s *CachedStore) InsertEntryOrder(ctx context.Context, o *model.EntryOrder) error {
	return s.primary.InsertEntryOrder(ctx, o)
}

func (s *CachedStore) GetEntryOrder(ctx context.Context, id string) (*model.EntryOrder, error) {
	return s.primary.GetEntryOrder(ctx, id)
}

func (s *CachedStore) UpdateEntryOrderStatus(ctx context.Context, id string, status model.EntryOrderStatus) error {
	return s.primary.UpdateEntryOrderStatus(ctx, id, status)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func activeKey(accountID string) string { return fmt.Sprintf("bridge:active:%s", accountID) }
func stateKey(accountID string) string  { return fmt.Sprintf("bridge:state:%s", accountID) }
func closeKey(closeID string) string    { return fmt.Sprintf("bridge:close:%s", closeID) }
