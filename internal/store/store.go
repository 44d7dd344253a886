// Package store defines the persistence interface for the bridge ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/risk-bridge/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateTicket is returned when a broker ticket already has a
	// position that is not closed.
	ErrDuplicateTicket = errors.New("store: broker ticket already has an active position")

	// ErrDuplicateCloseID is returned when a close command with the same
	// close_id was already recorded.
	ErrDuplicateCloseID = errors.New("store: close id already recorded")

	// ErrCloseResolved is returned when updating a command that already
	// reached a terminal outcome.
	ErrCloseResolved = errors.New("store: close command already resolved")

	// ErrInvalidTransition is returned for a status change out of closed.
	ErrInvalidTransition = errors.New("store: invalid position status transition")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// No method updates a position's hidden levels: they are written once by
// InsertPosition.
type Store interface {
	// --- Positions ---

	// InsertPosition persists a new ledger row. Fails with
	// ErrDuplicateTicket if the ticket already has a non-closed row.
	InsertPosition(ctx context.Context, p *model.OpenPosition) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.OpenPosition, error)

	// ListActivePositions returns the account's open and closing positions.
	ListActivePositions(ctx context.Context, accountID string) ([]model.OpenPosition, error)

	// UpdatePositionStatus moves a position through open/closing/closed.
	// ClosedAt is set to at when the new status is closed.
	UpdatePositionStatus(ctx context.Context, id string, status model.PositionStatus, at time.Time) error

	// --- Registrations ---

	// PutRegistration records an approved ticket awaiting adoption.
	PutRegistration(ctx context.Context, r *model.Registration) error

	// TakeRegistration removes and returns the registration for a ticket.
	TakeRegistration(ctx context.Context, accountID, ticket string) (*model.Registration, error)

	// --- Append-only audit ---

	AppendReconciliationEvent(ctx context.Context, e *model.ReconciliationEvent) error
	ListReconciliationEvents(ctx context.Context, accountID string, limit int) ([]model.ReconciliationEvent, error)

	AppendDrawdownAlert(ctx context.Context, a *model.DrawdownAlert) error
	ListDrawdownAlerts(ctx context.Context, accountID string, limit int) ([]model.DrawdownAlert, error)

	AppendMarketAlert(ctx context.Context, a *model.MarketAlert) error
	ListMarketAlerts(ctx context.Context, accountID string, limit int) ([]model.MarketAlert, error)

	// --- Close commands ---

	// InsertCloseCommand records a new command. Fails with
	// ErrDuplicateCloseID if the close_id exists.
	InsertCloseCommand(ctx context.Context, c *model.CloseCommand) error

	// GetCloseCommand retrieves a command by close_id.
	GetCloseCommand(ctx context.Context, closeID string) (*model.CloseCommand, error)

	// UpdateCloseCommand overwrites a pending command (route, attempts,
	// outcome). A resolved command is immutable.
	UpdateCloseCommand(ctx context.Context, c *model.CloseCommand) error

	// LatestCloseCommand returns the most recent command for a position.
	LatestCloseCommand(ctx context.Context, positionID string) (*model.CloseCommand, error)

	// --- Account state ---

	GetAccountState(ctx context.Context, accountID string) (*model.AccountState, error)
	SaveAccountState(ctx context.Context, st *model.AccountState) error

	// --- Entry orders ---

	InsertEntryOrder(ctx context.Context, o *model.EntryOrder) error
	GetEntryOrder(ctx context.Context, id string) (*model.EntryOrder, error)
	UpdateEntryOrderStatus(ctx context.Context, id string, status model.EntryOrderStatus) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
