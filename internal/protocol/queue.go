// Package protocol implements the poll/ack command channel to execution
// agents. Directives carry only what an agent needs to act; the Directive
// type has no field that could hold a hidden stop-loss or take-profit.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/model"
)

var (
	ErrUnknownDirective = errors.New("protocol: unknown directive")
)

// Kind is the directive type.
type Kind string

const (
	KindClose Kind = "close"
	KindEntry Kind = "entry"
)

// Directive is one queued instruction for a device.
type Directive struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	AccountID    string          `json:"account_id"`
	DeviceID     string          `json:"device_id"`
	PositionID   string          `json:"position_id,omitempty"`
	CloseID      string          `json:"close_id,omitempty"`
	EntryOrderID string          `json:"entry_order_id,omitempty"`
	Instrument   string          `json:"instrument,omitempty"`
	Direction    model.Direction `json:"direction,omitempty"`
	Volume       decimal.Decimal `json:"volume"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Expired reports whether the directive's TTL has lapsed at now.
func (d *Directive) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// Queue holds pending directives per device. Directives are only appended
// and removed, never edited. Safe for concurrent producers and consumers.
type Queue interface {
	Push(ctx context.Context, d Directive) error
	// Pending returns the device's unexpired directives, oldest first.
	Pending(ctx context.Context, deviceID string, now time.Time) ([]Directive, error)
	// Remove deletes and returns a directive. ErrUnknownDirective if absent.
	Remove(ctx context.Context, deviceID, directiveID string) (Directive, error)
	// Expired removes and returns every directive whose TTL lapsed. Each
	// expired directive is returned to exactly one caller.
	Expired(ctx context.Context, now time.Time) ([]Directive, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	devices map[string]map[string]Directive
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{devices: make(map[string]map[string]Directive)}
}

func (q *MemoryQueue) Push(_ context.Context, d Directive) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.devices[d.DeviceID]
	if !ok {
		m = make(map[string]Directive)
		q.devices[d.DeviceID] = m
	}
	if _, dup := m[d.ID]; dup {
		return fmt.Errorf("protocol: directive %s already queued", d.ID)
	}
	m[d.ID] = d
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context, deviceID string, now time.Time) ([]Directive, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Directive
	for _, d := range q.devices[deviceID] {
		if !d.Expired(now) {
			out = append(out, d)
		}
	}
	sortDirectives(out)
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, deviceID, directiveID string) (Directive, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.devices[deviceID][directiveID]
	if !ok {
		return Directive{}, fmt.Errorf("%w: %s", ErrUnknownDirective, directiveID)
	}
	delete(q.devices[deviceID], directiveID)
	return d, nil
}

func (q *MemoryQueue) Expired(_ context.Context, now time.Time) ([]Directive, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Directive
	for _, m := range q.devices {
		for id, d := range m {
			if d.Expired(now) {
				out = append(out, d)
				delete(m, id)
			}
		}
	}
	sortDirectives(out)
	return out, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, m := range q.devices {
		n += len(m)
	}
	return n, nil
}

func sortDirectives(ds []Directive) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}
