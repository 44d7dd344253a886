// Package brokertest provides an in-memory broker.Gateway for tests.
package brokertest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/broker"
	"github.com/atmx/risk-bridge/internal/model"
)

// Op names a gateway operation for scripted failures.
type Op string

const (
	OpLogin     Op = "login"
	OpLogout    Op = "logout"
	OpAccount   Op = "account"
	OpPositions Op = "positions"
	OpQuotes    Op = "quotes"
	OpClose     Op = "close"
)

// Gateway is a scriptable fake. Errors queued with Fail are returned in
// order, one per call of that operation, before normal behavior resumes.
type Gateway struct {
	mu        sync.Mutex
	account   model.AccountSnapshot
	positions map[string]model.BrokerPosition
	order     []string
	quotes    map[string]model.Quote
	failures  map[Op][]error
	calls     map[Op]int
	loggedIn  bool
	// Hook, if set, runs at the start of every call while the lock is not held.
	Hook func(ctx context.Context, op Op) error
}

// New returns a fake with zero balances.
func New(accountID string) *Gateway {
	return &Gateway{
		account:   model.AccountSnapshot{AccountID: accountID},
		positions: make(map[string]model.BrokerPosition),
		quotes:    make(map[string]model.Quote),
		failures:  make(map[Op][]error),
		calls:     make(map[Op]int),
	}
}

// SetEquity sets balance and equity.
func (g *Gateway) SetEquity(balance, equity decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account.Balance = balance
	g.account.Equity = equity
}

// AddPosition opens a broker-side position.
func (g *Gateway) AddPosition(p model.BrokerPosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.positions[p.Ticket]; !ok {
		g.order = append(g.order, p.Ticket)
	}
	g.positions[p.Ticket] = p
}

// RemovePosition drops a position as if the broker closed it on its own.
func (g *Gateway) RemovePosition(ticket string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, ticket)
}

// HasPosition reports whether the ticket is open at the fake broker.
func (g *Gateway) HasPosition(ticket string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.positions[ticket]
	return ok
}

// SetQuote sets the current quote for q.Symbol.
func (g *Gateway) SetQuote(q model.Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[q.Symbol] = q
}

// Fail queues errors for op.
func (g *Gateway) Fail(op Op, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (g *Gateway) Calls(op Op) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// LoggedIn reports whether a session is open.
func (g *Gateway) LoggedIn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loggedIn
}

func (g *Gateway) begin(ctx context.Context, op Op) error {
	if g.Hook != nil {
		if err := g.Hook(ctx, op); err != nil {
			g.mu.Lock()
			g.calls[op]++
			g.mu.Unlock()
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if q := g.failures[op]; len(q) > 0 {
		g.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (g *Gateway) Login(ctx context.Context, _ broker.Credentials) error {
	if err := g.begin(ctx, OpLogin); err != nil {
		return err
	}
	g.mu.Lock()
	g.loggedIn = true
	g.mu.Unlock()
	return nil
}

func (g *Gateway) Logout(ctx context.Context) error {
	if err := g.begin(ctx, OpLogout); err != nil {
		return err
	}
	g.mu.Lock()
	g.loggedIn = false
	g.mu.Unlock()
	return nil
}

func (g *Gateway) Account(ctx context.Context) (model.AccountSnapshot, error) {
	if err := g.begin(ctx, OpAccount); err != nil {
		return model.AccountSnapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := g.account
	snap.Timestamp = time.Now().UTC()
	return snap, nil
}

func (g *Gateway) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	if err := g.begin(ctx, OpPositions); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.BrokerPosition, 0, len(g.positions))
	for _, t := range g.order {
		if p, ok := g.positions[t]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (g *Gateway) Quotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	if err := g.begin(ctx, OpQuotes); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]model.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := g.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

// ClosePosition closes the full volume at the current exit price.
func (g *Gateway) ClosePosition(ctx context.Context, ticket string) (broker.CloseFill, error) {
	if err := g.begin(ctx, OpClose); err != nil {
		return broker.CloseFill{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[ticket]
	if !ok {
		return broker.CloseFill{}, &broker.RejectedError{Code: "not_found", Message: "unknown ticket " + ticket}
	}
	delete(g.positions, ticket)

	price := p.EntryPrice
	if q, ok := g.quotes[p.Symbol]; ok {
		price = q.ExitPrice(p.Direction)
	}
	pnl := price.Sub(p.EntryPrice).Mul(p.Volume).Mul(p.Direction.Sign())
	return broker.CloseFill{
		Ticket:          ticket,
		ClosedVolume:    p.Volume,
		RemainingVolume: decimal.Zero,
		ClosePrice:      price,
		RealizedPnL:     pnl,
		ClosedAt:        time.Now().UTC(),
	}, nil
}

var _ broker.Gateway = (*Gateway)(nil)
