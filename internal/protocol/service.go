package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/closer"
	"github.com/atmx/risk-bridge/internal/ids"
	"github.com/atmx/risk-bridge/internal/metrics"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/store"
	"github.com/atmx/risk-bridge/internal/view"
)

var (
	ErrBadAck = errors.New("protocol: ack must name a directiveId or a positionId")
)

// AckRequest is the body of a device ack.
type AckRequest struct {
	DirectiveID  string           `json:"directiveId,omitempty"`
	PositionID   string           `json:"positionId,omitempty"`
	Success      bool             `json:"success"`
	BrokerTicket string           `json:"brokerTicket,omitempty"`
	FillPrice    *decimal.Decimal `json:"fillPrice,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Resolver applies close outcomes. Implemented by closer.Closer.
type Resolver interface {
	Resolve(ctx context.Context, closeID string, ack closer.Ack) (model.CloseResult, error)
}

// AckObserver is told when a remote close is acknowledged.
type AckObserver interface {
	Acknowledged(positionID string)
}

// Options configures directive lifetimes.
type Options struct {
	CloseTTL time.Duration
	EntryTTL time.Duration
	Now      func() time.Time
}

// Service drives the poll/ack channel.
type Service struct {
	queue    Queue
	st       store.Store
	resolver Resolver
	observer AckObserver
	opts     Options
}

// NewService creates the channel. resolver may be nil until SetResolver is
// called; close acks fail until then.
func NewService(q Queue, st store.Store, opts Options) *Service {
	if opts.CloseTTL <= 0 {
		opts.CloseTTL = 30 * time.Second
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{queue: q, st: st, opts: opts}
}

// SetResolver wires the closer, which itself needs the Service as its
// dispatcher.
func (s *Service) SetResolver(r Resolver) { s.resolver = r }

// SetObserver registers the hidden-level monitor for ack notifications.
func (s *Service) SetObserver(o AckObserver) { s.observer = o }

// Queue exposes the underlying queue.
func (s *Service) Queue() Queue { return s.queue }

// EnqueueClose queues a redacted close for the position's device.
func (s *Service) EnqueueClose(ctx context.Context, pos *model.OpenPosition, closeID string) error {
	now := s.opts.Now().UTC()
	d := Directive{
		ID:         ids.New(),
		Kind:       KindClose,
		AccountID:  pos.AccountID,
		DeviceID:   pos.DeviceID,
		PositionID: pos.ID,
		CloseID:    closeID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.opts.CloseTTL),
	}
	if err := s.queue.Push(ctx, d); err != nil {
		return err
	}
	metrics.PendingDirectives.Inc()
	slog.Info("close directive queued", "account", d.AccountID, "device", d.DeviceID, "position", d.PositionID, "directive", d.ID)
	return nil
}

// WithdrawClose drops a queued close directive whose close no longer needs
// the agent. A directive already claimed by an ack or the sweep is left to
// that path.
func (s *Service) WithdrawClose(ctx context.Context, pos *model.OpenPosition, closeID string) error {
	pending, err := s.queue.Pending(ctx, pos.DeviceID, time.Time{})
	if err != nil {
		return err
	}
	for _, d := range pending {
		if d.Kind != KindClose || d.CloseID != closeID {
			continue
		}
		if _, err := s.queue.Remove(ctx, pos.DeviceID, d.ID); err != nil {
			if errors.Is(err, ErrUnknownDirective) {
				return nil
			}
			return err
		}
		metrics.PendingDirectives.Dec()
		slog.Info("close directive withdrawn", "account", d.AccountID, "device", d.DeviceID, "position", d.PositionID, "directive", d.ID)
		if s.observer != nil {
			s.observer.Acknowledged(d.PositionID)
		}
		return nil
	}
	return nil
}

// EnqueueEntry queues an approved entry. The entry order keeps the hidden
// levels server-side; the directive copies only the execution fields.
func (s *Service) EnqueueEntry(ctx context.Context, o *model.EntryOrder) (Directive, error) {
	d := Directive{
		ID:           ids.New(),
		Kind:         KindEntry,
		AccountID:    o.AccountID,
		DeviceID:     o.DeviceID,
		EntryOrderID: o.ID,
		Instrument:   o.Instrument,
		Direction:    o.Direction,
		Volume:       o.Volume,
		EntryPrice:   o.EntryPrice,
		CreatedAt:    o.CreatedAt,
		ExpiresAt:    o.ExpiresAt,
	}
	if err := s.queue.Push(ctx, d); err != nil {
		return Directive{}, err
	}
	metrics.PendingDirectives.Inc()
	return d, nil
}

// EntryTTL is the default lifetime of an entry directive.
func (s *Service) EntryTTL() time.Duration { return s.opts.EntryTTL }

// Poll returns the device's pending directives as EA views.
func (s *Service) Poll(ctx context.Context, dev Device) (view.Poll, error) {
	pending, err := s.queue.Pending(ctx, dev.ID, s.opts.Now())
	if err != nil {
		return view.Poll{}, err
	}
	out := view.Poll{Closes: []view.CloseDirective{}, Entries: []view.EntryDirective{}}
	for _, d := range pending {
		switch d.Kind {
		case KindClose:
			out.Closes = append(out.Closes, view.NewCloseDirective(d.PositionID))
		case KindEntry:
			out.Entries = append(out.Entries, view.NewEntryDirective(d.ID, d.Instrument, d.Direction, d.Volume, d.EntryPrice, d.ExpiresAt))
		}
	}
	return out, nil
}

// Ack applies a device's report. Close acks are keyed by positionId,
// entry acks by directiveId.
func (s *Service) Ack(ctx context.Context, dev Device, req AckRequest) error {
	switch {
	case req.PositionID != "":
		return s.ackClose(ctx, dev, req)
	case req.DirectiveID != "":
		return s.ackEntry(ctx, dev, req)
	}
	return ErrBadAck
}

func (s *Service) ackClose(ctx context.Context, dev Device, req AckRequest) error {
	pending, err := s.queue.Pending(ctx, dev.ID, time.Time{})
	if err != nil {
		return err
	}
	var d *Directive
	for i := range pending {
		if pending[i].Kind == KindClose && pending[i].PositionID == req.PositionID {
			d = &pending[i]
			break
		}
	}
	if d == nil {
		return fmt.Errorf("%w: close for position %s", ErrUnknownDirective, req.PositionID)
	}
	if _, err := s.queue.Remove(ctx, dev.ID, d.ID); err != nil {
		// Already claimed by the TTL sweep, which closes directly.
		return err
	}
	metrics.PendingDirectives.Dec()

	if s.resolver == nil {
		return errors.New("protocol: no close resolver")
	}
	res, err := s.resolver.Resolve(ctx, d.CloseID, closer.Ack{Success: req.Success, ClosePrice: req.FillPrice, Detail: req.Error})
	if err != nil {
		return fmt.Errorf("resolve close: %w", err)
	}
	slog.Info("close directive acknowledged",
		"account", d.AccountID, "device", dev.ID, "position", d.PositionID, "success", req.Success, "outcome", res.Outcome)
	if s.observer != nil && res.Outcome == model.OutcomeSucceeded {
		s.observer.Acknowledged(d.PositionID)
	}
	return nil
}

func (s *Service) ackEntry(ctx context.Context, dev Device, req AckRequest) error {
	d, err := s.queue.Remove(ctx, dev.ID, req.DirectiveID)
	if err != nil {
		return err
	}
	metrics.PendingDirectives.Dec()
	if d.Kind != KindEntry {
		return fmt.Errorf("%w: %s is not an entry", ErrUnknownDirective, d.ID)
	}

	order, err := s.st.GetEntryOrder(ctx, d.EntryOrderID)
	if err != nil {
		return fmt.Errorf("load entry order: %w", err)
	}
	if !req.Success || req.BrokerTicket == "" {
		slog.Warn("entry rejected by agent", "account", d.AccountID, "device", dev.ID, "order", order.ID, "detail", req.Error)
		return s.st.UpdateEntryOrderStatus(ctx, order.ID, model.EntryRejected)
	}

	entry := order.EntryPrice
	if req.FillPrice != nil {
		entry = *req.FillPrice
	}
	reg := &model.Registration{
		AccountID:        order.AccountID,
		BrokerTicket:     req.BrokerTicket,
		DeviceID:         order.DeviceID,
		Instrument:       order.Instrument,
		Direction:        order.Direction,
		Volume:           order.Volume,
		EntryPrice:       entry,
		HiddenStopLoss:   order.HiddenStopLoss,
		HiddenTakeProfit: order.HiddenTakeProfit,
		CreatedAt:        s.opts.Now().UTC(),
	}
	if err := s.st.PutRegistration(ctx, reg); err != nil {
		return fmt.Errorf("register ticket: %w", err)
	}
	slog.Info("entry filled by agent", "account", d.AccountID, "device", dev.ID, "order", order.ID, "ticket", req.BrokerTicket)
	return s.st.UpdateEntryOrderStatus(ctx, order.ID, model.EntryFilled)
}

// Expire removes lapsed directives. Entry orders are marked expired here;
// close directives are returned for the caller's direct-close fallback.
func (s *Service) Expire(ctx context.Context) ([]Directive, error) {
	expired, err := s.queue.Expired(ctx, s.opts.Now())
	if err != nil {
		return nil, err
	}
	var closes []Directive
	for _, d := range expired {
		metrics.PendingDirectives.Dec()
		metrics.DirectiveTimeouts.WithLabelValues(string(d.Kind)).Inc()
		switch d.Kind {
		case KindClose:
			closes = append(closes, d)
		case KindEntry:
			if err := s.st.UpdateEntryOrderStatus(ctx, d.EntryOrderID, model.EntryExpired); err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Error("expire entry order", "account", d.AccountID, "order", d.EntryOrderID, "err", err)
			}
		}
	}
	return closes, nil
}
