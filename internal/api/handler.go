// Package api serves the bridge's HTTP surface: the signed device channel
// for execution agents, the dashboard read routes, and the producer routes
// that register positions and request manual closes.
//
// Every response body is a view type or a fixed error string. Hidden
// stop-loss and take-profit levels are accepted on registration and never
// echoed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/closer"
	"github.com/atmx/risk-bridge/internal/exposure"
	"github.com/atmx/risk-bridge/internal/guard"
	"github.com/atmx/risk-bridge/internal/ids"
	"github.com/atmx/risk-bridge/internal/metrics"
	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/protocol"
	"github.com/atmx/risk-bridge/internal/session"
	"github.com/atmx/risk-bridge/internal/store"
	"github.com/atmx/risk-bridge/internal/symbol"
	"github.com/atmx/risk-bridge/internal/view"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	alertLimit        = 20
)

// CloseRequester is implemented by closer.Closer.
type CloseRequester interface {
	Close(ctx context.Context, req closer.Request) (model.CloseResult, error)
}

// Channel is implemented by protocol.Service.
type Channel interface {
	Poll(ctx context.Context, dev protocol.Device) (view.Poll, error)
	Ack(ctx context.Context, dev protocol.Device, req protocol.AckRequest) error
	EnqueueEntry(ctx context.Context, o *model.EntryOrder) (protocol.Directive, error)
	EntryTTL() time.Duration
}

// PeakResetter is implemented by reconcile.Service.
type PeakResetter interface {
	ResetPeak(ctx context.Context, accountID string, equity decimal.Decimal) (*model.AccountState, error)
}

// SessionProbe is implemented by session.Manager.
type SessionProbe interface {
	Health() session.Health
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Store    store.Store
	Closer   CloseRequester
	Channel  Channel
	Devices  protocol.Registry
	Peaks    PeakResetter
	Sessions map[string]SessionProbe
	Limiter  *exposure.Limiter
	Now      func() time.Time
}

// Server holds the route handlers.
type Server struct {
	Deps
	// mu serializes admission so two registrations cannot both pass the
	// exposure check against the same book.
	mu sync.Mutex
}

// NewServer creates the handlers.
func NewServer(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Limiter == nil {
		deps.Limiter = exposure.NewLimiter(decimal.Zero, decimal.Zero)
	}
	return &Server{Deps: deps}
}

// Routes builds the /api/v1 router. deviceAuth guards the EA channel;
// tokens guards everything else.
func (s *Server) Routes(tokens TokenVerifier, deviceAuth func(http.Handler) http.Handler, hub *Hub) chi.Router {
	r := chi.NewRouter()

	r.Route("/device", func(r chi.Router) {
		r.Use(deviceAuth)
		r.Get("/poll", s.DevicePoll)
		r.Post("/ack", s.DeviceAck)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireToken(tokens))
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Use(s.knownAccount)
			r.Get("/reconciliation", s.GetReconciliation)
			r.Get("/positions", s.ListPositions)
			r.Get("/guards", s.GetGuards)
			r.Get("/session", s.GetSession)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(RoleProducer, RoleAdmin))
				r.Post("/positions", s.RegisterPosition)
				r.Post("/positions/{positionID}/close", s.ClosePosition)
			})
			r.With(RequireRole(RoleAdmin)).Post("/peak/reset", s.ResetPeak)
		})
	})
	return r
}

func (s *Server) knownAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.Sessions[chi.URLParam(r, "accountID")]; !ok {
			writeError(w, "account not found", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Device channel ---

// DevicePoll handles GET /api/v1/device/poll
func (s *Server) DevicePoll(w http.ResponseWriter, r *http.Request) {
	dev, ok := protocol.DeviceFromContext(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	poll, err := s.Channel.Poll(r.Context(), dev)
	if err != nil {
		slog.Error("device poll failed", "device", dev.ID, "err", err)
		writeError(w, "poll failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, poll)
}

// DeviceAck handles POST /api/v1/device/ack
func (s *Server) DeviceAck(w http.ResponseWriter, r *http.Request) {
	dev, ok := protocol.DeviceFromContext(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req protocol.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch err := s.Channel.Ack(r.Context(), dev, req); {
	case err == nil:
		writeJSON(w, http.StatusOK, view.Ack{Status: "ok"})
	case errors.Is(err, protocol.ErrBadAck):
		writeError(w, "ack must name a directiveId or a positionId", http.StatusBadRequest)
	case errors.Is(err, protocol.ErrUnknownDirective):
		writeError(w, "unknown directive", http.StatusNotFound)
	default:
		slog.Error("device ack failed", "device", dev.ID, "err", err)
		writeError(w, "ack failed", http.StatusInternalServerError)
	}
}

// --- Dashboard ---

// GetReconciliation handles GET /api/v1/accounts/{accountID}/reconciliation
func (s *Server) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}
	events, err := s.Store.ListReconciliationEvents(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, "failed to load reconciliation events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view.NewReconciliation(accountID, events))
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	positions, err := s.Store.ListActivePositions(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	state, err := s.accountState(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load account state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view.NewPositions(positions, state.LastQuotes))
}

// GetGuards handles GET /api/v1/accounts/{accountID}/guards
func (s *Server) GetGuards(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	state, err := s.accountState(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load account state", http.StatusInternalServerError)
		return
	}
	dd, err := s.Store.ListDrawdownAlerts(ctx, accountID, alertLimit)
	if err != nil {
		writeError(w, "failed to load alerts", http.StatusInternalServerError)
		return
	}
	mk, err := s.Store.ListMarketAlerts(ctx, accountID, alertLimit)
	if err != nil {
		writeError(w, "failed to load alerts", http.StatusInternalServerError)
		return
	}
	pct := guard.Drawdown(state.PeakEquity, state.LastEquity)
	writeJSON(w, http.StatusOK, view.NewGuards(state, pct, dd, mk))
}

// GetSession handles GET /api/v1/accounts/{accountID}/session
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	probe := s.Sessions[chi.URLParam(r, "accountID")]
	h := probe.Health()
	status := http.StatusOK
	if !h.Connected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) accountState(ctx context.Context, accountID string) (*model.AccountState, error) {
	state, err := s.Store.GetAccountState(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewAccountState(accountID), nil
	}
	return state, err
}

// --- Producer ---

// RegisterRequest is the JSON body for POST .../positions.
type RegisterRequest struct {
	Instrument       string           `json:"instrument"`
	Direction        model.Direction  `json:"direction"`
	Volume           decimal.Decimal  `json:"volume"`
	EntryPrice       decimal.Decimal  `json:"entryPrice"`
	HiddenStopLoss   *decimal.Decimal `json:"hiddenStopLoss,omitempty"`
	HiddenTakeProfit *decimal.Decimal `json:"hiddenTakeProfit,omitempty"`
	BrokerTicketID   string           `json:"brokerTicketId,omitempty"`
	TTLSeconds       int              `json:"ttlSeconds,omitempty"`
}

func (req *RegisterRequest) validate() string {
	switch {
	case !req.Direction.Valid():
		return "direction must be long or short"
	case !req.Volume.IsPositive():
		return "volume must be positive"
	case !req.EntryPrice.IsPositive():
		return "entryPrice must be positive"
	case req.TTLSeconds < 0:
		return "ttlSeconds must not be negative"
	}
	// A protected level on the wrong side of entry would fire on the first
	// tick.
	sl, tp := req.HiddenStopLoss, req.HiddenTakeProfit
	if req.Direction == model.Long {
		if sl != nil && sl.GreaterThanOrEqual(req.EntryPrice) {
			return "stop-loss must be below entry for a long"
		}
		if tp != nil && tp.LessThanOrEqual(req.EntryPrice) {
			return "take-profit must be above entry for a long"
		}
	} else {
		if sl != nil && sl.LessThanOrEqual(req.EntryPrice) {
			return "stop-loss must be above entry for a short"
		}
		if tp != nil && tp.GreaterThanOrEqual(req.EntryPrice) {
			return "take-profit must be below entry for a short"
		}
	}
	return ""
}

// RegisterPosition handles POST /api/v1/accounts/{accountID}/positions
// With a broker ticket the position is registered for adoption by the next
// sync; without one an entry order is queued for the account's agent.
func (s *Server) RegisterPosition(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, err := symbol.Parse(req.Instrument)
	if err != nil {
		writeError(w, "invalid instrument", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.Store.ListActivePositions(ctx, accountID)
	if err != nil {
		writeError(w, "failed to check exposure", http.StatusInternalServerError)
		return
	}
	delta := req.Volume.Mul(req.Direction.Sign())
	if err := s.Limiter.CheckLimit(inst, delta, exposure.NetVolumes(active)); err != nil {
		metrics.RegistrationRejections.Inc()
		slog.Warn("registration rejected", "account", accountID, "instrument", inst.Symbol, "err", err)
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	dev, hasDevice := s.Devices.ForAccount(accountID)
	now := s.Now().UTC()

	if req.BrokerTicketID != "" {
		reg := &model.Registration{
			AccountID:        accountID,
			BrokerTicket:     req.BrokerTicketID,
			Instrument:       inst.Symbol,
			Direction:        req.Direction,
			Volume:           req.Volume,
			EntryPrice:       req.EntryPrice,
			HiddenStopLoss:   req.HiddenStopLoss,
			HiddenTakeProfit: req.HiddenTakeProfit,
			CreatedAt:        now,
		}
		if hasDevice {
			reg.DeviceID = dev.ID
		}
		if err := s.Store.PutRegistration(ctx, reg); err != nil {
			writeError(w, "failed to record registration", http.StatusInternalServerError)
			return
		}
		slog.Info("position registered", "account", accountID, "ticket", reg.BrokerTicket, "instrument", reg.Instrument)
		writeJSON(w, http.StatusAccepted, view.Registration{
			AccountID:    accountID,
			BrokerTicket: reg.BrokerTicket,
			Instrument:   reg.Instrument,
			Direction:    reg.Direction,
			Volume:       reg.Volume,
			EntryPrice:   reg.EntryPrice,
			Status:       "registered",
		})
		return
	}

	if !hasDevice {
		writeError(w, "no execution agent for account", http.StatusConflict)
		return
	}
	ttl := s.Channel.EntryTTL()
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	order := &model.EntryOrder{
		ID:               ids.New(),
		AccountID:        accountID,
		DeviceID:         dev.ID,
		Instrument:       inst.Symbol,
		Direction:        req.Direction,
		Volume:           req.Volume,
		EntryPrice:       req.EntryPrice,
		HiddenStopLoss:   req.HiddenStopLoss,
		HiddenTakeProfit: req.HiddenTakeProfit,
		Status:           model.EntryPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
	if err := s.Store.InsertEntryOrder(ctx, order); err != nil {
		writeError(w, "failed to record entry order", http.StatusInternalServerError)
		return
	}
	if _, err := s.Channel.EnqueueEntry(ctx, order); err != nil {
		slog.Error("entry directive enqueue failed", "account", accountID, "order", order.ID, "err", err)
		_ = s.Store.UpdateEntryOrderStatus(ctx, order.ID, model.EntryRejected)
		writeError(w, "failed to queue entry", http.StatusServiceUnavailable)
		return
	}
	slog.Info("entry order queued", "account", accountID, "order", order.ID, "device", dev.ID, "instrument", order.Instrument)
	expires := order.ExpiresAt
	writeJSON(w, http.StatusAccepted, view.Registration{
		AccountID:    accountID,
		EntryOrderID: order.ID,
		Instrument:   order.Instrument,
		Direction:    order.Direction,
		Volume:       order.Volume,
		EntryPrice:   order.EntryPrice,
		Status:       string(model.EntryPending),
		ExpiresAt:    &expires,
	})
}

// CloseRequest is the optional body of a manual close.
type CloseRequest struct {
	CloseID string `json:"closeId,omitempty"`
}

// ClosePosition handles POST /api/v1/accounts/{accountID}/positions/{positionID}/close
func (s *Server) ClosePosition(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	positionID := chi.URLParam(r, "positionID")
	ctx := r.Context()

	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.Store.GetPosition(ctx, positionID)
	if err != nil || pos.AccountID != accountID {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	requestedBy := "operator"
	if c, ok := ClaimsFromContext(ctx); ok && c.Subject != "" {
		requestedBy = c.Subject
	}
	res, err := s.Closer.Close(ctx, closer.Request{
		PositionID:  positionID,
		CloseID:     req.CloseID,
		Reason:      model.ReasonManual,
		RequestedBy: requestedBy,
		Route:       model.RouteDirect,
	})
	switch {
	case errors.Is(err, closer.ErrCloseIDConflict):
		writeError(w, "closeId belongs to another position", http.StatusConflict)
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "position not found", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("manual close failed", "account", accountID, "position", positionID, "err", err)
		writeError(w, "close failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case model.OutcomePending:
		status = http.StatusAccepted
	case model.OutcomeFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, view.NewCloseResult(res))
}

// ResetPeakRequest optionally names the new peak; the last observed equity
// is used otherwise.
type ResetPeakRequest struct {
	Equity *decimal.Decimal `json:"equity,omitempty"`
}

// ResetPeak handles POST /api/v1/accounts/{accountID}/peak/reset
func (s *Server) ResetPeak(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	var req ResetPeakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var equity decimal.Decimal
	if req.Equity != nil {
		equity = *req.Equity
	} else {
		state, err := s.accountState(ctx, accountID)
		if err != nil {
			writeError(w, "failed to load account state", http.StatusInternalServerError)
			return
		}
		equity = state.LastEquity
	}
	if !equity.IsPositive() {
		writeError(w, "no equity observed yet", http.StatusConflict)
		return
	}

	state, err := s.Peaks.ResetPeak(ctx, accountID, equity)
	if err != nil {
		writeError(w, "failed to reset peak", http.StatusInternalServerError)
		return
	}
	pct := guard.Drawdown(state.PeakEquity, state.LastEquity)
	writeJSON(w, http.StatusOK, view.NewGuards(state, pct, nil, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
