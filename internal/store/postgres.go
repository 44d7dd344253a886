package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-bridge/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

func isUnique(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Positions ---

const positionColumns = `id, account_id, device_id, broker_ticket, instrument, direction,
	volume::TEXT, entry_price::TEXT, hidden_stop_loss::TEXT, hidden_take_profit::TEXT,
	opened_at, status, closed_at`

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.OpenPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO open_positions (id, account_id, device_id, broker_ticket, instrument, direction,
		        volume, entry_price, hidden_stop_loss, hidden_take_profit, opened_at, status, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		p.ID, p.AccountID, p.DeviceID, p.BrokerTicket, p.Instrument, string(p.Direction),
		p.Volume.String(), p.EntryPrice.String(),
		optString(p.HiddenStopLoss), optString(p.HiddenTakeProfit),
		p.OpenedAt, string(p.Status), p.ClosedAt,
	)
	if isUnique(err, "uq_open_positions_active_ticket") {
		return fmt.Errorf("%w: ticket %s", ErrDuplicateTicket, p.BrokerTicket)
	}
	return err
}

func scanPosition(row pgx.Row) (*model.OpenPosition, error) {
	var p model.OpenPosition
	var volume, entry string
	var sl, tp *string
	var direction, status string
	if err := row.Scan(&p.ID, &p.AccountID, &p.DeviceID, &p.BrokerTicket, &p.Instrument, &direction,
		&volume, &entry, &sl, &tp,
		&p.OpenedAt, &status, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Direction = model.Direction(direction)
	p.Status = model.PositionStatus(status)
	p.Volume, _ = decimal.NewFromString(volume)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.HiddenStopLoss = optDecimal(sl)
	p.HiddenTakeProfit = optDecimal(tp)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.OpenPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM open_positions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get position "+id)
	}
	return p, nil
}

func (s *PostgresStore) ListActivePositions(ctx context.Context, accountID string) ([]model.OpenPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM open_positions
		 WHERE account_id = $1 AND status <> 'closed'
		 ORDER BY opened_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.OpenPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpdatePositionStatus(ctx context.Context, id string, status model.PositionStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE open_positions
		 SET status = $2,
		     closed_at = CASE WHEN $2 = 'closed' THEN COALESCE(closed_at, $3) ELSE closed_at END
		 WHERE id = $1 AND (status <> 'closed' OR $2 = 'closed')`,
		id, string(status), at)
	if err != nil {
		return fmt.Errorf("update position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPosition(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: closed -> %s", ErrInvalidTransition, status)
	}
	return nil
}

// --- Registrations ---

func (s *PostgresStore) PutRegistration(ctx context.Context, r *model.Registration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registrations (account_id, broker_ticket, device_id, instrument, direction,
		        volume, entry_price, hidden_stop_loss, hidden_take_profit, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
		 ON CONFLICT (account_id, broker_ticket) DO UPDATE SET
		        device_id = EXCLUDED.device_id, instrument = EXCLUDED.instrument,
		        direction = EXCLUDED.direction, volume = EXCLUDED.volume,
		        entry_price = EXCLUDED.entry_price, hidden_stop_loss = EXCLUDED.hidden_stop_loss,
		        hidden_take_profit = EXCLUDED.hidden_take_profit, created_at = EXCLUDED.created_at`,
		r.AccountID, r.BrokerTicket, r.DeviceID, r.Instrument, string(r.Direction),
		r.Volume.String(), r.EntryPrice.String(),
		optString(r.HiddenStopLoss), optString(r.HiddenTakeProfit), r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) TakeRegistration(ctx context.Context, accountID, ticket string) (*model.Registration, error) {
	var r model.Registration
	var direction, volume, entry string
	var sl, tp *string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM registrations WHERE account_id = $1 AND broker_ticket = $2
		 RETURNING account_id, broker_ticket, device_id, instrument, direction,
		           volume::TEXT, entry_price::TEXT, hidden_stop_loss::TEXT, hidden_take_profit::TEXT, created_at`,
		accountID, ticket).
		Scan(&r.AccountID, &r.BrokerTicket, &r.DeviceID, &r.Instrument, &direction,
			&volume, &entry, &sl, &tp, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err, "take registration "+ticket)
	}
	r.Direction = model.Direction(direction)
	r.Volume, _ = decimal.NewFromString(volume)
	r.EntryPrice, _ = decimal.NewFromString(entry)
	r.HiddenStopLoss = optDecimal(sl)
	r.HiddenTakeProfit = optDecimal(tp)
	return &r, nil
}

// --- Append-only audit ---

func (s *PostgresStore) AppendReconciliationEvent(ctx context.Context, e *model.ReconciliationEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconciliation_events (id, account_id, position_id, broker_ticket, instrument, ts,
		        broker_volume, ledger_volume, broker_entry, ledger_entry, classification,
		        volume_tolerance_pct, price_tolerance)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11,
		         $12::NUMERIC, $13::NUMERIC)`,
		e.ID, e.AccountID, e.PositionID, e.BrokerTicket, e.Instrument, e.Timestamp,
		e.BrokerVolume.String(), e.LedgerVolume.String(),
		e.BrokerEntry.String(), e.LedgerEntry.String(),
		string(e.Classification), e.VolumeTolerancePct.String(), e.PriceTolerance.String(),
	)
	return err
}

func (s *PostgresStore) ListReconciliationEvents(ctx context.Context, accountID string, limit int) ([]model.ReconciliationEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, position_id, broker_ticket, instrument, ts,
		        broker_volume::TEXT, ledger_volume::TEXT, broker_entry::TEXT, ledger_entry::TEXT,
		        classification, volume_tolerance_pct::TEXT, price_tolerance::TEXT
		 FROM reconciliation_events WHERE account_id = $1
		 ORDER BY ts DESC, id DESC LIMIT $2`, accountID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.ReconciliationEvent
	for rows.Next() {
		var e model.ReconciliationEvent
		var bv, lv, be, le, class, vt, pt string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.PositionID, &e.BrokerTicket, &e.Instrument, &e.Timestamp,
			&bv, &lv, &be, &le, &class, &vt, &pt); err != nil {
			return nil, err
		}
		e.BrokerVolume, _ = decimal.NewFromString(bv)
		e.LedgerVolume, _ = decimal.NewFromString(lv)
		e.BrokerEntry, _ = decimal.NewFromString(be)
		e.LedgerEntry, _ = decimal.NewFromString(le)
		e.Classification = model.Classification(class)
		e.VolumeTolerancePct, _ = decimal.NewFromString(vt)
		e.PriceTolerance, _ = decimal.NewFromString(pt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) AppendDrawdownAlert(ctx context.Context, a *model.DrawdownAlert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO drawdown_alerts (id, account_id, ts, drawdown_pct, peak_equity, equity, threshold,
		        severity, action_triggered)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		a.ID, a.AccountID, a.Timestamp,
		a.DrawdownPct.String(), a.PeakEquity.String(), a.Equity.String(), a.Threshold.String(),
		string(a.Severity), a.ActionTriggered,
	)
	return err
}

func (s *PostgresStore) ListDrawdownAlerts(ctx context.Context, accountID string, limit int) ([]model.DrawdownAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, ts, drawdown_pct::TEXT, peak_equity::TEXT, equity::TEXT, threshold::TEXT,
		        severity, action_triggered
		 FROM drawdown_alerts WHERE account_id = $1
		 ORDER BY ts DESC, id DESC LIMIT $2`, accountID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []model.DrawdownAlert
	for rows.Next() {
		var a model.DrawdownAlert
		var pct, peak, equity, threshold, severity string
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Timestamp, &pct, &peak, &equity, &threshold,
			&severity, &a.ActionTriggered); err != nil {
			return nil, err
		}
		a.DrawdownPct, _ = decimal.NewFromString(pct)
		a.PeakEquity, _ = decimal.NewFromString(peak)
		a.Equity, _ = decimal.NewFromString(equity)
		a.Threshold, _ = decimal.NewFromString(threshold)
		a.Severity = model.Severity(severity)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) AppendMarketAlert(ctx context.Context, a *model.MarketAlert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_alerts (id, account_id, symbol, ts, metric, value, threshold, severity, action_triggered)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		a.ID, a.AccountID, a.Symbol, a.Timestamp, string(a.Metric),
		a.Value.String(), a.Threshold.String(), string(a.Severity), a.ActionTriggered,
	)
	return err
}

func (s *PostgresStore) ListMarketAlerts(ctx context.Context, accountID string, limit int) ([]model.MarketAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, ts, metric, value::TEXT, threshold::TEXT, severity, action_triggered
		 FROM market_alerts WHERE account_id = $1
		 ORDER BY ts DESC, id DESC LIMIT $2`, accountID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []model.MarketAlert
	for rows.Next() {
		var a model.MarketAlert
		var metric, value, threshold, severity string
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Symbol, &a.Timestamp, &metric, &value, &threshold,
			&severity, &a.ActionTriggered); err != nil {
			return nil, err
		}
		a.Metric = model.MarketMetric(metric)
		a.Value, _ = decimal.NewFromString(value)
		a.Threshold, _ = decimal.NewFromString(threshold)
		a.Severity = model.Severity(severity)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// --- Close commands ---

const closeColumns = `close_id, account_id, position_id, reason, requested_by, route, requested_at,
	outcome, realized_pnl::TEXT, close_price::TEXT, detail, attempts, resolved_at`

func scanClose(row pgx.Row) (*model.CloseCommand, error) {
	var c model.CloseCommand
	var reason, route, outcome string
	var pnl, price *string
	if err := row.Scan(&c.CloseID, &c.AccountID, &c.PositionID, &reason, &c.RequestedBy, &route,
		&c.RequestedAt, &outcome, &pnl, &price, &c.Detail, &c.Attempts, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.Reason = model.CloseReason(reason)
	c.Route = model.CloseRoute(route)
	c.Outcome = model.CloseOutcome(outcome)
	c.RealizedPnL = optDecimal(pnl)
	c.ClosePrice = optDecimal(price)
	return &c, nil
}

func (s *PostgresStore) InsertCloseCommand(ctx context.Context, c *model.CloseCommand) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO close_commands (close_id, account_id, position_id, reason, requested_by, route,
		        requested_at, outcome, realized_pnl, close_price, detail, attempts, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		c.CloseID, c.AccountID, c.PositionID, string(c.Reason), c.RequestedBy, string(c.Route),
		c.RequestedAt, string(c.Outcome), optString(c.RealizedPnL), optString(c.ClosePrice),
		c.Detail, c.Attempts, c.ResolvedAt,
	)
	if isUnique(err, "close_commands_pkey") {
		return fmt.Errorf("%w: %s", ErrDuplicateCloseID, c.CloseID)
	}
	return err
}

func (s *PostgresStore) GetCloseCommand(ctx context.Context, closeID string) (*model.CloseCommand, error) {
	c, err := scanClose(s.pool.QueryRow(ctx,
		`SELECT `+closeColumns+` FROM close_commands WHERE close_id = $1`, closeID))
	if err != nil {
		return nil, notFound(err, "get close command "+closeID)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCloseCommand(ctx context.Context, c *model.CloseCommand) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE close_commands
		 SET route = $2, outcome = $3, realized_pnl = $4::NUMERIC, close_price = $5::NUMERIC,
		     detail = $6, attempts = $7, resolved_at = $8
		 WHERE close_id = $1 AND outcome = 'pending'`,
		c.CloseID, string(c.Route), string(c.Outcome),
		optString(c.RealizedPnL), optString(c.ClosePrice), c.Detail, c.Attempts, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update close command %s: %w", c.CloseID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCloseCommand(ctx, c.CloseID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrCloseResolved, c.CloseID)
	}
	return nil
}

func (s *PostgresStore) LatestCloseCommand(ctx context.Context, positionID string) (*model.CloseCommand, error) {
	c, err := scanClose(s.pool.QueryRow(ctx,
		`SELECT `+closeColumns+` FROM close_commands WHERE position_id = $1
		 ORDER BY requested_at DESC LIMIT 1`, positionID))
	if err != nil {
		return nil, notFound(err, "latest close command for "+positionID)
	}
	return c, nil
}

// --- Account state ---

func (s *PostgresStore) GetAccountState(ctx context.Context, accountID string) (*model.AccountState, error) {
	st := model.NewAccountState(accountID)
	var peak, last, severity string
	var marketSev, quotes []byte
	var lastSync *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT peak_equity::TEXT, last_equity::TEXT, drawdown_severity, market_severity, last_quotes,
		        last_sync_at, updated_at
		 FROM account_state WHERE account_id = $1`, accountID).
		Scan(&peak, &last, &severity, &marketSev, &quotes, &lastSync, &st.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "get account state "+accountID)
	}
	st.PeakEquity, _ = decimal.NewFromString(peak)
	st.LastEquity, _ = decimal.NewFromString(last)
	st.DrawdownSeverity = model.Severity(severity)
	if lastSync != nil {
		st.LastSyncAt = *lastSync
	}
	if err := json.Unmarshal(marketSev, &st.MarketSeverity); err != nil {
		return nil, fmt.Errorf("account state %s market_severity: %w", accountID, err)
	}
	if err := json.Unmarshal(quotes, &st.LastQuotes); err != nil {
		return nil, fmt.Errorf("account state %s last_quotes: %w", accountID, err)
	}
	return st, nil
}

func (s *PostgresStore) SaveAccountState(ctx context.Context, st *model.AccountState) error {
	marketSev, err := json.Marshal(st.MarketSeverity)
	if err != nil {
		return err
	}
	quotes, err := json.Marshal(st.LastQuotes)
	if err != nil {
		return err
	}
	var lastSync *time.Time
	if !st.LastSyncAt.IsZero() {
		lastSync = &st.LastSyncAt
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO account_state (account_id, peak_equity, last_equity, drawdown_severity,
		        market_severity, last_quotes, last_sync_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7, $8)
		 ON CONFLICT (account_id) DO UPDATE SET
		        peak_equity = EXCLUDED.peak_equity, last_equity = EXCLUDED.last_equity,
		        drawdown_severity = EXCLUDED.drawdown_severity,
		        market_severity = EXCLUDED.market_severity, last_quotes = EXCLUDED.last_quotes,
		        last_sync_at = EXCLUDED.last_sync_at, updated_at = EXCLUDED.updated_at`,
		st.AccountID, st.PeakEquity.String(), st.LastEquity.String(), string(st.DrawdownSeverity),
		marketSev, quotes, lastSync, st.UpdatedAt,
	)
	return err
}

// --- Entry orders ---

func (s *PostgresStore) InsertEntryOrder(ctx context.Context, o *model.EntryOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entry_orders (id, account_id, device_id, instrument, direction, volume, entry_price,
		        hidden_stop_loss, hidden_take_profit, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		o.ID, o.AccountID, o.DeviceID, o.Instrument, string(o.Direction),
		o.Volume.String(), o.EntryPrice.String(),
		optString(o.HiddenStopLoss), optString(o.HiddenTakeProfit),
		string(o.Status), o.CreatedAt, o.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) GetEntryOrder(ctx context.Context, id string) (*model.EntryOrder, error) {
	var o model.EntryOrder
	var direction, volume, entry, status string
	var sl, tp *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, device_id, instrument, direction, volume::TEXT, entry_price::TEXT,
		        hidden_stop_loss::TEXT, hidden_take_profit::TEXT, status, created_at, expires_at
		 FROM entry_orders WHERE id = $1`, id).
		Scan(&o.ID, &o.AccountID, &o.DeviceID, &o.Instrument, &direction, &volume, &entry,
			&sl, &tp, &status, &o.CreatedAt, &o.ExpiresAt)
	if err != nil {
		return nil, notFound(err, "get entry order "+id)
	}
	o.Direction = model.Direction(direction)
	o.Volume, _ = decimal.NewFromString(volume)
	o.EntryPrice, _ = decimal.NewFromString(entry)
	o.HiddenStopLoss = optDecimal(sl)
	o.HiddenTakeProfit = optDecimal(tp)
	o.Status = model.EntryOrderStatus(status)
	return &o, nil
}

func (s *PostgresStore) UpdateEntryOrderStatus(ctx context.Context, id string, status model.EntryOrderStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE entry_orders SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update entry order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry order %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- NUMERIC helpers ---

func optString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func optDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
