package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/symbol"
)

// HTTPGateway talks to a REST broker gateway for one account. Responses are
// loosely typed (numbers as strings or numbers, several spellings of the
// position side); everything is parsed into model types here.
type HTTPGateway struct {
	BaseURL   string
	AccountID string
	HTTP      *http.Client
	Limiter   *rate.Limiter

	mu    sync.RWMutex
	token string
	login string
}

// NewHTTPGateway creates a gateway client paced at rps requests per second.
func NewHTTPGateway(baseURL, accountID string, rps float64, timeout time.Duration) *HTTPGateway {
	if rps <= 0 {
		rps = 5
	}
	return &HTTPGateway{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AccountID: accountID,
		HTTP:      &http.Client{Timeout: timeout},
		Limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// --- Wire types ---

type wireTime time.Time

func (t *wireTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = wireTime(time.Time{})
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = wireTime(time.Unix(secs, 0).UTC())
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("broker: bad time %q: %w", s, err)
	}
	*t = wireTime(parsed.UTC())
	return nil
}

type wireSession struct {
	Token string `json:"token"`
}

type wireAccount struct {
	Balance decimal.Decimal `json:"balance"`
	Equity  decimal.Decimal `json:"equity"`
	Margin  decimal.Decimal `json:"margin"`
	Time    wireTime        `json:"time"`
}

type wirePosition struct {
	Ticket    json.Number     `json:"ticket"`
	Symbol    string          `json:"symbol"`
	Type      json.RawMessage `json:"type"`
	Volume    decimal.Decimal `json:"volume"`
	PriceOpen decimal.Decimal `json:"price_open"`
	Time      wireTime        `json:"time"`
}

type wireQuote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   wireTime        `json:"time"`
}

type wireClose struct {
	Ticket          json.Number     `json:"ticket"`
	ClosedVolume    decimal.Decimal `json:"closed_volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ClosePrice      decimal.Decimal `json:"close_price"`
	Profit          decimal.Decimal `json:"profit"`
	Time            wireTime        `json:"time"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Gateway ---

func (g *HTTPGateway) Login(ctx context.Context, creds Credentials) error {
	body := map[string]string{
		"login":    creds.Login,
		"password": creds.Password,
		"server":   creds.Server,
	}
	var out wireSession
	if err := g.do(ctx, "login", http.MethodPost, "/v1/sessions", body, &out); err != nil {
		return err
	}
	if out.Token == "" {
		return &AuthenticationError{Message: "gateway returned empty session token"}
	}
	g.mu.Lock()
	g.token = out.Token
	g.login = creds.Login
	g.mu.Unlock()
	return nil
}

func (g *HTTPGateway) Logout(ctx context.Context) error {
	g.mu.RLock()
	hasToken := g.token != ""
	g.mu.RUnlock()
	if !hasToken {
		return nil
	}
	err := g.do(ctx, "logout", http.MethodDelete, "/v1/sessions", nil, nil)
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
	return err
}

func (g *HTTPGateway) Account(ctx context.Context) (model.AccountSnapshot, error) {
	var out wireAccount
	if err := g.do(ctx, "account", http.MethodGet, g.accountPath("/summary"), nil, &out); err != nil {
		return model.AccountSnapshot{}, err
	}
	ts := time.Time(out.Time)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return model.AccountSnapshot{
		AccountID: g.AccountID,
		Balance:   out.Balance,
		Equity:    out.Equity,
		Margin:    out.Margin,
		Timestamp: ts,
	}, nil
}

func (g *HTTPGateway) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	var out []wirePosition
	if err := g.do(ctx, "positions", http.MethodGet, g.accountPath("/positions"), nil, &out); err != nil {
		return nil, err
	}
	positions := make([]model.BrokerPosition, 0, len(out))
	for _, wp := range out {
		dir, err := parseDirection(wp.Type)
		if err != nil {
			return nil, fmt.Errorf("broker: position %s: %w", wp.Ticket, err)
		}
		positions = append(positions, model.BrokerPosition{
			Ticket:     wp.Ticket.String(),
			Symbol:     symbol.Normalize(wp.Symbol),
			Direction:  dir,
			Volume:     wp.Volume,
			EntryPrice: wp.PriceOpen,
			OpenedAt:   time.Time(wp.Time),
		})
	}
	return positions, nil
}

func (g *HTTPGateway) Quotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	quotes := make(map[string]model.Quote, len(symbols))
	if len(symbols) == 0 {
		return quotes, nil
	}
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	var out []wireQuote
	if err := g.do(ctx, "quotes", http.MethodGet, "/v1/quotes?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	for _, wq := range out {
		sym := symbol.Normalize(wq.Symbol)
		ts := time.Time(wq.Time)
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		quotes[sym] = model.Quote{Symbol: sym, Bid: wq.Bid, Ask: wq.Ask, Timestamp: ts}
	}
	return quotes, nil
}

func (g *HTTPGateway) ClosePosition(ctx context.Context, ticket string) (CloseFill, error) {
	var out wireClose
	path := g.accountPath("/positions/" + url.PathEscape(ticket) + "/close")
	if err := g.do(ctx, "close", http.MethodPost, path, map[string]string{}, &out); err != nil {
		return CloseFill{}, err
	}
	closedAt := time.Time(out.Time)
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	return CloseFill{
		Ticket:          ticket,
		ClosedVolume:    out.ClosedVolume,
		RemainingVolume: out.RemainingVolume,
		ClosePrice:      out.ClosePrice,
		RealizedPnL:     out.Profit,
		ClosedAt:        closedAt,
	}, nil
}

func (g *HTTPGateway) accountPath(suffix string) string {
	g.mu.RLock()
	login := g.login
	g.mu.RUnlock()
	return "/v1/accounts/" + url.PathEscape(login) + suffix
}

// do performs one request and maps the outcome into the failure taxonomy.
func (g *HTTPGateway) do(ctx context.Context, op, method, path string, in, out any) error {
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			return &TransientNetworkError{Op: op, Err: err}
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("broker: %s: marshal: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("broker: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	g.mu.RLock()
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	g.mu.RUnlock()

	client := g.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransientNetworkError{Op: op, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("broker: %s: decode response: %w", op, err)
		}
		return nil
	}

	var we wireError
	_ = json.Unmarshal(raw, &we)
	if we.Message == "" {
		we.Message = strings.TrimSpace(string(raw))
		if len(we.Message) > 200 {
			we.Message = we.Message[:200]
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		g.mu.Lock()
		g.token = ""
		g.mu.Unlock()
		return &AuthenticationError{Message: we.Message}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		code := we.Code
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return &RejectedError{Code: code, Message: we.Message}
	case resp.StatusCode >= 500:
		return &TransientNetworkError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, we.Message)}
	default:
		return fmt.Errorf("broker: %s: http %d: %s", op, resp.StatusCode, we.Message)
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}

var errUnknownSide = errors.New("unknown position side")

// parseDirection accepts "buy"/"sell", "long"/"short", MT-style
// "POSITION_TYPE_BUY", or the numeric 0 (buy) / 1 (sell).
func parseDirection(raw json.RawMessage) (model.Direction, error) {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(string(raw)), `"`))
	s = strings.TrimPrefix(s, "position_type_")
	switch s {
	case "buy", "long", "0":
		return model.Long, nil
	case "sell", "short", "1":
		return model.Short, nil
	}
	return "", fmt.Errorf("%w: %s", errUnknownSide, string(raw))
}
