package broker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/broker"
	"github.com/atmx/risk-bridge/internal/model"
)

func newGatewayServer(t *testing.T, r chi.Router) *broker.HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return broker.NewHTTPGateway(srv.URL, "acct-1", 1000, 2*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHTTPGateway_LoginAndPositions(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": "tok"})
	})
	r.Get("/v1/accounts/{login}/positions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || chi.URLParam(r, "login") != "5001" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "no session"})
			return
		}
		_, _ = w.Write([]byte(`[
			{"ticket": 77, "symbol": "eurusd.m", "type": "POSITION_TYPE_SELL", "volume": "1.00", "price_open": 1.0850, "time": 1700000000},
			{"ticket": "78", "symbol": "XAUUSD", "type": 0, "volume": 0.5, "price_open": "1999.5", "time": "2024-01-02T03:04:05Z"}
		]`))
	})
	gw := newGatewayServer(t, r)
	ctx := context.Background()

	require.NoError(t, gw.Login(ctx, broker.Credentials{Login: "5001", Password: "pw", Server: "demo"}))
	positions, err := gw.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, "77", positions[0].Ticket)
	assert.Equal(t, "EURUSD", positions[0].Symbol)
	assert.Equal(t, model.Short, positions[0].Direction)
	assert.Equal(t, "1.085", positions[0].EntryPrice.String())
	assert.Equal(t, int64(1700000000), positions[0].OpenedAt.Unix())

	assert.Equal(t, model.Long, positions[1].Direction)
	assert.Equal(t, "0.5", positions[1].Volume.String())
	assert.Equal(t, 2024, positions[1].OpenedAt.Year())
}

func TestHTTPGateway_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, "", func(t *testing.T, err error) {
			assert.True(t, broker.IsAuth(err))
		}},
		{"rate limited", http.StatusTooManyRequests, "7", func(t *testing.T, err error) {
			d, ok := broker.RetryAfter(err)
			require.True(t, ok)
			assert.Equal(t, 7*time.Second, d)
			assert.True(t, broker.IsTransient(err))
		}},
		{"server error", http.StatusBadGateway, "", func(t *testing.T, err error) {
			assert.True(t, broker.IsTransient(err))
			assert.False(t, broker.IsAuth(err))
		}},
		{"already closed", http.StatusConflict, "", func(t *testing.T, err error) {
			assert.True(t, broker.IsRejected(err))
			assert.False(t, broker.IsTransient(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Post("/v1/accounts/{login}/positions/{ticket}/close", func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				writeJSON(w, tt.status, map[string]string{"code": "x", "message": "nope"})
			})
			gw := newGatewayServer(t, r)
			_, err := gw.ClosePosition(context.Background(), "42")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestHTTPGateway_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gw := broker.NewHTTPGateway(url, "acct-1", 1000, time.Second)
	_, err := gw.Account(context.Background())
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))
}

func TestHTTPGateway_CloseFill(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/accounts/{login}/positions/{ticket}/close", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ticket": 42, "closed_volume": "1", "remaining_volume": 0, "close_price": "94", "profit": "-6"}`))
	})
	gw := newGatewayServer(t, r)

	fill, err := gw.ClosePosition(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", fill.Ticket)
	assert.Equal(t, "94", fill.ClosePrice.String())
	assert.Equal(t, "-6", fill.RealizedPnL.String())
	assert.False(t, fill.ClosedAt.IsZero())
}

func TestHTTPGateway_Quotes(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/v1/quotes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "EURUSD,XAUUSD", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`[{"symbol":"EURUSD","bid":"1.1","ask":"1.1002"}]`))
	})
	gw := newGatewayServer(t, r)

	quotes, err := gw.Quotes(context.Background(), []string{"EURUSD", "XAUUSD"})
	require.NoError(t, err)
	require.Contains(t, quotes, "EURUSD")
	assert.NotContains(t, quotes, "XAUUSD")
	assert.Equal(t, "1.1002", quotes["EURUSD"].Ask.String())
}
