package alert_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/alert"
)

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got alert.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &alert.WebhookNotifier{URL: srv.URL}
	err := n.Notify(context.Background(), alert.Event{
		Kind: alert.KindCloseFailed, AccountID: "a1", PositionID: "p1", Message: "close failed",
	})
	require.NoError(t, err)
	assert.Equal(t, alert.KindCloseFailed, got.Kind)
	assert.Equal(t, "p1", got.PositionID)
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&alert.WebhookNotifier{URL: srv.URL}).Notify(context.Background(), alert.Event{})
	var se *alert.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, alert.Event) error {
	f.calls++
	return errors.New("boom")
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	a, b := &failing{}, &failing{}
	err := alert.Multi{a, alert.LogNotifier{}, b}.Notify(context.Background(), alert.Event{Message: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestSend_SwallowsErrors(t *testing.T) {
	f := &failing{}
	alert.Send(context.Background(), f, alert.Event{Message: "x"})
	alert.Send(context.Background(), nil, alert.Event{Message: "x"})
	assert.Equal(t, 1, f.calls)
}

func TestNew(t *testing.T) {
	assert.IsType(t, alert.LogNotifier{}, alert.New(""))
	assert.IsType(t, alert.Multi{}, alert.New("http://hooks.local"))
}
