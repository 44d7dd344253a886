// Package alert escalates conditions that need a human: failed closes,
// critical guard episodes, positions the broker closed behind our back.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Kind classifies an alert event.
type Kind string

const (
	KindCloseFailed       Kind = "close_failed"
	KindGuardCritical     Kind = "guard_critical"
	KindBrokerClosed      Kind = "broker_closed_unexpectedly"
	KindAuthLatched       Kind = "broker_auth_failed"
	KindDirectiveTimedOut Kind = "directive_timed_out"
)

// Event is one ops notification. Fields must never carry hidden levels.
type Event struct {
	Kind       Kind              `json:"kind"`
	AccountID  string            `json:"account_id"`
	PositionID string            `json:"position_id,omitempty"`
	CloseID    string            `json:"close_id,omitempty"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	At         time.Time         `json:"at"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the default slog logger at error level.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) error {
	attrs := []any{"kind", ev.Kind, "account", ev.AccountID}
	if ev.PositionID != "" {
		attrs = append(attrs, "position", ev.PositionID)
	}
	if ev.CloseID != "" {
		attrs = append(attrs, "close_id", ev.CloseID)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	slog.Error("alert: "+ev.Message, attrs...)
	return nil
}

// WebhookNotifier POSTs events as JSON to URL.
type WebhookNotifier struct {
	URL  string
	HTTP *http.Client
}

// StatusError is returned when the webhook answers outside 2xx.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("alert: webhook status %d", e.StatusCode)
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	client := n.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New returns a log notifier, plus a webhook when webhookURL is set.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return LogNotifier{}
	}
	return Multi{LogNotifier{}, &WebhookNotifier{URL: webhookURL}}
}

// Send stamps ev and delivers it, logging delivery failures instead of
// returning them. Callers on the close path never fail because of an alert.
func Send(ctx context.Context, n Notifier, ev Event) {
	if n == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := n.Notify(ctx, ev); err != nil {
		slog.Warn("alert delivery failed", "kind", ev.Kind, "account", ev.AccountID, "err", err)
	}
}
