// Package webhook notifies an operator-configured HTTP endpoint of
// account and API-key lifecycle events: an account quarantined after a
// failed refresh, an account marked rate limited, a key exhausting its
// quota. Delivery is best-effort and asynchronous — a slow or unreachable
// endpoint never blocks the relay path that raised the event.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// EventType names the kind of lifecycle event being notified.
type EventType string

const (
	EventAccountQuarantined EventType = "account.quarantined"
	EventAccountRateLimited EventType = "account.rate_limited"
	EventKeyQuotaExhausted  EventType = "key.quota_exhausted"
	EventKeyDisabled        EventType = "key.disabled"
)

// Event is the JSON payload POSTed to the configured webhook URL.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Notifier delivers Events to one configured URL over HTTP POST.
type Notifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// New builds a Notifier. An empty url produces a Notifier whose Notify
// calls are no-ops, so callers can construct one unconditionally and let
// configuration decide whether it actually delivers anything.
func New(url string, timeout time.Duration, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Notify delivers ev to the configured endpoint in its own goroutine,
// logging (never returning) a delivery failure. It returns immediately.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if n == nil || n.url == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	go func() {
		deliverCtx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
		defer cancel()
		if err := n.deliver(deliverCtx, ev); err != nil {
			n.log.Warn("webhook: delivery failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
		}
	}()
	_ = ctx // the caller's context is not propagated: delivery must outlive a cancelled request context
}

// NotifyAccountQuarantined implements account.LifecycleNotifier.
func (n *Notifier) NotifyAccountQuarantined(ctx context.Context, accountID string, cause error) {
	data := map[string]any{"account_id": accountID}
	if cause != nil {
		data["cause"] = cause.Error()
	}
	n.Notify(ctx, Event{Type: EventAccountQuarantined, Data: data})
}

// NotifyAccountRateLimited implements account.LifecycleNotifier.
func (n *Notifier) NotifyAccountRateLimited(ctx context.Context, accountID string, until time.Time) {
	n.Notify(ctx, Event{Type: EventAccountRateLimited, Data: map[string]any{
		"account_id": accountID,
		"until":      until.UTC(),
	}})
}

// NotifyKeyQuotaExhausted implements apikey.LifecycleNotifier.
func (n *Notifier) NotifyKeyQuotaExhausted(ctx context.Context, keyID, limitKind string) {
	n.Notify(ctx, Event{Type: EventKeyQuotaExhausted, Data: map[string]any{
		"key_id": keyID,
		"limit":  limitKind,
	}})
}

func (n *Notifier) deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "relaygate-webhook")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
