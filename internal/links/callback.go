package links

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// CallbackStatus is the connect outcome reported to the webhook.
type CallbackStatus string

const (
	CallbackSuccess   CallbackStatus = "success"
	CallbackCancelled CallbackStatus = "cancelled"
	CallbackError     CallbackStatus = "error"
)

// CallbackRetryIntervals are the delays before each delivery attempt.
var CallbackRetryIntervals = []time.Duration{0, 60 * time.Second, 300 * time.Second, 1800 * time.Second}

// ClientInfo identifies the calling client in the callback payload.
type ClientInfo struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// CallbackPayload is posted to the webhook after a connect attempt.
// The key never leaves the machine; only its 7-char prefix does.
type CallbackPayload struct {
	Event        string         `json:"event"`
	Status       CallbackStatus `json:"status"`
	RelayID      string         `json:"relay_id"`
	Ref          string         `json:"ref,omitempty"`
	KeyPrefix    string         `json:"key_prefix"`
	Timestamp    time.Time      `json:"timestamp"`
	Client       ClientInfo     `json:"client"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// NewCallbackPayload builds the payload for a parsed connect link.
func NewCallbackPayload(p ConnectPayload, status CallbackStatus, client ClientInfo, now time.Time) CallbackPayload {
	return CallbackPayload{
		Event:     "connect",
		Status:    status,
		RelayID:   p.Relay,
		Ref:       p.RefCode,
		KeyPrefix: p.KeyPrefix(),
		Timestamp: now,
		Client:    client,
	}
}

// Notifier delivers callback payloads with the fixed retry ladder.
type Notifier struct {
	client *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewNotifier builds a notifier. httpClient may be nil.
func NewNotifier(httpClient *http.Client, logger *slog.Logger) *Notifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client: httpClient,
		logger: logger.With("component", "links"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Notify posts the payload to webhookURL, which must be HTTPS. Each
// failed attempt waits for the next retry interval; the last error is
// returned after the ladder is exhausted.
func (n *Notifier) Notify(ctx context.Context, webhookURL string, payload CallbackPayload) error {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook url must be https, got %q", u.Scheme)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	var lastErr error
	for attempt, wait := range CallbackRetryIntervals {
		if err := n.sleep(ctx, wait); err != nil {
			return err
		}
		lastErr = n.post(ctx, webhookURL, body)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn("webhook delivery failed",
			"attempt", attempt+1, "relay", payload.RelayID, "error", lastErr)
	}
	return fmt.Errorf("webhook delivery exhausted retries: %w", lastErr)
}

func (n *Notifier) post(ctx context.Context, webhookURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
