// Package notifier provides the concrete HumanRequest listeners wired into
// the Human Request Store: an outbound webhook POST and, separately, the
// dashboard event hub (see internal/orchestrator/events).
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/d8ops/controlplane/internal/model"
)

// webhookPayload is the JSON body sent to the configured webhook URL on
// HumanRequest creation.
type webhookPayload struct {
	Type        string  `json:"type"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	RequestID   string  `json:"request_id"`
	Priority    int     `json:"priority"`
	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

// Webhook delivers HumanRequest creation events via an outbound HTTP POST.
// Optionally signs the body with HMAC-SHA256 when a secret is configured.
type Webhook struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhook builds a Webhook notifier. An empty url makes Notify a no-op,
// matching the "absence of a listener does not fail the create" contract.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		secret: secret,
	}
}

// Notify implements humanrequests.Notifier.
func (w *Webhook) Notify(ctx context.Context, req model.HumanRequest) error {
	if w.url == "" {
		return nil
	}

	data, err := json.Marshal(webhookPayload{
		Type:          string(req.Type),
		Title:         req.Title,
		Description:   req.Description,
		RequestID:     req.RequestID,
		Priority:      req.Priority,
		EstimatedCost: req.EstimatedCost,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("notifier: marshal webhook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("notifier: build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "controlplane-webhook/1.0")

	if w.secret != "" {
		httpReq.Header.Set("X-Controlplane-Signature", "sha256="+hmacSHA256(data, w.secret))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("notifier: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: webhook returned non-2xx status %d", resp.StatusCode)
	}
	return nil
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Multi fans a notification out to several Notifiers, continuing past
// individual failures and returning the first error encountered (if any)
// after all have been attempted.
type Multi []interface {
	Notify(ctx context.Context, req model.HumanRequest) error
}

func (m Multi) Notify(ctx context.Context, req model.HumanRequest) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, req); err != nil && first == nil {
			first = err
		}
	}
	return first
}
