package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Alert kinds.
const (
	KindQualityCritical = "quality_critical"
	KindProbeAlert      = "probe_alert"
)

// AlertMessage represents a notification payload.
type AlertMessage struct {
	Kind            string    `json:"kind"`
	PivotID         string    `json:"pivot_id"`
	SessionID       string    `json:"session_id"`
	RunID           string    `json:"run_id"`
	Reason          string    `json:"reason,omitempty"`
	DisconnectedPct float64   `json:"disconnected_pct,omitempty"`
	TimeoutStreak   int       `json:"timeout_streak,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, msg AlertMessage) error
}

// WebhookNotifier sends alerts via webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string       `json:"msgtype"`
	Text    webhookText  `json:"text"`
	Alert   AlertMessage `json:"alert"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends an alert to webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, msg AlertMessage) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: formatAlertMessage(msg)},
		Alert:   msg,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: status %d", resp.StatusCode)
	}
	return nil
}

func formatAlertMessage(msg AlertMessage) string {
	var b strings.Builder
	switch msg.Kind {
	case KindQualityCritical:
		b.WriteString("[Pivot Alert] quality critical\n")
	case KindProbeAlert:
		b.WriteString("[Pivot Alert] probe timeouts\n")
	default:
		b.WriteString("[Pivot Alert]\n")
	}
	fmt.Fprintf(&b, "Pivot: %s\n", msg.PivotID)
	if msg.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", msg.RunID)
	}
	if msg.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", msg.SessionID)
	}
	if msg.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", msg.Reason)
	}
	if msg.Kind == KindQualityCritical {
		fmt.Fprintf(&b, "Disconnected: %.1f%%\n", msg.DisconnectedPct)
	}
	if msg.TimeoutStreak > 0 {
		fmt.Fprintf(&b, "Consecutive timeouts: %d\n", msg.TimeoutStreak)
	}
	if !msg.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "At: %s\n", msg.OccurredAt.UTC().Format(time.RFC3339))
	}
	return strings.TrimSpace(b.String())
}
