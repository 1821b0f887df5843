package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// WebhookNotifier delivers over a live WebSocket when the user has one and
// otherwise POSTs the notification as JSON to Endpoint.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewWebhookNotifier(endpoint string, ws *WSRegistry) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if p.WS != nil {
		if err := p.WS.Notify(ctx, n); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	observability.Notifications.WithLabelValues(string(n.Kind), "webhook").Inc()
	return nil
}
