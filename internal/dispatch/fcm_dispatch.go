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

// FCMNotifier posts to an FCM HTTP v1 send endpoint, addressing each user
// through the topic "user-<id>" that their devices subscribe to.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmMessage struct {
	Message struct {
		Topic        string            `json:"topic"`
		Notification fcmNotification   `json:"notification"`
		Data         map[string]string `json:"data"`
	} `json:"message"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (f *FCMNotifier) Notify(ctx context.Context, n Notification) error {
	var body fcmMessage
	body.Message.Topic = "user-" + n.UserID
	body.Message.Notification = fcmNotification{Title: n.Title, Body: n.Message}
	body.Message.Data = map[string]string{"kind": string(n.Kind), "ride_id": n.RideID}

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm: unexpected status %d", resp.StatusCode)
	}
	observability.Notifications.WithLabelValues(string(n.Kind), "fcm").Inc()
	return nil
}
