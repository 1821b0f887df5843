// Package dispatch is the notification surface: transient, fire-and-forget
// status events for rider and driver apps.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type Kind string

const (
	KindCandidate        Kind = "candidate_presented"
	KindAccepted         Kind = "ride_accepted"
	KindStarted          Kind = "ride_started"
	KindCancelled        Kind = "ride_cancelled"
	KindCompleted        Kind = "ride_completed"
	KindDisputed         Kind = "ride_disputed"
	KindOTPInvalid       Kind = "otp_invalid"
	KindCouldNotAccept   Kind = "could_not_accept"
	KindLocationError    Kind = "location_error"
	KindRequestFailed    Kind = "request_failed"
	KindMissingLocations Kind = "missing_locations"
	KindError            Kind = "error"
)

type Notification struct {
	Kind    Kind      `json:"kind"`
	UserID  string    `json:"user_id"`
	RideID  string    `json:"ride_id,omitempty"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier delivers a notification. Errors are informational; callers log
// them and carry on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes every notification to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"kind", n.Kind,
		"user_id", n.UserID,
		"ride_id", n.RideID,
		"title", n.Title,
		"message", n.Message,
	)
	observability.Notifications.WithLabelValues(string(n.Kind), "log").Inc()
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Recorder keeps notifications in memory, in arrival order.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// For returns the notifications addressed to userID.
func (r *Recorder) For(userID string) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// Kinds lists the kinds sent to userID.
func (r *Recorder) Kinds(userID string) []Kind {
	var out []Kind
	for _, n := range r.For(userID) {
		out = append(out, n.Kind)
	}
	return out
}
