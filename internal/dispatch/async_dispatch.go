package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notifier closed")
)

type queued struct {
	ctx context.Context
	n   Notification
}

// Async hands notifications to a bounded queue drained by a fixed set of
// workers, so a slow delivery channel never holds up the caller. When the
// queue is full the notification is dropped.
type Async struct {
	next   Notifier
	logger *slog.Logger
	queue  chan queued

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Notifier, size, workers int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{next: next, logger: logger, queue: make(chan queued, size)}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.work()
	}
	return a
}

func (a *Async) work() {
	defer a.wg.Done()
	for q := range a.queue {
		if err := a.next.Notify(q.ctx, q.n); err != nil {
			a.logger.Debug("notification not delivered", "kind", q.n.Kind, "user_id", q.n.UserID, "err", err)
		}
	}
}

// Notify enqueues n. Delivery outlives ctx's cancellation but keeps its
// values.
func (a *Async) Notify(ctx context.Context, n Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), n: n}:
		return nil
	default:
		observability.Notifications.WithLabelValues(string(n.Kind), "dropped").Inc()
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
