package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")
	ErrExists   = errors.New("ride already exists")
	// ErrConflict means a conditional write kept losing to concurrent
	// writers until the retry budget ran out.
	ErrConflict   = errors.New("concurrent update conflict")
	ErrPermission = errors.New("permission denied")
)

// OpError records the operation and document path of a failed store call.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("failed to %s at path: %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func ridePath(id string) string { return "rides/" + id }

// Query selects rides for List and Watch. Zero fields match everything.
type Query struct {
	ID       string
	RiderID  string
	DriverID string
	Statuses []models.RideStatus
}

func (q Query) Match(r *models.Ride) bool {
	if q.ID != "" && r.ID != q.ID {
		return false
	}
	if q.RiderID != "" && r.RiderID != q.RiderID {
		return false
	}
	if q.DriverID != "" && r.DriverID != q.DriverID {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// UpdateFunc mutates a ride inside a store transaction. Returning an error
// aborts the write and the error is returned unchanged to the caller.
type UpdateFunc func(r *models.Ride) error

// RideStore is the document store the dispatch core runs on.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (models.Ride, error)
	// Update is an atomic read-assert-write: fn sees the committed record and
	// its changes are stored only if nobody else wrote in between.
	Update(ctx context.Context, id string, fn UpdateFunc) (models.Ride, error)
	List(ctx context.Context, q Query) ([]models.Ride, error)
	// Watch emits the full result set of q now and after every change. A
	// slow reader only sees the latest snapshot. The channel closes when ctx
	// ends.
	Watch(ctx context.Context, q Query) (<-chan []models.Ride, error)
}

func sortRides(rides []models.Ride) {
	sort.SliceStable(rides, func(i, j int) bool {
		if rides[i].CreatedAt.Equal(rides[j].CreatedAt) {
			return rides[i].ID < rides[j].ID
		}
		return rides[i].CreatedAt.Before(rides[j].CreatedAt)
	})
}

// offer replaces whatever snapshot is pending on ch with snap.
func offer(ch chan []models.Ride, snap []models.Ride) {
	select {
	case <-ch:
	default:
	}
	ch <- snap
}
