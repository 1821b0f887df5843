// Package ride holds the ride state machine and the store-backed service
// that drives it.
//
// Transition functions either apply completely or return an error with the
// ride left untouched, so they can run inside a store's read-modify-write.
package ride

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/otp"
)

var (
	// ErrRideTaken means the claim lost: the ride is no longer Requested or
	// already has a driver.
	ErrRideTaken         = errors.New("ride already taken by another driver")
	ErrInvalidTransition = errors.New("invalid ride transition")
	ErrTerminal          = errors.New("ride is in a terminal state")
	ErrNotParticipant    = errors.New("actor is not a participant of this ride")
)

func transitionError(r *models.Ride, to models.RideStatus) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminal, r.Status, to)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
}

func stamp(t time.Time) *time.Time { return &t }

// Claim binds the driver to a Requested ride and stores the pickup code.
func Claim(r *models.Ride, driverID, driverName string, code int, now time.Time) error {
	if driverID == "" || driverName == "" {
		return errors.New("driver id and name are required")
	}
	if code < otp.Min || code > otp.Max {
		return fmt.Errorf("otp %d out of range", code)
	}
	if r.Status != models.StatusRequested || r.Claimed() {
		return ErrRideTaken
	}
	r.Status = models.StatusAccepted
	r.DriverID = driverID
	r.DriverName = driverName
	r.OTP = code
	r.AcceptedAt = stamp(now)
	return nil
}

// Start moves an Accepted ride to InProgress once the assigned driver
// presents the rider's code. A wrong code returns otp.ErrInvalid.
func Start(r *models.Ride, driverID, code string, now time.Time) error {
	if r.Status != models.StatusAccepted {
		return transitionError(r, models.StatusInProgress)
	}
	if r.DriverID != driverID {
		return ErrNotParticipant
	}
	if err := otp.Verify(r.OTP, code); err != nil {
		return err
	}
	r.Status = models.StatusInProgress
	r.RideStartedAt = stamp(now)
	return nil
}

func Complete(r *models.Ride, driverID string, now time.Time) error {
	if r.Status != models.StatusInProgress {
		return transitionError(r, models.StatusCompleted)
	}
	if r.DriverID != driverID {
		return ErrNotParticipant
	}
	r.Status = models.StatusCompleted
	r.CompletedAt = stamp(now)
	return nil
}

// Cancel aborts a ride. Before the claim only the rider may cancel; once
// Accepted either the rider or the assigned driver may.
func Cancel(r *models.Ride, actorID string, now time.Time) error {
	switch r.Status {
	case models.StatusRequested:
		if actorID != r.RiderID {
			return ErrNotParticipant
		}
	case models.StatusAccepted:
		if actorID != r.RiderID && actorID != r.DriverID {
			return ErrNotParticipant
		}
	default:
		return transitionError(r, models.StatusCancelled)
	}
	r.Status = models.StatusCancelled
	r.CancelledAt = stamp(now)
	return nil
}

// Dispute is the administrative path out of InProgress. No rider or driver
// flow calls it.
func Dispute(r *models.Ride, now time.Time) error {
	if r.Status != models.StatusInProgress {
		return transitionError(r, models.StatusDisputed)
	}
	r.Status = models.StatusDisputed
	r.DisputedAt = stamp(now)
	return nil
}
