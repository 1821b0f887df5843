package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a geocoded point with the text shown to users.
type Place struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	DisplayName string  `json:"display_name"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lon: p.Lon} }

type RideStatus string

const (
	StatusRequested  RideStatus = "Requested"
	StatusAccepted   RideStatus = "Accepted"
	StatusInProgress RideStatus = "In Progress"
	StatusCompleted  RideStatus = "Completed"
	StatusCancelled  RideStatus = "Cancelled"
	StatusDisputed   RideStatus = "Disputed"
)

func (s RideStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDisputed
}

type VehicleType string

const (
	VehicleSedan     VehicleType = "Sedan"
	VehicleSUV       VehicleType = "SUV"
	VehicleLuxury    VehicleType = "Luxury"
	VehicleHatchback VehicleType = "Hatchback"
	VehicleMinivan   VehicleType = "Minivan"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleSedan, VehicleSUV, VehicleLuxury, VehicleHatchback, VehicleMinivan:
		return true
	}
	return false
}

// Ride is the request record shared by rider and driver. Empty DriverID and
// DriverName mean the ride is unclaimed; OTP is zero until the claim.
type Ride struct {
	ID          string      `json:"id"`
	RiderID     string      `json:"rider_id"`
	RiderName   string      `json:"rider_name"`
	DriverID    string      `json:"driver_id,omitempty"`
	DriverName  string      `json:"driver_name,omitempty"`
	Pickup      Place       `json:"pickup"`
	Dropoff     Place       `json:"dropoff"`
	Fare        float64     `json:"fare"`
	VehicleType VehicleType `json:"vehicle_type"`
	Status      RideStatus  `json:"status"`
	OTP         int         `json:"otp,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	RideStartedAt *time.Time `json:"ride_started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	DisputedAt    *time.Time `json:"disputed_at,omitempty"`

	Version int64 `json:"-"`
}

// Claimed reports whether a driver has been bound to the ride.
func (r *Ride) Claimed() bool { return r.DriverID != "" }

// Validate checks the record-level invariants every persisted ride must hold.
func (r *Ride) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if r.RiderID == "" {
		errs = append(errs, errors.New("rider_id is required"))
	}
	if !r.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", r.Status))
	}
	if !r.VehicleType.Valid() {
		errs = append(errs, fmt.Errorf("unknown vehicle type %q", r.VehicleType))
	}
	if (r.DriverID == "") != (r.DriverName == "") {
		errs = append(errs, errors.New("driver_id and driver_name must be set together"))
	}
	if math.IsNaN(r.Fare) || math.IsInf(r.Fare, 0) || r.Fare < 0 {
		errs = append(errs, fmt.Errorf("invalid fare %v", r.Fare))
	}
	switch {
	case r.Status == StatusRequested && (r.OTP != 0 || r.Claimed()):
		errs = append(errs, errors.New("requested ride cannot carry a driver or otp"))
	case r.Status == StatusAccepted || r.Status == StatusInProgress || r.Status == StatusCompleted:
		if !r.Claimed() || r.OTP == 0 {
			errs = append(errs, fmt.Errorf("%s ride requires a driver and otp", r.Status))
		}
	}
	return errors.Join(errs...)
}

// SanitizeFare coerces NaN, infinite and negative amounts to zero so they
// never reach a persisted record.
func SanitizeFare(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

// DriverLocation is the current position of one online driver. It is
// overwritten on every update; UpdatedAt is the freshness signal.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Geohash   string    `json:"geohash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l DriverLocation) Coord() Coord { return Coord{Lat: l.Lat, Lon: l.Lon} }

// Fresh reports whether the location was updated within maxAge of now.
func (l DriverLocation) Fresh(now time.Time, maxAge time.Duration) bool {
	return !l.UpdatedAt.IsZero() && now.Sub(l.UpdatedAt) <= maxAge
}
