package matcher

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// northOf returns a point km kilometres due north of the origin.
func northOf(km float64) models.Place {
	return models.Place{Lat: km / geo.EarthRadiusKm * 180 / math.Pi, Lon: 0}
}

func ride(id string, pickup models.Place, created time.Time) models.Ride {
	return models.Ride{
		ID:          id,
		RiderID:     "rider-" + id,
		Pickup:      pickup,
		VehicleType: models.VehicleSedan,
		Status:      models.StatusRequested,
		CreatedAt:   created,
	}
}

func online(rides ...models.Ride) State {
	s := NewState(0)
	s = Reduce(s, WentOnline{At: t0})
	s = Reduce(s, PositionChanged{Position: models.Coord{}})
	return Reduce(s, RidesChanged{Rides: rides})
}

func current(t *testing.T, s State) string {
	t.Helper()
	c, ok := Current(s)
	if !ok {
		return ""
	}
	return c.Ride.ID
}

func TestNewStateDefaultsRadius(t *testing.T) {
	assert.Equal(t, DefaultRadiusKm, NewState(0).RadiusKm)
	assert.Equal(t, 5.0, NewState(5).RadiusKm)
}

func TestFreshnessFloor(t *testing.T) {
	s := online(
		ride("stale", northOf(1), t0.Add(-time.Second)),
		ride("exact", northOf(2), t0),
		ride("fresh", northOf(3), t0.Add(time.Minute)),
	)
	ids := []string{}
	for _, c := range s.Candidates {
		ids = append(ids, c.Ride.ID)
	}
	assert.Equal(t, []string{"exact", "fresh"}, ids)
	assert.Equal(t, "exact", current(t, s))
}

func TestRadiusBoundary(t *testing.T) {
	s := online(
		ride("inside", northOf(19.9999), t0),
		ride("outside", northOf(20.0001), t0),
	)
	require.Len(t, s.Candidates, 1)
	assert.Equal(t, "inside", s.Candidates[0].Ride.ID)
	assert.InDelta(t, 19.9999, s.Candidates[0].DistanceKm, 1e-6)
}

func TestSortedClosestFirst(t *testing.T) {
	s := online(
		ride("far", northOf(9), t0),
		ride("near", northOf(1), t0),
		ride("mid", northOf(4), t0),
	)
	require.Len(t, s.Candidates, 3)
	assert.Equal(t, "near", s.Candidates[0].Ride.ID)
	assert.Equal(t, "mid", s.Candidates[1].Ride.ID)
	assert.Equal(t, "far", s.Candidates[2].Ride.ID)
}

func TestSkipsClaimedAndNonRequested(t *testing.T) {
	claimed := ride("claimed", northOf(1), t0)
	claimed.DriverID, claimed.DriverName = "drv-9", "Other"
	done := ride("done", northOf(1), t0)
	done.Status = models.StatusCancelled

	s := online(claimed, done, ride("ok", northOf(2), t0))
	require.Len(t, s.Candidates, 1)
	assert.Equal(t, "ok", current(t, s))
}

func TestRejectionCursor(t *testing.T) {
	s := online(
		ride("a", northOf(1), t0),
		ride("b", northOf(2), t0),
		ride("c", northOf(3), t0),
	)
	assert.Equal(t, "a", current(t, s))

	s = Reduce(s, Rejected{RideID: "a"})
	assert.Equal(t, 1, s.Cursor)
	assert.Equal(t, "b", current(t, s))

	s = Reduce(s, Rejected{RideID: "b"})
	assert.Equal(t, "c", current(t, s))
	assert.Empty(t, s.Rejected)

	s = Reduce(s, Rejected{RideID: "c"})
	assert.Contains(t, s.Rejected, "c")
	assert.Len(t, s.Candidates, 2)
	assert.Equal(t, 0, s.Cursor)
	assert.Equal(t, "a", current(t, s))
}

func TestTimeoutAdvancesLikeReject(t *testing.T) {
	s := online(ride("a", northOf(1), t0), ride("b", northOf(2), t0))
	s = Reduce(s, TimedOut{RideID: "a"})
	assert.Equal(t, "b", current(t, s))
	s = Reduce(s, TimedOut{RideID: "b"})
	assert.Equal(t, "a", current(t, s))
	assert.Contains(t, s.Rejected, "b")
}

func TestStaleDecisionIgnored(t *testing.T) {
	s := online(ride("a", northOf(1), t0), ride("b", northOf(2), t0))
	before := s
	s = Reduce(s, TimedOut{RideID: "b"})
	assert.Equal(t, before.Cursor, s.Cursor)
	assert.Equal(t, "a", current(t, s))
	assert.Empty(t, s.Rejected)
}

func TestSingleCandidateRejectedLeavesNothing(t *testing.T) {
	s := online(ride("a", northOf(1), t0))
	s = Reduce(s, Rejected{RideID: "a"})
	_, ok := Current(s)
	assert.False(t, ok)
	assert.Empty(t, s.Candidates)
}

func TestOfflineOrUnknownPositionIsEmpty(t *testing.T) {
	rides := []models.Ride{ride("a", northOf(1), t0)}

	s := NewState(0)
	s = Reduce(s, RidesChanged{Rides: rides})
	s = Reduce(s, WentOnline{At: t0})
	_, ok := Current(s)
	assert.False(t, ok, "no position yet")

	s = Reduce(s, PositionChanged{Position: models.Coord{}})
	assert.Equal(t, "a", current(t, s))

	s = Reduce(s, PositionLost{})
	assert.Empty(t, s.Candidates)

	s = Reduce(s, PositionChanged{Position: models.Coord{}})
	s = Reduce(s, WentOffline{})
	assert.Empty(t, s.Candidates)
	assert.Nil(t, s.Position)
	_, ok = Current(s)
	assert.False(t, ok)
}

func TestDisplayedRideDisappearsResetsCursor(t *testing.T) {
	a, b, c := ride("a", northOf(1), t0), ride("b", northOf(2), t0), ride("c", northOf(3), t0)
	s := online(a, b, c)
	s = Reduce(s, Rejected{RideID: "a"})
	s = Reduce(s, Rejected{RideID: "b"})
	require.Equal(t, "c", current(t, s))

	// another driver claims c
	s = Reduce(s, RidesChanged{Rides: []models.Ride{a, b}})
	assert.Equal(t, 0, s.Cursor)
	assert.Equal(t, "a", current(t, s))
}

func TestDisplayedRideFollowedWhenListShifts(t *testing.T) {
	a, b, c := ride("a", northOf(1), t0), ride("b", northOf(2), t0), ride("c", northOf(3), t0)
	s := online(a, b, c)
	s = Reduce(s, Rejected{RideID: "a"})
	require.Equal(t, "b", current(t, s))

	// a closer ride arrives; the driver keeps looking at b
	s = Reduce(s, RidesChanged{Rides: []models.Ride{ride("z", northOf(0.5), t0), a, b, c}})
	assert.Equal(t, "b", current(t, s))
	assert.Equal(t, 2, s.Cursor)
}

func TestClaimFailedMovesOn(t *testing.T) {
	s := online(ride("a", northOf(1), t0), ride("b", northOf(2), t0))
	s = Reduce(s, ClaimFailed{RideID: "a"})
	assert.Contains(t, s.Rejected, "a")
	assert.Equal(t, "b", current(t, s))
}

func TestClaimSucceededHidesCandidatesUntilReset(t *testing.T) {
	s := online(ride("a", northOf(1), t0), ride("b", northOf(2), t0))
	s = Reduce(s, Rejected{RideID: "a"})
	s = Reduce(s, Rejected{RideID: "b"})
	require.Contains(t, s.Rejected, "b")

	s = Reduce(s, ClaimSucceeded{RideID: "a"})
	assert.Equal(t, "a", s.Active)
	_, ok := Current(s)
	assert.False(t, ok)

	s = Reduce(s, Reset{})
	assert.Empty(t, s.Active)
	assert.Empty(t, s.Rejected)
	assert.Equal(t, "a", current(t, s))
	assert.Len(t, s.Candidates, 2)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s := online(ride("a", northOf(1), t0))
	next := Reduce(s, Rejected{RideID: "a"})
	assert.Contains(t, next.Rejected, "a")
	assert.NotContains(t, s.Rejected, "a")
}

func TestBangaloreScenario(t *testing.T) {
	r := ride("blr", models.Place{Lat: 12.97, Lon: 77.59, DisplayName: "MG Road"}, t0.Add(time.Minute))
	s := NewState(0)
	s = Reduce(s, WentOnline{At: t0})
	s = Reduce(s, PositionChanged{Position: models.Coord{Lat: 12.975, Lon: 77.585}})
	s = Reduce(s, RidesChanged{Rides: []models.Ride{r}})

	c, ok := Current(s)
	require.True(t, ok)
	assert.Equal(t, "blr", c.Ride.ID)
	assert.Less(t, c.DistanceKm, DefaultRadiusKm)
}
