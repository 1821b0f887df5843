package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geocode"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	t0       = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	onlineAt = t0.Add(-time.Hour).Format(time.RFC3339)
	rider    = auth.Identity{ID: "rider-1", Name: "Asha", Role: auth.RoleRider}
	drv1     = auth.Identity{ID: "drv-1", Name: "Ravi", Role: auth.RoleDriver}
	drv2     = auth.Identity{ID: "drv-2", Name: "Kiran", Role: auth.RoleDriver}
	admin    = auth.Identity{ID: "adm-1", Name: "Ops", Role: auth.RoleAdmin}

	bangaloreTrip = ride.RequestInput{
		Pickup:      models.Place{Lat: 12.97, Lon: 77.59, DisplayName: "MG Road"},
		Dropoff:     models.Place{Lat: 12.93, Lon: 77.61, DisplayName: "Koramangala"},
		VehicleType: models.VehicleSedan,
	}
)

type stubGeocoder struct{ places []models.Place }

func (s stubGeocoder) Search(_ context.Context, q geocode.Query) ([]models.Place, error) {
	if len(s.places) == 0 {
		return nil, geocode.ErrNoResults
	}
	return s.places, nil
}

type stubRouter struct{}

func (stubRouter) Route(_ context.Context, from, to models.Coord) (routing.Route, error) {
	return routing.Route{Points: []models.Coord{from, to}, DistanceKm: 6.1, DurationSec: 900, Provider: "stub"}, nil
}

type harness struct {
	t    *testing.T
	srv  *Server
	feed *location.MemoryFeed
	ws   *dispatch.WSRegistry
}

func newHarness(t *testing.T, geocoder geocode.Geocoder, router routing.Router) *harness {
	t.Helper()
	ws := dispatch.NewWSRegistry()
	svc := ride.NewService(storage.NewMemoryStore(),
		ride.WithClock(clock.Fake(t0)),
		ride.WithNotifier(ws),
		ride.WithLogger(logging.Discard()),
		ride.WithOTPGenerator(func() (int, error) { return 4821, nil }),
	)
	feed := location.NewMemoryFeed()
	srv := NewServer(Deps{
		Rides:    svc,
		Feed:     feed,
		Auth:     auth.New("", 0),
		Geocoder: geocoder,
		Router:   router,
		WS:       ws,
		Logger:   logging.Discard(),
	})
	return &harness{t: t, srv: srv, feed: feed, ws: ws}
}

func (h *harness) do(as *auth.Identity, method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if as != nil {
		req.Header.Set(auth.HeaderUserID, as.ID)
		req.Header.Set(auth.HeaderUserName, as.Name)
		req.Header.Set(auth.HeaderUserRole, string(as.Role))
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeRide(t *testing.T, rec *httptest.ResponseRecorder) models.Ride {
	t.Helper()
	var r models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r), rec.Body.String())
	return r
}

func TestAccessLogNamesCaller(t *testing.T) {
	h := newHarness(t, nil, nil)
	var logs bytes.Buffer
	h.srv.logger = logging.New(&logs, "info")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rides", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set(auth.HeaderUserID, rider.ID)
	req.Header.Set(auth.HeaderUserRole, string(rider.Role))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry), logs.String())
	assert.Equal(t, "http_request", entry["msg"])
	assert.Equal(t, "/api/v1/rides", entry["route"])
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "rider-1", entry["user_id"])
	assert.Equal(t, "rider", entry["role"])

	// health checks stay below info
	logs.Reset()
	h.do(nil, http.MethodGet, "/healthz", nil)
	assert.Empty(t, logs.String())
}

func TestAccessLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, accessLevel("/healthz", http.StatusOK))
	assert.Equal(t, slog.LevelInfo, accessLevel("/api/v1/rides", http.StatusCreated))
	assert.Equal(t, slog.LevelWarn, accessLevel("/api/v1/rides", http.StatusConflict))
	assert.Equal(t, slog.LevelError, accessLevel("/healthz", http.StatusInternalServerError))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.do(nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ride_dispatch_http_requests_total")
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.do(nil, http.MethodGet, "/api/v1/rides", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQuote(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.do(&rider, http.MethodPost, "/api/v1/quotes", quoteRequest{Pickup: bangaloreTrip.Pickup, Dropoff: bangaloreTrip.Dropoff})
	require.Equal(t, http.StatusOK, rec.Code)
	var q quoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	require.Len(t, q.Options, 3)
	assert.Equal(t, models.VehicleSedan, q.Options[0].VehicleType)
	assert.InDelta(t, 50+12*q.DistanceKm, q.Options[0].Fare, 0.01)

	rec = h.do(&rider, http.MethodPost, "/api/v1/quotes", quoteRequest{
		Pickup: bangaloreTrip.Pickup, Dropoff: bangaloreTrip.Dropoff, VehicleType: "Boat",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRideLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)

	rec := h.do(&rider, http.MethodPost, "/api/v1/rides", bangaloreTrip)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeRide(t, rec)
	assert.Equal(t, models.StatusRequested, created.Status)
	base := "/api/v1/rides/" + created.ID

	// the driver at (12.975, 77.585) sees it as a candidate
	rec = h.do(&drv1, http.MethodGet, "/api/v1/drivers/me/candidates?lat=12.975&lon=77.585&since="+onlineAt, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cands []matcher.Candidate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cands))
	require.Len(t, cands, 1)
	assert.Equal(t, created.ID, cands[0].Ride.ID)
	assert.Less(t, cands[0].DistanceKm, 20.0)

	rec = h.do(&drv1, http.MethodPost, base+"/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claimed := decodeRide(t, rec)
	assert.Equal(t, drv1.ID, claimed.DriverID)
	assert.Zero(t, claimed.OTP, "driver must not see the code")

	rec = h.do(&drv2, http.MethodPost, base+"/claim", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(&rider, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4821, decodeRide(t, rec).OTP)

	rec = h.do(&drv2, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(&drv1, http.MethodPost, base+"/start", startRequest{OTP: "1234"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(&drv2, http.MethodPost, base+"/start", startRequest{OTP: "4821"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(&drv1, http.MethodPost, base+"/start", startRequest{OTP: "4821"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusInProgress, decodeRide(t, rec).Status)

	rec = h.do(&rider, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(&drv1, http.MethodPost, base+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCompleted, decodeRide(t, rec).Status)

	rec = h.do(&rider, http.MethodGet, "/api/v1/rides?status=Completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, created.ID, mine[0].ID)
}

func TestRolesAndDispute(t *testing.T) {
	h := newHarness(t, nil, nil)
	created := decodeRide(t, h.do(&rider, http.MethodPost, "/api/v1/rides", bangaloreTrip))
	base := "/api/v1/rides/" + created.ID

	assert.Equal(t, http.StatusForbidden, h.do(&rider, http.MethodPost, base+"/claim", nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(&drv1, http.MethodPost, "/api/v1/rides", bangaloreTrip).Code)

	require.Equal(t, http.StatusOK, h.do(&drv1, http.MethodPost, base+"/claim", nil).Code)
	require.Equal(t, http.StatusOK, h.do(&drv1, http.MethodPost, base+"/start", startRequest{OTP: "4821"}).Code)

	dispute := "/api/v1/admin/rides/" + created.ID + "/dispute"
	assert.Equal(t, http.StatusForbidden, h.do(&rider, http.MethodPost, dispute, disputeRequest{Reason: "fare"}).Code)
	rec := h.do(&admin, http.MethodPost, dispute, disputeRequest{Reason: "fare"})
	require.Equal(t, http.StatusOK, rec.Code)
	disputed := decodeRide(t, rec)
	assert.Equal(t, models.StatusDisputed, disputed.Status)
	assert.Equal(t, 4821, disputed.OTP)

	assert.Equal(t, http.StatusConflict, h.do(&admin, http.MethodPost, dispute, disputeRequest{}).Code)
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.do(&rider, http.MethodPost, "/api/v1/rides", `{"pickup":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body.Error, "invalid body"))

	rec = h.do(&rider, http.MethodPost, "/api/v1/rides", ride.RequestInput{Pickup: bangaloreTrip.Pickup, VehicleType: models.VehicleSedan})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusNotFound, h.do(&rider, http.MethodGet, "/api/v1/rides/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(&rider, http.MethodGet, "/api/v1/rides?status=Lost", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(&rider, http.MethodGet, "/api/v1/drivers/nearby?lat=91&lon=0", nil).Code)
}

func TestDriverLocation(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.do(&drv1, http.MethodPut, "/api/v1/drivers/me/location", locationRequest{Lat: 12.975, Lon: 77.585})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusForbidden, h.do(&rider, http.MethodPut, "/api/v1/drivers/me/location", locationRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(&drv1, http.MethodPut, "/api/v1/drivers/me/location", locationRequest{Lat: 100}).Code)

	rec = h.do(&rider, http.MethodGet, "/api/v1/drivers/drv-1/location", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var loc models.DriverLocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loc))
	assert.Equal(t, 12.975, loc.Lat)
	assert.Equal(t, http.StatusNotFound, h.do(&rider, http.MethodGet, "/api/v1/drivers/drv-9/location", nil).Code)

	rec = h.do(&rider, http.MethodGet, "/api/v1/drivers/nearby?lat=12.97&lon=77.59&radius_km=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var near []location.Nearby
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &near))
	require.Len(t, near, 1)
	assert.Equal(t, "drv-1", near[0].Location.DriverID)

	rec = h.do(&rider, http.MethodGet, "/api/v1/drivers/nearby?lat=12.97&lon=77.59&max_age=1m", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &near))
	assert.Len(t, near, 1)
	assert.Equal(t, http.StatusBadRequest, h.do(&rider, http.MethodGet, "/api/v1/drivers/nearby?lat=12.97&lon=77.59&max_age=soon", nil).Code)

	// candidates default to the published position
	created := decodeRide(t, h.do(&rider, http.MethodPost, "/api/v1/rides", bangaloreTrip))
	rec = h.do(&drv1, http.MethodGet, "/api/v1/drivers/me/candidates?since="+onlineAt+"&exclude="+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
	assert.Equal(t, http.StatusNotFound, h.do(&drv2, http.MethodGet, "/api/v1/drivers/me/candidates?since="+onlineAt, nil).Code)

	// rides from before the driver went online are never offered
	assert.Equal(t, http.StatusBadRequest, h.do(&drv1, http.MethodGet, "/api/v1/drivers/me/candidates", nil).Code)
	later := t0.Add(time.Minute).Format(time.RFC3339)
	rec = h.do(&drv1, http.MethodGet, "/api/v1/drivers/me/candidates?since="+later, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
	rec = h.do(&drv1, http.MethodGet, "/api/v1/drivers/me/candidates?since="+onlineAt, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cands []matcher.Candidate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cands))
	assert.Len(t, cands, 1)
}

func TestGeocodeAndRoute(t *testing.T) {
	h := newHarness(t, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(&rider, http.MethodGet, "/api/v1/geocode?q=mg", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(&rider, http.MethodGet, "/api/v1/route?from=1,2&to=3,4", nil).Code)

	h = newHarness(t, stubGeocoder{places: []models.Place{bangaloreTrip.Pickup}}, stubRouter{})
	rec := h.do(&rider, http.MethodGet, "/api/v1/geocode?q=MG+Road&lat=12.97&lon=77.59", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MG Road")
	assert.Equal(t, http.StatusBadRequest, h.do(&rider, http.MethodGet, "/api/v1/geocode?q=", nil).Code)

	rec = h.do(&rider, http.MethodGet, "/api/v1/route?from=12.97,77.59&to=12.93,77.61", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var route routing.Route
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &route))
	assert.Equal(t, "stub", route.Provider)
	assert.Equal(t, http.StatusBadRequest, h.do(&rider, http.MethodGet, "/api/v1/route?from=12.97&to=1,2", nil).Code)

	h = newHarness(t, stubGeocoder{}, stubRouter{})
	assert.Equal(t, http.StatusNotFound, h.do(&rider, http.MethodGet, "/api/v1/geocode?q=nowhere", nil).Code)
}

func TestWebSocketNotifications(t *testing.T) {
	h := newHarness(t, nil, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	hdr := http.Header{}
	hdr.Set(auth.HeaderUserID, rider.ID)
	hdr.Set(auth.HeaderUserRole, string(rider.Role))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", hdr)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.ws.Has(rider.ID) }, 2*time.Second, 5*time.Millisecond)

	created := decodeRide(t, h.do(&rider, http.MethodPost, "/api/v1/rides", bangaloreTrip))
	require.Equal(t, http.StatusOK, h.do(&drv1, http.MethodPost, "/api/v1/rides/"+created.ID+"/claim", nil).Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n dispatch.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, dispatch.KindAccepted, n.Kind)
	assert.Equal(t, created.ID, n.RideID)
	assert.Contains(t, n.Message, "4821")

	conn.Close()
	require.Eventually(t, func() bool { return !h.ws.Has(rider.ID) }, 2*time.Second, 5*time.Millisecond)
}
