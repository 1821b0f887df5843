package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geocode"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

// Deps are the collaborators the API is served from. Geocoder, Router and
// WS are optional; their routes answer 503 when unset.
type Deps struct {
	Rides    *ride.Service
	Feed     location.Feed
	Auth     *auth.Authenticator
	Geocoder geocode.Geocoder
	Router   routing.Router
	WS       *dispatch.WSRegistry
	RadiusKm float64
	Logger   *slog.Logger
}

type Server struct {
	rides    *ride.Service
	feed     location.Feed
	auth     *auth.Authenticator
	geocoder geocode.Geocoder
	router   routing.Router
	ws       *dispatch.WSRegistry
	radiusKm float64
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		rides:    d.Rides,
		feed:     d.Feed,
		auth:     d.Auth,
		geocoder: d.Geocoder,
		router:   d.Router,
		ws:       d.WS,
		radiusKm: d.RadiusKm,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
	}
	if s.auth == nil {
		s.auth = auth.New("", 0)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.radiusKm <= 0 {
		s.radiusKm = matcher.DefaultRadiusKm
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware, s.identifyMiddleware)

	api.HandleFunc("/quotes", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/admin/rides/{id}/dispute", s.handleDispute).Methods(http.MethodPost)

	api.HandleFunc("/drivers/me/location", s.handlePutLocation).Methods(http.MethodPut)
	api.HandleFunc("/drivers/me/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/location", s.handleGetLocation).Methods(http.MethodGet)

	api.HandleFunc("/geocode", s.handleGeocode).Methods(http.MethodGet)
	api.HandleFunc("/route", s.handleRoute).Methods(http.MethodGet)

	api.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { return uuid.NewString() }

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequest{msg: "invalid body: " + err.Error()}
	}
	return nil
}

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func statusFor(err error) int {
	var br *badRequest
	switch {
	case errors.As(err, &br),
		errors.Is(err, ride.ErrInvalidRequest),
		errors.Is(err, pricing.ErrUnknownTier),
		errors.Is(err, booking.ErrMissingLocations):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, ride.ErrNotParticipant),
		errors.Is(err, storage.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, location.ErrNotFound),
		errors.Is(err, geocode.ErrNoResults),
		errors.Is(err, routing.ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, ride.ErrRideTaken),
		errors.Is(err, ride.ErrInvalidTransition),
		errors.Is(err, ride.ErrTerminal),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, otp.ErrInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		args := []any{"route", routeTemplate(r), "err", err}
		if info := requestFrom(r.Context()); info != nil {
			args = append(args, "request_id", info.id)
		}
		s.logger.Error("request failed", args...)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: what + " is not configured"})
}
