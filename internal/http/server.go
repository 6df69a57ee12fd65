package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dash/internal/dispatch"
	"github.com/example/ride-dash/internal/eta"
	"github.com/example/ride-dash/internal/feed"
	"github.com/example/ride-dash/internal/geo"
	"github.com/example/ride-dash/internal/lifecycle"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/tracker"
)

// Geocoder resolves coordinates to addresses and back.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lng float64) string
	Search(ctx context.Context, query string, lat, lng *float64) ([]geo.Place, error)
}

// Router finds a driving route between two points.
type Router interface {
	Route(ctx context.Context, from, to models.Position) eta.Route
}

// IdentityVerifier turns an identity provider ID token into the identity
// it was issued for.
type IdentityVerifier interface {
	Verify(idToken string) (session.Identity, error)
}

type Deps struct {
	Sessions   *session.Service
	Identities IdentityVerifier
	Tokens     *session.Tokens
	Rides      *lifecycle.Service
	Feeds      *feed.Manager
	Tracker    *tracker.Tracker
	Positions  *tracker.ChannelSource
	Sockets    *dispatch.WSRegistry
	Geocoder   Geocoder
	Router     Router
	// Ready reports whether backing services are reachable; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	sessions   *session.Service
	identities IdentityVerifier
	tokens     *session.Tokens
	rides      *lifecycle.Service
	feeds      *feed.Manager
	tracker    *tracker.Tracker
	positions  *tracker.ChannelSource
	sockets    *dispatch.WSRegistry
	geocoder   Geocoder
	router     Router
	ready      func(ctx context.Context) error
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		sessions:   d.Sessions,
		identities: d.Identities,
		tokens:     d.Tokens,
		rides:      d.Rides,
		feeds:      d.Feeds,
		tracker:    d.Tracker,
		positions:  d.Positions,
		sockets:    d.Sockets,
		geocoder:   d.Geocoder,
		router:     d.Router,
		ready:      d.Ready,
		logger:     d.Logger.With("component", "http"),
		mux:        mux.NewRouter(),
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/api/v1/session", s.handleSignIn).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/me", s.handleUpdateProfile).Methods(http.MethodPatch)

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/active", s.handleActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/claimable", s.handleClaimable).Methods(http.MethodGet)
	api.HandleFunc("/rides/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleAdvance).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/rating", s.handleRate).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/driver-location", s.handleDriverLocation).Methods(http.MethodGet)
	api.HandleFunc("/driver/position", s.handleDriverPosition).Methods(http.MethodPost)

	api.HandleFunc("/geo/reverse", s.handleReverse).Methods(http.MethodGet)
	api.HandleFunc("/geo/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/quote", s.handleQuote).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/feed", s.handleFeed).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness_failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
