package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dash/internal/eta"
	"github.com/example/ride-dash/internal/geo"
	"github.com/example/ride-dash/internal/lifecycle"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/storage"
	"github.com/example/ride-dash/internal/tracker"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrMissingField), errors.Is(err, lifecycle.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrAlreadyAccepted),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrDriverBusy),
		errors.Is(err, lifecycle.ErrRideInProgress),
		errors.Is(err, storage.ErrConditionFailed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrInvalidInput, err)
	}
	return nil
}

// sessionFrom is only valid behind authMiddleware.
func sessionFrom(r *http.Request) session.Session {
	sess, _ := session.FromContext(r.Context())
	return sess
}

// signInRequest carries the identity provider's ID token; the identity is
// read from its verified claims only.
type signInRequest struct {
	IDToken     string `json:"idToken"`
	PhoneNumber string `json:"phoneNumber"`
}

type sessionResponse struct {
	Token   string          `json:"token"`
	Session session.Session `json:"session"`
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, status int, sess session.Session) {
	tok, err := s.tokens.Issue(sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, sessionResponse{Token: tok, Session: sess})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IDToken == "" {
		s.writeError(w, r, fmt.Errorf("%w: idToken", lifecycle.ErrMissingField))
		return
	}
	id, err := s.identities.Verify(req.IDToken)
	if err != nil {
		s.logger.Info("sign_in_rejected", "request_id", requestIDFromContext(r.Context()), "error", err)
		s.writeError(w, r, session.ErrUnauthenticated)
		return
	}
	sess, err := s.sessions.SignIn(r.Context(), id, req.PhoneNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.issue(w, r, http.StatusOK, sess)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Resume(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var p session.Profile
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.UpdateProfile(r.Context(), sessionFrom(r), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// open feed sockets of the same user pick up the new profile
	_ = s.sockets.Push(sess.UserID, feedMessage{Type: msgSession, Session: &sess})
	s.issue(w, r, http.StatusOK, sess)
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.RideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Request(r.Context(), sessionFrom(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

type activeRideResponse struct {
	Ride *models.Ride `json:"ride"`
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.feeds.CurrentRide(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activeRideResponse{Ride: ride})
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	rides, err := s.feeds.Claimable(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rides))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rides, err := s.feeds.History(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rides))
}

func nonNil(rides []models.Ride) []models.Ride {
	if rides == nil {
		return []models.Ride{}
	}
	return rides
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), sessionFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// respondTransition writes the ride and aligns the driver's tracker with it.
func (s *Server) respondTransition(w http.ResponseWriter, r *http.Request, ride *models.Ride, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess := sessionFrom(r)
	if sess.IsDriver() && ride.DriverID == sess.UserID {
		if _, err := s.tracker.Sync(sess, ride); err != nil {
			s.logger.Warn("tracker_sync_failed", "driver_id", sess.UserID, "ride_id", ride.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Accept(r.Context(), sessionFrom(r), mux.Vars(r)["id"])
	s.respondTransition(w, r, ride, err)
}

type advanceRequest struct {
	Status models.Status `json:"status"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status == "" {
		s.writeError(w, r, fmt.Errorf("%w: status", lifecycle.ErrMissingField))
		return
	}
	ride, err := s.rides.Advance(r.Context(), sessionFrom(r), mux.Vars(r)["id"], req.Status)
	s.respondTransition(w, r, ride, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Cancel(r.Context(), sessionFrom(r), mux.Vars(r)["id"])
	s.respondTransition(w, r, ride, err)
}

type rateRequest struct {
	Rating *int `json:"rating"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Rating == nil {
		s.writeError(w, r, fmt.Errorf("%w: rating", lifecycle.ErrMissingField))
		return
	}
	ride, err := s.rides.Rate(r.Context(), sessionFrom(r), mux.Vars(r)["id"], *req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverLocationResponse struct {
	RideID         string           `json:"rideId"`
	Status         models.Status    `json:"status"`
	DriverLocation *models.Position `json:"driverLocation"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), sessionFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, driverLocationResponse{
		RideID:         ride.ID,
		Status:         ride.Status,
		DriverLocation: tracker.DriverPosition(ride),
	})
}

func validPosition(p models.Position) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type positionResponse struct {
	Tracking  tracker.State `json:"tracking"`
	Delivered int           `json:"delivered"`
}

// handleDriverPosition accepts one device reading. The tracker is first
// aligned with the driver's current ride so readings outside a tracked
// status are discarded.
func (s *Server) handleDriverPosition(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if !sess.IsDriver() {
		s.writeError(w, r, lifecycle.ErrNotAuthorized)
		return
	}
	var pos models.Position
	if err := decodeJSON(w, r, &pos); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !validPosition(pos) {
		s.writeError(w, r, fmt.Errorf("%w: position out of range", lifecycle.ErrInvalidInput))
		return
	}
	ride, err := s.feeds.CurrentRide(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.tracker.Sync(sess, ride)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n := 0
	if state == tracker.Watching {
		n = s.positions.Report(sess.UserID, pos)
	}
	writeJSON(w, http.StatusAccepted, positionResponse{Tracking: state, Delivered: n})
}

func parseCoord(r *http.Request, name string) (*float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrInvalidInput, name)
	}
	return &f, nil
}

func requireCoords(r *http.Request, names ...string) ([]float64, error) {
	out := make([]float64, 0, len(names))
	for _, n := range names {
		f, err := parseCoord(r, n)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, fmt.Errorf("%w: %s", lifecycle.ErrMissingField, n)
		}
		out = append(out, *f)
	}
	return out, nil
}

type reverseResponse struct {
	Address string `json:"address"`
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	c, err := requireCoords(r, "lat", "lng")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reverseResponse{Address: s.geocoder.Reverse(r.Context(), c[0], c[1])})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	lat, err := parseCoord(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, err := parseCoord(r, "lng")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	places, err := s.geocoder.Search(r.Context(), r.URL.Query().Get("q"), lat, lng)
	if err != nil {
		s.logger.Warn("place_search_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		places = []geo.Place{}
	}
	writeJSON(w, http.StatusOK, places)
}

type quoteResponse struct {
	eta.Quote
	EstimatedTime string            `json:"estimatedTime"`
	Route         []models.Position `json:"route"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	c, err := requireCoords(r, "pickupLat", "pickupLng", "dropoffLat", "dropoffLng")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from := models.Position{Lat: c[0], Lng: c[1]}
	to := models.Position{Lat: c[2], Lng: c[3]}
	route := eta.Route{Points: []models.Position{}}
	if s.router != nil {
		route = s.router.Route(r.Context(), from, to)
	}
	q := eta.QuoteFor(route, from, to)
	writeJSON(w, http.StatusOK, quoteResponse{Quote: q, EstimatedTime: q.EstimatedTime(), Route: route.Points})
}
