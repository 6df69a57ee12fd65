package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/ride-dash/internal/config"
	"github.com/example/ride-dash/internal/eta"
	"github.com/example/ride-dash/internal/ingest"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/observability"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrAlreadyAccepted   = errors.New("ride already accepted")
	ErrMissingField      = errors.New("missing required field")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDriverBusy        = errors.New("driver already has an active ride")
	ErrRideInProgress    = errors.New("passenger already has an active ride")
)

// A scheduled time this far behind the server clock is still accepted.
const scheduleSlack = time.Minute

// Notifier sends a text without waiting for the outcome.
type Notifier interface {
	Notify(to, body string)
}

// PhoneBook stores the passenger's phone number on their user record.
type PhoneBook interface {
	RememberPhone(ctx context.Context, userID, phone string) error
}

type Options struct {
	Mode       config.AcceptMode
	AppName    string
	AppURL     string
	AdminPhone string
}

// Service applies lifecycle operations to rides. Every operation validates
// the caller and the edge against the current record before writing.
type Service struct {
	rides    storage.RideStore
	phones   PhoneBook
	notifier Notifier
	events   ingest.EventSink
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

func NewService(rides storage.RideStore, phones PhoneBook, notifier Notifier, events ingest.EventSink, logger *slog.Logger, opts Options) *Service {
	if events == nil {
		events = ingest.NopSink{}
	}
	if opts.Mode == "" {
		opts.Mode = config.AcceptConditional
	}
	return &Service{
		rides:    rides,
		phones:   phones,
		notifier: notifier,
		events:   events,
		logger:   logger.With("component", "lifecycle"),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type RideRequest struct {
	Pickup        *models.Location `json:"pickupLocation"`
	Dropoff       *models.Location `json:"dropoffLocation"`
	Phone         string           `json:"phone"`
	ScheduledTime *time.Time       `json:"scheduledTime"`
}

// Request creates a ride in status requested for the signed-in passenger and
// alerts the admin number.
func (s *Service) Request(ctx context.Context, sess session.Session, req RideRequest) (*models.Ride, error) {
	if sess.Role != models.RolePassenger {
		return nil, s.reject("request", ErrNotAuthorized)
	}
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		phone = sess.Phone
	}
	switch {
	case req.Pickup == nil:
		return nil, s.reject("request", fmt.Errorf("%w: pickupLocation", ErrMissingField))
	case req.Dropoff == nil:
		return nil, s.reject("request", fmt.Errorf("%w: dropoffLocation", ErrMissingField))
	case phone == "":
		return nil, s.reject("request", fmt.Errorf("%w: phone", ErrMissingField))
	}
	var scheduled *time.Time
	if req.ScheduledTime != nil {
		if req.ScheduledTime.Before(s.now().Add(-scheduleSlack)) {
			return nil, s.reject("request", fmt.Errorf("%w: scheduledTime is in the past", ErrInvalidInput))
		}
		t := req.ScheduledTime.UTC()
		scheduled = &t
	}

	active, err := s.activeRide(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, s.reject("request", ErrRideInProgress)
	}

	quote := eta.Estimate(
		models.Position{Lat: req.Pickup.Lat, Lng: req.Pickup.Lng},
		models.Position{Lat: req.Dropoff.Lat, Lng: req.Dropoff.Lng},
	)
	ride, err := s.rides.Create(ctx, &models.Ride{
		PassengerID:     sess.UserID,
		PassengerName:   sess.Name(),
		PassengerPhone:  phone,
		Status:          models.StatusRequested,
		PickupLocation:  *req.Pickup,
		DropoffLocation: *req.Dropoff,
		EstimatedTime:   quote.EstimatedTime(),
		ScheduledTime:   scheduled,
	})
	if err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesRequested.Inc()
	s.logger.Info("ride_requested", "ride_id", ride.ID, "passenger_id", sess.UserID, "scheduled", scheduled != nil)

	if phone != sess.Phone && s.phones != nil {
		if err := s.phones.RememberPhone(ctx, sess.UserID, phone); err != nil {
			s.logger.Warn("phone_save_failed", "uid", sess.UserID, "error", err)
		}
	}
	if s.opts.AdminPhone != "" {
		s.notifier.Notify(s.opts.AdminPhone, adminAlert(sess.DisplayName, ride.PickupLocation, ride.ScheduledTime, s.opts.AppURL))
	}
	s.emit(ctx, models.RideEvent{Type: models.EventRideRequested, RideID: ride.ID, ActorID: sess.UserID, Status: ride.Status})
	return ride, nil
}

// Accept assigns the calling driver to a requested ride.
func (s *Service) Accept(ctx context.Context, sess session.Session, id string) (*models.Ride, error) {
	if !sess.IsDriver() {
		return nil, s.reject("accept", ErrNotAuthorized)
	}
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusRequested {
		if r.DriverID != "" && r.Status != models.StatusCancelled {
			return nil, s.reject("accept", ErrAlreadyAccepted)
		}
		return nil, s.reject("accept", fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.Status, models.StatusAccepted))
	}
	active, err := s.activeRide(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, s.reject("accept", ErrDriverBusy)
	}

	patch := storage.Patch{
		"status":     models.StatusAccepted,
		"driverId":   sess.UserID,
		"driverName": sess.Name(),
		"acceptedAt": storage.ServerTimestamp,
	}
	err = s.write(ctx, r, patch)
	if errors.Is(err, storage.ErrConditionFailed) {
		return nil, s.reject("accept", ErrAlreadyAccepted)
	}
	if err != nil {
		return nil, fmt.Errorf("accept ride %s: %w", id, err)
	}
	return s.transitioned(ctx, sess, r, models.StatusAccepted, patch), nil
}

// Advance moves a ride one step along the driver's path. Only the assigned
// driver may call it.
func (s *Service) Advance(ctx context.Context, sess session.Session, id string, to models.Status) (*models.Ride, error) {
	if a, ok := actors[to]; !ok || a != assignedDriver {
		return nil, s.reject("advance", fmt.Errorf("%w: cannot set %q", ErrInvalidTransition, to))
	}
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsDriver() || r.DriverID != sess.UserID {
		return nil, s.reject("advance", ErrNotAuthorized)
	}
	if !CanTransition(r.Status, to) {
		return nil, s.reject("advance", fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.Status, to))
	}
	patch := storage.Patch{
		"status":            to,
		to.TimestampField(): storage.ServerTimestamp,
	}
	err = s.write(ctx, r, patch)
	if errors.Is(err, storage.ErrConditionFailed) {
		return nil, s.reject("advance", fmt.Errorf("%w: ride changed concurrently", ErrInvalidTransition))
	}
	if err != nil {
		return nil, fmt.Errorf("advance ride %s: %w", id, err)
	}
	return s.transitioned(ctx, sess, r, to, patch), nil
}

// Cancel ends a ride that has not started moving with the passenger. The
// passenger and the assigned driver may cancel; nobody is notified.
func (s *Service) Cancel(ctx context.Context, sess session.Session, id string) (*models.Ride, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Participant(sess.UserID) {
		return nil, s.reject("cancel", ErrNotAuthorized)
	}
	if !Cancellable(r.Status) {
		return nil, s.reject("cancel", fmt.Errorf("%w: %s → %s", ErrInvalidTransition, r.Status, models.StatusCancelled))
	}
	patch := storage.Patch{
		"status":      models.StatusCancelled,
		"cancelledAt": storage.ServerTimestamp,
	}
	err = s.write(ctx, r, patch)
	if errors.Is(err, storage.ErrConditionFailed) {
		return nil, s.reject("cancel", fmt.Errorf("%w: ride changed concurrently", ErrInvalidTransition))
	}
	if err != nil {
		return nil, fmt.Errorf("cancel ride %s: %w", id, err)
	}
	return s.transitioned(ctx, sess, r, models.StatusCancelled, patch), nil
}

// Rate attaches the passenger's 1–5 rating to a completed ride. Once a
// rating is stored, further submissions return the ride unchanged.
func (s *Service) Rate(ctx context.Context, sess session.Session, id string, rating int) (*models.Ride, error) {
	if rating < 1 || rating > 5 {
		return nil, s.reject("rate", fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidInput))
	}
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.PassengerID != sess.UserID {
		return nil, s.reject("rate", ErrNotAuthorized)
	}
	if r.Status != models.StatusCompleted {
		return nil, s.reject("rate", fmt.Errorf("%w: only completed rides can be rated", ErrInvalidTransition))
	}
	if r.Rating != nil {
		return r, nil
	}
	// Rating is compare-and-set in every mode so it lands at most once.
	err = s.rides.UpdateIf(ctx, id, storage.Condition{Status: models.StatusCompleted, Unrated: true},
		storage.Patch{"rating": rating, "ratedAt": storage.ServerTimestamp})
	if errors.Is(err, storage.ErrConditionFailed) {
		current, gerr := s.load(ctx, id)
		if gerr == nil && current.Rating != nil {
			return current, nil
		}
		return nil, s.reject("rate", fmt.Errorf("%w: ride changed concurrently", ErrInvalidTransition))
	}
	if err != nil {
		return nil, fmt.Errorf("rate ride %s: %w", id, err)
	}
	observability.RidesRated.Inc()
	s.logger.Info("ride_rated", "ride_id", id, "rating", rating)
	s.emit(ctx, models.RideEvent{Type: models.EventRideRated, RideID: id, ActorID: sess.UserID, DriverID: r.DriverID, Status: r.Status})
	return s.load(ctx, id)
}

// Get returns a ride to one of its participants, or to any driver while it
// is still claimable.
func (s *Service) Get(ctx context.Context, sess session.Session, id string) (*models.Ride, error) {
	r, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Participant(sess.UserID) || (sess.IsDriver() && r.Status == models.StatusRequested) {
		return r, nil
	}
	return nil, ErrNotAuthorized
}

func (s *Service) load(ctx context.Context, id string) (*models.Ride, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: ride id", ErrMissingField)
	}
	r, err := s.rides.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ride %s: %w", id, err)
	}
	return r, nil
}

func (s *Service) activeRide(ctx context.Context, userID string) (*models.Ride, error) {
	rides, err := s.rides.Query(ctx, storage.ActiveRideQuery(userID))
	if err != nil {
		return nil, fmt.Errorf("active ride lookup: %w", err)
	}
	if len(rides) == 0 {
		return nil, nil
	}
	return &rides[0], nil
}

// write applies a transition patch validated against r. In conditional mode
// the write only lands if the ride still has r's status.
func (s *Service) write(ctx context.Context, r *models.Ride, patch storage.Patch) error {
	if s.opts.Mode == config.AcceptLastWriteWins {
		return s.rides.Update(ctx, r.ID, patch)
	}
	return s.rides.UpdateIf(ctx, r.ID, storage.Condition{Status: r.Status}, patch)
}

// transitioned runs the side effects of a transition that has landed. The
// returned ride is the stored record, or before with patch applied when the
// record cannot be read back.
func (s *Service) transitioned(ctx context.Context, sess session.Session, before *models.Ride, to models.Status, patch storage.Patch) *models.Ride {
	observability.Transitions.WithLabelValues(string(to)).Inc()
	s.logger.Info("ride_transition", "ride_id", before.ID, "from", before.Status, "to", to, "actor_id", sess.UserID)

	if msg := passengerSMS(to, sess.DisplayName, s.opts.AppName); msg != "" && before.PassengerPhone != "" {
		s.notifier.Notify(before.PassengerPhone, msg)
	}

	after, err := s.load(ctx, before.ID)
	if err != nil {
		s.logger.Warn("ride_reload_failed", "ride_id", before.ID, "error", err)
		if after, err = storage.ApplyPatch(before, patch, s.now()); err != nil {
			after = before.Clone()
			after.Status = to
		}
	}
	s.emit(ctx, models.RideEvent{
		Type:     models.EventStatusChanged,
		RideID:   before.ID,
		ActorID:  sess.UserID,
		DriverID: after.DriverID,
		From:     before.Status,
		Status:   to,
	})
	return after
}

func (s *Service) emit(ctx context.Context, ev models.RideEvent) {
	ev.At = s.now()
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		s.logger.Warn("ride_event_publish_failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
	}
}

func (s *Service) reject(op string, err error) error {
	observability.TransitionRejects.WithLabelValues(op).Inc()
	s.logger.Debug("ride_op_rejected", "op", op, "error", err)
	return err
}
