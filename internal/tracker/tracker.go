package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dash/internal/ingest"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/observability"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/storage"
)

type State string

const (
	Inactive State = "inactive"
	Watching State = "watching"
)

const writeTimeout = 5 * time.Second

// Tracker publishes an assigned driver's position to the ride record while
// the ride is in motion. One watch is held per driver.
type Tracker struct {
	store    storage.RideStore
	source   PositionSource
	events   ingest.EventSink
	throttle *Throttle
	logger   *slog.Logger

	// Now is the clock the throttle is measured against.
	Now func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	rideID string
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store storage.RideStore, source PositionSource, events ingest.EventSink, interval time.Duration, logger *slog.Logger) *Tracker {
	if events == nil {
		events = ingest.NopSink{}
	}
	return &Tracker{
		store:    store,
		source:   source,
		events:   events,
		throttle: NewThrottle(interval),
		logger:   logger.With("component", "tracker"),
		Now:      time.Now,
		watches:  make(map[string]*watch),
	}
}

// tracks is the predicate under which driverID publishes its position for r.
func tracks(driverID string, r *models.Ride) bool {
	return r != nil && driverID != "" && r.DriverID == driverID && r.Status.Tracked()
}

// Sync starts or stops the watch for sess to match its current active ride.
// A nil ride means the driver has none.
func (t *Tracker) Sync(sess session.Session, ride *models.Ride) (State, error) {
	want := sess.IsDriver() && tracks(sess.UserID, ride)

	t.mu.Lock()
	w := t.watches[sess.UserID]
	if want && w != nil && w.rideID == ride.ID {
		t.mu.Unlock()
		return Watching, nil
	}
	if w != nil {
		delete(t.watches, sess.UserID)
	}
	t.mu.Unlock()

	if w != nil {
		w.stop()
	}
	if ride != nil && ride.Status.Terminal() {
		t.throttle.Forget(ride.ID)
	}
	if !want {
		return Inactive, nil
	}
	return t.start(sess.UserID, ride.ID)
}

func (t *Tracker) start(driverID, rideID string) (State, error) {
	ctx, cancel := context.WithCancel(context.Background())
	readings, err := t.source.Watch(ctx, driverID, WatchOptions{HighAccuracy: true})
	if err != nil {
		cancel()
		return Inactive, err
	}
	rideSub, err := t.store.Subscribe(ctx, storage.Query{Where: []storage.Filter{storage.Eq("id", rideID)}})
	if err != nil {
		cancel()
		return Inactive, err
	}
	w := &watch{rideID: rideID, cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	prev := t.watches[driverID]
	t.watches[driverID] = w
	t.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	observability.TrackersWatching.Inc()
	t.logger.Info("tracking_started", "driver_id", driverID, "ride_id", rideID)
	go t.run(ctx, driverID, w, readings, rideSub)
	return Watching, nil
}

// run owns one watch. Every exit path releases the device watch and the
// ride subscription.
func (t *Tracker) run(ctx context.Context, driverID string, w *watch, readings <-chan Reading, rideSub storage.Subscription) {
	defer close(w.done)
	defer observability.TrackersWatching.Dec()
	defer rideSub.Close()
	defer w.cancel()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("tracking_stopped", "driver_id", driverID, "ride_id", w.rideID)
			return
		case rides, ok := <-rideSub.Updates():
			if !t.follow(driverID, w, rides, ok) {
				return
			}
		case r, ok := <-readings:
			if !ok {
				return
			}
			// A pending ride change is applied before the reading.
			select {
			case rides, ok := <-rideSub.Updates():
				if !t.follow(driverID, w, rides, ok) {
					return
				}
			default:
			}
			if r.Err != nil {
				t.logger.Warn("position_error", "driver_id", driverID, "error", r.Err)
				continue
			}
			if !t.publish(ctx, driverID, w.rideID, r.Position) {
				t.detach(driverID, w)
				t.logger.Info("tracking_stopped", "driver_id", driverID, "ride_id", w.rideID, "reason", "ride_not_tracked")
				return
			}
		}
	}
}

// follow applies a ride snapshot to the watch and reports whether it
// continues.
func (t *Tracker) follow(driverID string, w *watch, rides []models.Ride, ok bool) bool {
	if !ok {
		return false
	}
	if len(rides) > 0 && tracks(driverID, &rides[0]) {
		return true
	}
	t.detach(driverID, w)
	if len(rides) > 0 && rides[0].Status.Terminal() {
		t.throttle.Forget(w.rideID)
	}
	t.logger.Info("tracking_stopped", "driver_id", driverID, "ride_id", w.rideID, "reason", "ride_not_tracked")
	return false
}

// publish writes pos to the ride when the throttle allows it. The write only
// lands while driverID is assigned and the ride is in motion; it returns
// false once that no longer holds.
func (t *Tracker) publish(ctx context.Context, driverID, rideID string, pos models.Position) bool {
	now := t.Now()
	if !t.throttle.Ready(rideID, now) {
		observability.LocationWrites.WithLabelValues("throttled").Inc()
		t.logger.Debug("location_throttled", "ride_id", rideID)
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	cond := storage.Condition{DriverID: driverID, StatusIn: models.TrackingStatuses}
	err := t.store.UpdateIf(wctx, rideID, cond, storage.Patch{"driverLocation": pos})
	switch {
	case errors.Is(err, storage.ErrConditionFailed), errors.Is(err, storage.ErrNotFound):
		observability.LocationWrites.WithLabelValues("rejected").Inc()
		t.logger.Info("location_write_rejected", "ride_id", rideID, "driver_id", driverID)
		return false
	case err != nil:
		observability.LocationWrites.WithLabelValues("failed").Inc()
		t.logger.Error("location_write_failed", "ride_id", rideID, "error", err)
		return true
	}
	t.throttle.Mark(rideID, now)
	observability.LocationWrites.WithLabelValues("written").Inc()

	p := pos
	ev := models.RideEvent{Type: models.EventLocationUpdated, RideID: rideID, DriverID: driverID, Position: &p, At: now.UTC()}
	if err := t.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		t.logger.Warn("ride_event_publish_failed", "ride_id", rideID, "type", ev.Type, "error", err)
	}
	return true
}

func (t *Tracker) detach(driverID string, w *watch) {
	t.mu.Lock()
	if t.watches[driverID] == w {
		delete(t.watches, driverID)
	}
	t.mu.Unlock()
}

func (w *watch) stop() {
	w.cancel()
	<-w.done
}

// Stop releases driverID's watch, if any.
func (t *Tracker) Stop(driverID string) {
	t.mu.Lock()
	w := t.watches[driverID]
	delete(t.watches, driverID)
	t.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

func (t *Tracker) State(driverID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.watches[driverID]; ok {
		return Watching
	}
	return Inactive
}

// Close releases every watch.
func (t *Tracker) Close() {
	t.mu.Lock()
	all := t.watches
	t.watches = make(map[string]*watch)
	t.mu.Unlock()
	for _, w := range all {
		w.stop()
	}
}

// DriverPosition is what a passenger is shown for the assigned driver. It is
// nil before the first published position and outside the in-motion
// statuses.
func DriverPosition(r *models.Ride) *models.Position {
	if r == nil || r.DriverLocation == nil || !r.Status.Tracked() {
		return nil
	}
	p := *r.DriverLocation
	return &p
}
