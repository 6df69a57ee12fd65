package feed

import (
	"context"

	"github.com/example/ride-dash/internal/lifecycle"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/tracker"
)

// Snapshot is one state of a user's board.
type Snapshot struct {
	Active        *models.Ride `json:"activeRide"`
	StatusMessage string       `json:"statusMessage,omitempty"`
	// DriverLocation is the passenger's view of the assigned driver.
	DriverLocation *models.Position `json:"driverLocation,omitempty"`
	// Claimable is set for drivers without an active ride.
	Claimable []models.Ride `json:"claimable,omitempty"`
}

// Board merges the active-ride view with, for idle drivers, the claimable
// view. The claimable query is held only while the driver has no active
// ride.
type Board struct {
	m          *Manager
	sess       session.Session
	subscriber string

	active *Handle
	claim  *Handle

	updates chan Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
}

// Board starts a board for sess. Updates is closed when ctx is done, Close
// is called or the underlying feed ends; every held query is released
// first.
func (m *Manager) Board(ctx context.Context, sess session.Session, subscriber string) (*Board, error) {
	ctx, cancel := context.WithCancel(ctx)
	active, err := m.ActiveRide(ctx, sess, subscriber)
	if err != nil {
		cancel()
		return nil, err
	}
	b := &Board{
		m:          m,
		sess:       sess,
		subscriber: subscriber,
		active:     active,
		updates:    make(chan Snapshot, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go b.run(ctx)
	return b, nil
}

func (b *Board) Updates() <-chan Snapshot { return b.updates }

// Close stops the board and waits until its queries are released.
func (b *Board) Close() {
	b.cancel()
	<-b.done
}

func (b *Board) run(ctx context.Context) {
	defer close(b.done)
	defer close(b.updates)
	defer b.releaseClaimable()
	defer b.active.Close()

	var (
		active    []models.Ride
		claimable []models.Ride
		seen      bool
	)
	for {
		var claimCh <-chan []models.Ride
		if b.claim != nil {
			claimCh = b.claim.Updates()
		}
		select {
		case <-ctx.Done():
			return
		case rides, ok := <-b.active.Updates():
			if !ok {
				return
			}
			active, seen = rides, true
			if len(active) == 0 && b.sess.IsDriver() {
				if err := b.holdClaimable(ctx); err != nil {
					b.m.logger.Error("claimable_feed_failed", "subscriber", b.subscriber, "error", err)
					return
				}
			} else {
				b.releaseClaimable()
				claimable = nil
			}
		case rides, ok := <-claimCh:
			if !ok {
				return
			}
			claimable = rides
		}
		if seen {
			b.publish(b.snapshot(active, claimable))
		}
	}
}

func (b *Board) holdClaimable(ctx context.Context) error {
	if b.claim != nil {
		return nil
	}
	h, err := b.m.ClaimableRides(ctx, b.sess, b.subscriber)
	if err != nil {
		return err
	}
	b.claim = h
	return nil
}

func (b *Board) releaseClaimable() {
	if b.claim != nil {
		b.claim.Close()
		b.claim = nil
	}
}

func (b *Board) snapshot(active, claimable []models.Ride) Snapshot {
	if len(active) == 0 {
		s := Snapshot{}
		if b.sess.IsDriver() {
			s.Claimable = append([]models.Ride{}, claimable...)
		}
		return s
	}
	r := active[0]
	s := Snapshot{Active: &r}
	if r.PassengerID == b.sess.UserID {
		s.StatusMessage = lifecycle.StatusMessage(&r)
		s.DriverLocation = tracker.DriverPosition(&r)
	}
	return s
}

// publish keeps only the newest unread snapshot.
func (b *Board) publish(s Snapshot) {
	select {
	case <-b.updates:
	default:
	}
	b.updates <- s
}
