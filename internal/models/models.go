package models

import "time"

// Status is the lifecycle state stored in a ride's "status" field.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusEnRoute    Status = "en_route"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses are the non-terminal statuses, in lifecycle order.
var ActiveStatuses = []Status{StatusRequested, StatusAccepted, StatusEnRoute, StatusArrived, StatusInProgress}

// TrackingStatuses are the statuses during which a driver publishes its position.
var TrackingStatuses = []Status{StatusAccepted, StatusEnRoute, StatusInProgress}

func (s Status) Active() bool { return s.in(ActiveStatuses) }

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s Status) Tracked() bool { return s.in(TrackingStatuses) }

func (s Status) Valid() bool { return s.Active() || s.Terminal() }

// TimestampField is the document field written alongside a transition into s,
// e.g. "en_routeAt".
func (s Status) TimestampField() string { return string(s) + "At" }

func (s Status) in(set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Role is derived from the user's identity at sign-in.
type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Position is a bare coordinate pair, as reported by a device.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Ride is the shared ride document. JSON names are the persisted format.
type Ride struct {
	ID              string     `json:"id"`
	PassengerID     string     `json:"passengerId"`
	PassengerName   string     `json:"passengerName"`
	PassengerPhone  string     `json:"passengerPhone"`
	DriverID        string     `json:"driverId,omitempty"`
	DriverName      string     `json:"driverName,omitempty"`
	Status          Status     `json:"status"`
	PickupLocation  Location   `json:"pickupLocation"`
	DropoffLocation Location   `json:"dropoffLocation"`
	DriverLocation  *Position  `json:"driverLocation,omitempty"`
	EstimatedTime   string     `json:"estimatedTime,omitempty"`
	ScheduledTime   *time.Time `json:"scheduledTime,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	EnRouteAt       *time.Time `json:"en_routeAt,omitempty"`
	ArrivedAt       *time.Time `json:"arrivedAt,omitempty"`
	InProgressAt    *time.Time `json:"in_progressAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	RatedAt         *time.Time `json:"ratedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.DriverLocation != nil {
		p := *r.DriverLocation
		c.DriverLocation = &p
	}
	if r.Rating != nil {
		v := *r.Rating
		c.Rating = &v
	}
	c.ScheduledTime = cloneTime(r.ScheduledTime)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.EnRouteAt = cloneTime(r.EnRouteAt)
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.InProgressAt = cloneTime(r.InProgressAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.RatedAt = cloneTime(r.RatedAt)
	return &c
}

// Participant reports whether userID is the ride's passenger or assigned driver.
func (r *Ride) Participant(userID string) bool {
	return userID != "" && (r.PassengerID == userID || r.DriverID == userID)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type User struct {
	ID          string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EventType classifies entries on the ride event stream.
type EventType string

const (
	EventRideRequested   EventType = "ride_requested"
	EventStatusChanged   EventType = "status_changed"
	EventRideRated       EventType = "ride_rated"
	EventLocationUpdated EventType = "location_updated"
)

// RideEvent is published for every lifecycle transition and accepted
// driver position write.
type RideEvent struct {
	Type     EventType `json:"type"`
	RideID   string    `json:"ride_id"`
	ActorID  string    `json:"actor_id,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	From     Status    `json:"from,omitempty"`
	Status   Status    `json:"status,omitempty"`
	Position *Position `json:"position,omitempty"`
	At       time.Time `json:"at"`
}
