package lifecycle

import "github.com/example/ride-dash/internal/models"

// actor says who may move a ride into a status.
type actor int

const (
	anyDriver actor = iota
	assignedDriver
	participant
)

// transitions is the full status graph. Rating a completed ride is not a
// status change and lives outside this table.
var transitions = map[models.Status][]models.Status{
	models.StatusRequested:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusEnRoute, models.StatusCancelled},
	models.StatusEnRoute:    {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

var actors = map[models.Status]actor{
	models.StatusAccepted:   anyDriver,
	models.StatusEnRoute:    assignedDriver,
	models.StatusArrived:    assignedDriver,
	models.StatusInProgress: assignedDriver,
	models.StatusCompleted:  assignedDriver,
	models.StatusCancelled:  participant,
}

// CanTransition reports whether from → to is an edge of the graph.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next is the driver's forward step from s, if any.
func Next(s models.Status) (models.Status, bool) {
	for _, to := range transitions[s] {
		if to != models.StatusCancelled && to != models.StatusAccepted {
			return to, true
		}
	}
	return "", false
}

// Cancellable reports whether a ride in s can still be cancelled.
func Cancellable(s models.Status) bool { return CanTransition(s, models.StatusCancelled) }
