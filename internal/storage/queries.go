package storage

import "github.com/example/ride-dash/internal/models"

// ActiveRideQuery selects the newest non-terminal ride in which userID is
// the passenger or the driver. Older active rides, which should not exist,
// are hidden by the limit.
func ActiveRideQuery(userID string) Query {
	return Query{
		Where:      []Filter{StatusIn(models.ActiveStatuses...)},
		AnyOf:      []Filter{Eq("passengerId", userID), Eq("driverId", userID)},
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      1,
	}
}

// ClaimableQuery selects every ride still waiting for a driver, newest first.
func ClaimableQuery() Query {
	return Query{
		Where:      []Filter{Eq("status", string(models.StatusRequested))},
		OrderBy:    "createdAt",
		Descending: true,
	}
}

// HistoryQuery selects all of userID's rides in any status, newest first.
func HistoryQuery(userID string) Query {
	return Query{
		AnyOf:      []Filter{Eq("passengerId", userID), Eq("driverId", userID)},
		OrderBy:    "createdAt",
		Descending: true,
	}
}
