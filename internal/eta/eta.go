package eta

import (
	"fmt"
	"math"

	"github.com/example/ride-dash/internal/geo"
	"github.com/example/ride-dash/internal/models"
)

const (
	BaseFare      = 2.50
	CostPerKm     = 1.25
	CostPerMinute = 0.25

	// 30 km/h average city speed
	metersPerMinute = 500.0
)

// Quote is the up-front estimate shown before a ride is requested.
type Quote struct {
	DistanceMeters  float64 `json:"distanceMeters"`
	DurationMinutes int     `json:"durationMinutes"`
	Fare            string  `json:"fare"`
}

// EstimatedTime is the value stored in a ride's estimatedTime field.
func (q Quote) EstimatedTime() string { return fmt.Sprintf("%d mins", q.DurationMinutes) }

// Estimate prices a straight-line trip between two points.
func Estimate(from, to models.Position) Quote {
	d := geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng)
	mins := EstimateMinutes(d)
	return Quote{
		DistanceMeters:  math.Round(d),
		DurationMinutes: mins,
		Fare:            Fare(d, float64(mins)*60),
	}
}

func EstimateMinutes(meters float64) int {
	return int(math.Ceil(meters / metersPerMinute))
}

// Fare formats the price of a trip to cents.
func Fare(meters, seconds float64) string {
	cost := BaseFare + meters/1000*CostPerKm + seconds/60*CostPerMinute
	return fmt.Sprintf("%.2f", cost)
}

// QuoteFor prices a trip along r, falling back to the straight line when no
// route was found.
func QuoteFor(r Route, from, to models.Position) Quote {
	if len(r.Points) == 0 || r.DistanceMeters <= 0 {
		return Estimate(from, to)
	}
	return Quote{
		DistanceMeters:  math.Round(r.DistanceMeters),
		DurationMinutes: int(math.Ceil(r.DurationSeconds / 60)),
		Fare:            Fare(r.DistanceMeters, r.DurationSeconds),
	}
}
