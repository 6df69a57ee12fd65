package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dash/internal/models"
)

// passengerSMS is the text sent to the passenger when a ride enters to.
// Cancellation is silent.
func passengerSMS(to models.Status, driverName, appName string) string {
	switch to {
	case models.StatusAccepted:
		if driverName == "" {
			driverName = "Driver"
		}
		return fmt.Sprintf("Your ride has been accepted by %s!", driverName)
	case models.StatusEnRoute:
		return "Driver is en route!"
	case models.StatusArrived:
		return "Driver has arrived!"
	case models.StatusInProgress:
		return "Ride started!"
	case models.StatusCompleted:
		return fmt.Sprintf("Ride completed. Thanks for riding with %s!", appName)
	}
	return ""
}

func adminAlert(passenger string, pickup models.Location, scheduled *time.Time, appURL string) string {
	if passenger == "" {
		passenger = "Passenger"
	}
	addr := pickup.Address
	if addr == "" {
		addr = "Location Selected"
	}
	when := "Time: Now"
	if scheduled != nil {
		when = "Scheduled for: " + scheduled.Format("Mon Jan 2, 2006 3:04 PM MST")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "New Ride Request from %s!\n", passenger)
	fmt.Fprintf(&b, "Pickup: %s\n", addr)
	b.WriteString(when + "\n\n")
	b.WriteString("View Ride: " + appURL)
	return b.String()
}

// StatusMessage is the headline on the passenger's ride card.
func StatusMessage(r *models.Ride) string {
	switch r.Status {
	case models.StatusRequested:
		return "Waiting for a driver..."
	case models.StatusAccepted:
		return r.DriverName + " accepted your ride!"
	case models.StatusEnRoute:
		return r.DriverName + " is on the way!"
	case models.StatusArrived:
		return r.DriverName + " has arrived!"
	case models.StatusInProgress:
		return "Ride in progress"
	case models.StatusCompleted:
		return "Ride completed"
	case models.StatusCancelled:
		return "Ride cancelled"
	}
	return "Unknown status"
}
