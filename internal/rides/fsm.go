package rides

import (
	"fmt"

	"github.com/example/rescue-dispatch/internal/models"
)

// transitions is the authoritative edge set of the ride state machine.
// Terminal statuses have no entry: nothing leaves completed or any of
// the cancelled/rejected states.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested: {
		models.StatusAccepted,
		models.StatusCancelled,
		models.StatusCancelledRiderNoShow,
		models.StatusCancelledSafety,
		models.StatusRejectedGeofence,
	},
	models.StatusAccepted: {
		models.StatusEnRoute,
		models.StatusArrived,
		models.StatusCancelled,
		models.StatusCancelledRiderNoShow,
		models.StatusCancelledSafety,
	},
	models.StatusEnRoute: {
		models.StatusArrived,
		models.StatusInTransit,
		models.StatusCompleted,
		models.StatusCancelled,
		models.StatusCancelledRiderNoShow,
		models.StatusCancelledSafety,
	},
	models.StatusArrived: {
		models.StatusInTransit,
		models.StatusCompleted,
		models.StatusCancelled,
		models.StatusCancelledRiderNoShow,
		models.StatusCancelledSafety,
	},
	models.StatusInTransit: {
		models.StatusCompleted,
		models.StatusCancelled,
		models.StatusCancelledRiderNoShow,
		models.StatusCancelledSafety,
	},
}

// InvalidTransitionError names the rejected edge. Same-status updates
// are rejected too: there are no self-loops in the table.
type InvalidTransitionError struct {
	From models.RideStatus
	To   models.RideStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid ride status transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.RideStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an InvalidTransitionError for an illegal edge.
func CheckTransition(from, to models.RideStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// ValidStatus reports whether s is one of the known ride statuses.
func ValidStatus(s models.RideStatus) bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s.Terminal()
}
