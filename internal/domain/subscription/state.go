package subscription

import (
	"fmt"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

// ErrInvalidTransition is returned for a status change the lifecycle does
// not allow. It maps to 409.
var ErrInvalidTransition = fmt.Errorf("invalid subscription status transition: %w", fhir.ErrConflict)

// transitions lists the allowed target statuses per status. Any status may
// move to off.
var transitions = map[string]map[string]bool{
	StatusRequested: {StatusActive: true, StatusOff: true},
	StatusActive:    {StatusError: true, StatusOff: true},
	StatusError:     {StatusActive: true, StatusOff: true},
	StatusOff:       {StatusOff: true},
}

// ValidStatus reports whether s is a Subscription status code.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

func checkTransition(id, from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("Subscription/%s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	return nil
}
