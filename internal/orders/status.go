package orders

import (
	"fmt"
	"slices"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusPreparing Status = "preparing"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// validNext is the only place transition legality is decided.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusVerified: true, StatusCancelled: true},
	StatusVerified:  {StatusPreparing: true, StatusCancelled: true},
	StatusPreparing: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:   {StatusDelivered: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// AllowedTargets returns the sorted set of statuses reachable from s in one step.
func AllowedTargets(s Status) []Status {
	out := make([]Status, 0, len(validNext[s]))
	for to := range validNext[s] {
		out = append(out, to)
	}
	slices.Sort(out)
	return out
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, v)
	}
	return s, nil
}
