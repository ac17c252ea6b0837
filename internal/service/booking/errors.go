package booking

import "errors"

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrNoCapacityForType    = errors.New("event has no capacity for ticket type")
	ErrInsufficientCapacity = errors.New("not enough remaining capacity for ticket type")
)
