package catalog

import "errors"

var (
	ErrEventNotFound     = errors.New("event not found")
	ErrCapacityNotFound  = errors.New("event capacity not found")
	ErrCapacityBelowSold = errors.New("capacity limit below sold count")
	ErrCapacityExceeded  = errors.New("capacity limit exceeded")
	ErrNotOwner          = errors.New("user is not the event owner")
)
