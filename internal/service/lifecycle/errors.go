package lifecycle

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrNotOwner          = errors.New("user is not the ticket owner")
	ErrNotPending        = errors.New("ticket is not pending")
	ErrTicketExpired     = errors.New("ticket is expired")
	ErrAlreadyFinalized  = errors.New("ticket is already cancelled or expired")
	ErrEventNotStarted   = errors.New("event has not started yet")
	ErrCapacityMissing   = errors.New("event has no capacity for ticket type")
	ErrCapacityExhausted = errors.New("event capacity exhausted for ticket type")
)
