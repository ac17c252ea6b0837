package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketConfirmed TicketStatus = "confirmed"
	TicketCancelled TicketStatus = "cancelled"
	TicketExpired   TicketStatus = "expired"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TicketStatus) Terminal() bool {
	return s == TicketCancelled || s == TicketExpired
}

type TicketType string

const (
	TicketRegular TicketType = "regular"
	TicketVIP     TicketType = "vip"
	TicketStudent TicketType = "student"
)

type EventType string

const (
	EventOther      EventType = "other"
	EventConcert    EventType = "concert"
	EventConference EventType = "conference"
	EventWorkshop   EventType = "workshop"
)

type User struct {
	ID    int64
	Phone string
}

type Event struct {
	ID         int64
	Title      string
	Type       EventType
	StartsAt   time.Time
	OwnerID    int64
	Capacities []Capacity
}

// CapacityFor returns the capacity row for the given ticket type, or nil.
// Rows within one event are unique per ticket type.
func (e *Event) CapacityFor(t TicketType) *Capacity {
	for i := range e.Capacities {
		if e.Capacities[i].TicketType == t {
			return &e.Capacities[i]
		}
	}
	return nil
}

type Capacity struct {
	EventID    int64
	TicketType TicketType
	Price      decimal.Decimal
	Limit      int
	Sold       int
}

func (c Capacity) Remaining() int {
	return c.Limit - c.Sold
}

type Ticket struct {
	ID          uuid.UUID
	EventID     int64
	UserID      int64
	Type        TicketType
	Status      TicketStatus
	CreatedAt   time.Time
	ConfirmedAt *time.Time
	NoRefund    bool
}

// TicketWithEvent joins a ticket with the start instant of its event,
// which the lifecycle rules (cancellation gate, lazy expiry) depend on.
type TicketWithEvent struct {
	Ticket
	EventStartsAt time.Time
}

type HistoryEntry struct {
	ID        int64
	TicketID  uuid.UUID
	Status    TicketStatus
	ChangedAt time.Time
	ChangedBy int64
}
