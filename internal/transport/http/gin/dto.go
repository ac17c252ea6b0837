package httpgin

import (
	"time"

	"github.com/shopspring/decimal"

	"ticketline/internal/domain"
)

type CapacityRequest struct {
	TicketType string          `json:"ticket_type" binding:"required,oneof=regular vip student"`
	Price      decimal.Decimal `json:"price" binding:"required"`
	Limit      int             `json:"limit" binding:"required,gt=0"`
}

type EventRequest struct {
	Title      string            `json:"title" binding:"required"`
	Type       string            `json:"type" binding:"required,oneof=other concert conference workshop"`
	Date       string            `json:"date" binding:"required"`
	Time       string            `json:"time" binding:"required"`
	Capacities []CapacityRequest `json:"capacities" binding:"required,min=1,dive"`
}

// StartsAt combines the request's date and time fields into one UTC instant.
func (r EventRequest) StartsAt() (time.Time, error) {
	return time.Parse("2006-01-02 15:04", r.Date+" "+r.Time)
}

type BookItem struct {
	TicketType string `json:"ticket_type" binding:"required,oneof=regular vip student"`
	Quantity   int    `json:"quantity" binding:"required,gt=0"`
}

type BookRequest struct {
	Tickets []BookItem `json:"tickets" binding:"required,min=1,dive"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type CreateEventResponse struct {
	EventID int64 `json:"event_id"`
}

type BookResponse struct {
	TicketIDs []string `json:"ticket_ids"`
}

type CapacityView struct {
	TicketType string          `json:"ticket_type"`
	Price      decimal.Decimal `json:"price"`
	Limit      int             `json:"limit"`
}

type CapacityStatsView struct {
	CapacityView
	Sold int `json:"sold"`
}

type EventView struct {
	ID         int64          `json:"id"`
	Title      string         `json:"title"`
	Type       string         `json:"type"`
	Date       string         `json:"date"`
	Time       string         `json:"time"`
	Capacities []CapacityView `json:"capacities"`
}

type EventStatsView struct {
	ID         int64               `json:"id"`
	Title      string              `json:"title"`
	Type       string              `json:"type"`
	Date       string              `json:"date"`
	Time       string              `json:"time"`
	Capacities []CapacityStatsView `json:"capacities"`
}

type TicketView struct {
	ID          string     `json:"id"`
	EventID     int64      `json:"event_id"`
	TicketType  string     `json:"ticket_type"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	NoRefund    bool       `json:"no_refund"`
}

type HistoryEntryView struct {
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
}

func toEventView(e domain.Event) EventView {
	v := EventView{
		ID:    e.ID,
		Title: e.Title,
		Type:  string(e.Type),
		Date:  e.StartsAt.Format("2006-01-02"),
		Time:  e.StartsAt.Format("15:04"),
	}
	for _, c := range e.Capacities {
		v.Capacities = append(v.Capacities, CapacityView{
			TicketType: string(c.TicketType),
			Price:      c.Price,
			Limit:      c.Limit,
		})
	}
	return v
}

func toEventStatsView(e domain.Event) EventStatsView {
	v := EventStatsView{
		ID:    e.ID,
		Title: e.Title,
		Type:  string(e.Type),
		Date:  e.StartsAt.Format("2006-01-02"),
		Time:  e.StartsAt.Format("15:04"),
	}
	for _, c := range e.Capacities {
		v.Capacities = append(v.Capacities, CapacityStatsView{
			CapacityView: CapacityView{
				TicketType: string(c.TicketType),
				Price:      c.Price,
				Limit:      c.Limit,
			},
			Sold: c.Sold,
		})
	}
	return v
}

func toTicketView(t domain.TicketWithEvent) TicketView {
	return TicketView{
		ID:          t.ID.String(),
		EventID:     t.EventID,
		TicketType:  string(t.Type),
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		ConfirmedAt: t.ConfirmedAt,
		NoRefund:    t.NoRefund,
	}
}
