package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicketsBooked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickets_booked_total",
			Help: "Tickets created in pending state, per ticket type",
		},
		[]string{"ticket_type"},
	)

	TicketTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_transitions_total",
			Help: "Ticket status transitions applied, per resulting status",
		},
		[]string{"status"},
	)

	BookingRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_rejections_total",
			Help: "Booking requests rejected before any ticket was created",
		},
		[]string{"reason"},
	)

	SweepExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_expired_tickets_total",
			Help: "Tickets moved to expired by the background sweep",
		},
	)
)
