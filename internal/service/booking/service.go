package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ticketline/internal/domain"
	"ticketline/internal/metrics"
	"ticketline/internal/repository"
	"ticketline/internal/service/catalog"
	"ticketline/internal/uow"
)

// Events resolves the event a booking targets.
type Events interface {
	Get(ctx context.Context, id int64) (*domain.Event, error)
}

// Tickets creates individual reservations; implemented by the lifecycle
// engine.
type Tickets interface {
	CreateTicket(ctx context.Context, eventID, userID int64, t domain.TicketType) (uuid.UUID, error)
}

// Storage gives the orchestrator locked reads of capacity rows so the
// per-item capacity check and the ticket creation behind it are atomic.
type Storage interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CapacityForUpdate(ctx context.Context, eventID int64, t domain.TicketType) (*domain.Capacity, error)
}

type Item struct {
	TicketType domain.TicketType
	Quantity   int
}

// Service coordinates multi-item booking requests against the catalog and
// the lifecycle engine.
type Service struct {
	events  Events
	tickets Tickets
	storage Storage
	uow     *uow.UoW
}

func New(events Events, tickets Tickets, storage Storage) *Service {
	return &Service{
		events:  events,
		tickets: tickets,
		storage: storage,
		uow:     uow.New(storage),
	}
}

// Book reserves tickets for each requested item, in request order. For every
// item the capacity row is locked, remaining capacity is checked once against
// the item's full quantity, and only then are that item's tickets created,
// all inside one transaction per item. Tickets created for earlier items are
// NOT rolled back when a later item fails; callers that need all-or-nothing
// must cancel the leftovers themselves.
//
// Returns:
//   - []uuid.UUID: the created ticket ids in creation order.
//   - error: booking.ErrEventNotFound if the event does not exist.
//   - error: booking.ErrNoCapacityForType if an item names a ticket type the
//     event has no capacity row for.
//   - error: booking.ErrInsufficientCapacity if limit - sold is below the
//     item's quantity.
func (s *Service) Book(ctx context.Context, eventID int64, items []Item, userID int64) ([]uuid.UUID, error) {
	const op = "service.booking.Book"

	if _, err := s.events.Get(ctx, eventID); err != nil {
		if errors.Is(err, catalog.ErrEventNotFound) {
			metrics.BookingRejections.WithLabelValues("event_not_found").Inc()
			return nil, fmt.Errorf("%s: %w", op, ErrEventNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var ids []uuid.UUID

	for _, item := range items {
		// Each item runs as its own unit of work; anything created inside,
		// such as per-ticket after-commit hooks, fires after the item's
		// transaction commits, not before.
		err := s.uow.Do(ctx, func(ctx context.Context, _ func(uow.AfterCommit)) error {
			capacity, err := s.storage.CapacityForUpdate(ctx, eventID, item.TicketType)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					metrics.BookingRejections.WithLabelValues("unknown_ticket_type").Inc()
					return fmt.Errorf("%s: %w", op, ErrNoCapacityForType)
				}
				return fmt.Errorf("%s: %w", op, err)
			}

			if capacity.Remaining() < item.Quantity {
				metrics.BookingRejections.WithLabelValues("insufficient_capacity").Inc()
				return fmt.Errorf("%s: %w", op, ErrInsufficientCapacity)
			}

			for i := 0; i < item.Quantity; i++ {
				id, err := s.tickets.CreateTicket(ctx, eventID, userID, item.TicketType)
				if err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
				ids = append(ids, id)
			}

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return ids, nil
}
