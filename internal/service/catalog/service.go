package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ticketline/internal/clock"
	"ticketline/internal/domain"
	"ticketline/internal/repository"
	redisrepo "ticketline/internal/repository/redis"
	"ticketline/internal/uow"
)

// Storage is the persistence contract of the catalog: event rows plus their
// per-ticket-type capacity rows, with row locks for reconciliation.
type Storage interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateEvent(ctx context.Context, e domain.Event) (int64, error)
	UpdateEventRow(ctx context.Context, e domain.Event) error
	GetEvent(ctx context.Context, id int64) (*domain.Event, error)
	ListUpcoming(ctx context.Context, now time.Time) ([]domain.Event, error)
	CapacitiesForUpdate(ctx context.Context, eventID int64) ([]domain.Capacity, error)
	InsertCapacity(ctx context.Context, c domain.Capacity) error
	UpdateCapacity(ctx context.Context, eventID int64, t domain.TicketType, price decimal.Decimal, limit int) error
	DeleteCapacity(ctx context.Context, eventID int64, t domain.TicketType) error
	AdjustSold(ctx context.Context, eventID int64, t domain.TicketType, delta int) error
}

type Config struct {
	EventTTL time.Duration
	ListTTL  time.Duration
}

type Service struct {
	storage Storage
	cache   *redisrepo.Cache
	pubsub  *redisrepo.EventsPubSub
	clock   clock.Clock
	uow     *uow.UoW
	cfg     Config
}

func New(
	storage Storage,
	cache *redisrepo.Cache,
	pubsub *redisrepo.EventsPubSub,
	clk clock.Clock,
	cfg Config,
) *Service {
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 60 * time.Second
	}

	if cfg.ListTTL <= 0 {
		cfg.ListTTL = 15 * time.Second
	}

	return &Service{
		storage: storage,
		cache:   cache,
		pubsub:  pubsub,
		clock:   clk,
		uow:     uow.New(storage),
		cfg:     cfg,
	}
}

type CapacityInput struct {
	TicketType domain.TicketType
	Price      decimal.Decimal
	Limit      int
}

type EventInput struct {
	Title      string
	Type       domain.EventType
	StartsAt   time.Time
	Capacities []CapacityInput
}

// Create persists a new event owned by ownerID, then one capacity row per
// requested ticket type with a zero sold counter. The event row is written
// first so capacity rows always reference an existing event.
//
// Returns:
//   - int64: the allocated event ID.
func (s *Service) Create(ctx context.Context, in EventInput, ownerID int64) (int64, error) {
	const op = "service.catalog.Create"

	var eventID int64

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		id, err := s.storage.CreateEvent(ctx, domain.Event{
			Title:    in.Title,
			Type:     in.Type,
			StartsAt: in.StartsAt,
			OwnerID:  ownerID,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		eventID = id

		for _, c := range in.Capacities {
			if err := s.storage.InsertCapacity(ctx, domain.Capacity{
				EventID:    id,
				TicketType: c.TicketType,
				Price:      c.Price,
				Limit:      c.Limit,
				Sold:       0,
			}); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}

		after(func(ctx context.Context) {
			s.Invalidate(ctx, id)
		})

		return nil
	})
	if err != nil {
		return 0, err
	}

	return eventID, nil
}

// List returns all events whose start instant is at or after now, joined with
// their capacity rows, ordered ascending by start instant. Past events are
// excluded entirely.
func (s *Service) List(ctx context.Context) ([]domain.Event, error) {
	const op = "service.catalog.List"

	load := func(ctx context.Context) ([]domain.Event, error) {
		return s.storage.ListUpcoming(ctx, s.clock.Now())
	}

	if s.cache == nil {
		out, err := load(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return out, nil
	}

	out, err := redisrepo.GetOrSetJSON(ctx, s.cache, redisrepo.KeyUpcomingEvents(), s.cfg.ListTTL, load)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// Get retrieves a single event with its capacity rows.
//
// Returns:
//   - error: catalog.ErrEventNotFound if the event does not exist.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "service.catalog.Get"

	load := func(ctx context.Context) (domain.Event, error) {
		e, err := s.storage.GetEvent(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Event{}, ErrEventNotFound
			}
			return domain.Event{}, err
		}
		return *e, nil
	}

	if s.cache == nil {
		e, err := load(ctx)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				return nil, fmt.Errorf("%s: %w", op, ErrEventNotFound)
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &e, nil
	}

	e, err := redisrepo.GetOrSetJSON(ctx, s.cache, redisrepo.KeyEvent(id), s.cfg.EventTTL, load)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &e, nil
}

// Update overwrites the event's title, type and start instant, then
// reconciles the capacity rows against the requested set by ticket type:
// rows absent from the request are removed, rows present in both get price
// and limit rewritten with the sold counter preserved, rows only in the
// request are created with a zero sold counter. Removals run first, then
// updates in request order, then additions.
//
// No ownership check is made here; ticket operations check ownership but the
// event update path never did.
//
// Returns:
//   - error: catalog.ErrEventNotFound if the event does not exist.
//   - error: catalog.ErrCapacityBelowSold if a requested limit is below the
//     row's current sold count; the row is left unchanged.
func (s *Service) Update(ctx context.Context, id int64, in EventInput, actingUserID int64) error {
	const op = "service.catalog.Update"

	return s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		err := s.storage.UpdateEventRow(ctx, domain.Event{
			ID:       id,
			Title:    in.Title,
			Type:     in.Type,
			StartsAt: in.StartsAt,
		})
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s: %w", op, ErrEventNotFound)
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		current, err := s.storage.CapacitiesForUpdate(ctx, id)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		currentByType := make(map[domain.TicketType]domain.Capacity, len(current))
		for _, c := range current {
			currentByType[c.TicketType] = c
		}

		requested := make(map[domain.TicketType]bool, len(in.Capacities))
		for _, c := range in.Capacities {
			requested[c.TicketType] = true
		}

		for _, c := range current {
			if !requested[c.TicketType] {
				if err := s.storage.DeleteCapacity(ctx, id, c.TicketType); err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
			}
		}

		for _, c := range in.Capacities {
			cur, ok := currentByType[c.TicketType]
			if !ok {
				continue
			}
			if cur.Sold > c.Limit {
				return fmt.Errorf("%s: %w", op, ErrCapacityBelowSold)
			}
			if err := s.storage.UpdateCapacity(ctx, id, c.TicketType, c.Price, c.Limit); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}

		for _, c := range in.Capacities {
			if _, ok := currentByType[c.TicketType]; ok {
				continue
			}
			if err := s.storage.InsertCapacity(ctx, domain.Capacity{
				EventID:    id,
				TicketType: c.TicketType,
				Price:      c.Price,
				Limit:      c.Limit,
				Sold:       0,
			}); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}

		after(func(ctx context.Context) {
			s.Invalidate(ctx, id)
		})

		return nil
	})
}

// Statistics returns the owner's view of an event, capacities with sold
// counts included. Unlike Update, this path is owner-only.
//
// Returns:
//   - error: catalog.ErrEventNotFound if the event does not exist.
//   - error: catalog.ErrNotOwner if actingUserID does not own the event.
func (s *Service) Statistics(ctx context.Context, id int64, actingUserID int64) (*domain.Event, error) {
	const op = "service.catalog.Statistics"

	e, err := s.storage.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrEventNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if e.OwnerID != actingUserID {
		return nil, fmt.Errorf("%s: %w", op, ErrNotOwner)
	}

	return e, nil
}

// AdjustSold applies the effect of a ticket status transition on the sold
// counter of the (event, ticket type) capacity row: a transition into
// confirmed increments, a transition into cancelled decrements, pending and
// expired leave the counter alone. The storage layer keeps 0 <= sold <= limit
// at all times.
//
// Returns:
//   - error: catalog.ErrCapacityNotFound if the capacity row is absent.
//   - error: catalog.ErrCapacityExceeded if the adjustment would push sold
//     out of its range.
func (s *Service) AdjustSold(ctx context.Context, eventID int64, t domain.TicketType, to domain.TicketStatus) error {
	const op = "service.catalog.AdjustSold"

	var delta int
	switch to {
	case domain.TicketPending, domain.TicketExpired:
		return nil
	case domain.TicketConfirmed:
		delta = 1
	case domain.TicketCancelled:
		delta = -1
	default:
		return fmt.Errorf("%s: unknown ticket status %q", op, to)
	}

	if err := s.storage.AdjustSold(ctx, eventID, t, delta); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrCapacityNotFound)
		}
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%s: %w", op, ErrCapacityExceeded)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Invalidate drops cached views of the event and notifies subscribers.
// Callers mutating capacity counters outside this service run it as an
// after-commit hook.
func (s *Service) Invalidate(ctx context.Context, eventID int64) {
	if s.cache != nil {
		_ = s.cache.InvalidateEvent(ctx, eventID)
	}
	if s.pubsub != nil {
		_ = s.pubsub.PublishEventChanged(ctx, eventID)
	}
}
