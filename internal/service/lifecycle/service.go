package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ticketline/internal/clock"
	"ticketline/internal/domain"
	"ticketline/internal/metrics"
	"ticketline/internal/repository"
	"ticketline/internal/uow"
)

// Storage is the persistence contract of the lifecycle engine: ticket rows
// with point updates, the append-only status history, and read access to the
// capacity row backing a ticket.
type Storage interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertTicket(ctx context.Context, t domain.Ticket) error
	GetTicket(ctx context.Context, id uuid.UUID) (*domain.TicketWithEvent, error)
	SetTicketStatus(ctx context.Context, id uuid.UUID, from, to domain.TicketStatus, confirmedAt *time.Time, noRefund bool) error
	AppendHistory(ctx context.Context, h domain.HistoryEntry) error
	TicketsByUser(ctx context.Context, userID int64) ([]domain.TicketWithEvent, error)
	StaleTickets(ctx context.Context, pendingBefore, now time.Time) ([]domain.TicketWithEvent, error)
	History(ctx context.Context, ticketID uuid.UUID) ([]domain.HistoryEntry, error)
	CapacityFor(ctx context.Context, eventID int64, t domain.TicketType) (*domain.Capacity, error)
}

// Catalog is the slice of the event catalog the engine needs: applying the
// sold-counter effect of a transition, and invalidating cached event views
// after one committed.
type Catalog interface {
	AdjustSold(ctx context.Context, eventID int64, t domain.TicketType, to domain.TicketStatus) error
	Invalidate(ctx context.Context, eventID int64)
}

type Config struct {
	// ConfirmTTL is how long a pending ticket stays confirmable.
	ConfirmTTL time.Duration
	// NoRefundAfter is how long past the event start a cancellation forfeits
	// the refund.
	NoRefundAfter time.Duration
}

type Service struct {
	storage Storage
	catalog Catalog
	clock   clock.Clock
	uow     *uow.UoW
	cfg     Config
}

func New(storage Storage, catalog Catalog, clk clock.Clock, cfg Config) *Service {
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 15 * time.Minute
	}

	if cfg.NoRefundAfter <= 0 {
		cfg.NoRefundAfter = 24 * time.Hour
	}

	return &Service{
		storage: storage,
		catalog: catalog,
		clock:   clk,
		uow:     uow.New(storage),
		cfg:     cfg,
	}
}

// CreateTicket reserves one ticket: it persists the row in pending state and
// appends the initial history entry attributed to userID. This is the
// unconditional low-level primitive; checking capacity beforehand is the
// caller's job.
func (s *Service) CreateTicket(ctx context.Context, eventID, userID int64, t domain.TicketType) (uuid.UUID, error) {
	const op = "service.lifecycle.CreateTicket"

	now := s.clock.Now()
	ticket := domain.Ticket{
		ID:        uuid.New(),
		EventID:   eventID,
		UserID:    userID,
		Type:      t,
		Status:    domain.TicketPending,
		CreatedAt: now,
	}

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		if err := s.storage.InsertTicket(ctx, ticket); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if err := s.storage.AppendHistory(ctx, domain.HistoryEntry{
			TicketID:  ticket.ID,
			Status:    domain.TicketPending,
			ChangedAt: now,
			ChangedBy: userID,
		}); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	metrics.TicketsBooked.WithLabelValues(string(t)).Inc()

	return ticket.ID, nil
}

// Confirm moves a pending ticket to confirmed, incrementing the event's sold
// counter.
//
// Returns:
//   - error: lifecycle.ErrTicketNotFound if the ticket does not exist.
//   - error: lifecycle.ErrNotPending if the ticket left pending state.
//   - error: lifecycle.ErrNotOwner if actingUserID does not own the ticket.
//   - error: lifecycle.ErrCapacityMissing / ErrCapacityExhausted when the
//     capacity row is absent or full.
//   - error: lifecycle.ErrTicketExpired if the confirmation window has
//     passed; the ticket is moved to expired before the error is returned,
//     and that write sticks.
func (s *Service) Confirm(ctx context.Context, ticketID uuid.UUID, actingUserID int64) (*domain.TicketWithEvent, error) {
	const op = "service.lifecycle.Confirm"

	ticket, err := s.getTicket(ctx, op, ticketID)
	if err != nil {
		return nil, err
	}

	if ticket.Status != domain.TicketPending {
		return nil, fmt.Errorf("%s: %w", op, ErrNotPending)
	}

	if ticket.UserID != actingUserID {
		return nil, fmt.Errorf("%s: %w", op, ErrNotOwner)
	}

	capacity, err := s.storage.CapacityFor(ctx, ticket.EventID, ticket.Type)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrCapacityMissing)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if capacity.Remaining() < 1 {
		return nil, fmt.Errorf("%s: %w", op, ErrCapacityExhausted)
	}

	now := s.clock.Now()

	if now.After(ticket.CreatedAt.Add(s.cfg.ConfirmTTL)) {
		// The expiry is committed on its own: the confirm fails but the
		// ticket still ends up expired. A conflict means another writer
		// already moved it out of pending, which is just as final.
		if err := s.applyTransition(ctx, ticket, domain.TicketExpired, actingUserID, nil, false); err != nil && !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, ErrTicketExpired)
	}

	if err := s.applyTransition(ctx, ticket, domain.TicketConfirmed, actingUserID, &now, false); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost the race: a concurrent transition took the ticket out
			// of pending between our read and the write.
			return nil, fmt.Errorf("%s: %w", op, ErrNotPending)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return ticket, nil
}

// Cancel moves a ticket to cancelled. Cancellation is only permitted once
// the event's start instant has been reached. Cancelling a confirmed ticket
// decrements the sold counter and, when the event started more than
// NoRefundAfter ago, marks the ticket non-refundable.
//
// Returns:
//   - error: lifecycle.ErrTicketNotFound if the ticket does not exist.
//   - error: lifecycle.ErrAlreadyFinalized if the ticket is already
//     cancelled or expired.
//   - error: lifecycle.ErrNotOwner if actingUserID does not own the ticket.
//   - error: lifecycle.ErrEventNotStarted if the event has not started.
func (s *Service) Cancel(ctx context.Context, ticketID uuid.UUID, actingUserID int64) error {
	const op = "service.lifecycle.Cancel"

	ticket, err := s.getTicket(ctx, op, ticketID)
	if err != nil {
		return err
	}

	if ticket.Status.Terminal() {
		return fmt.Errorf("%s: %w", op, ErrAlreadyFinalized)
	}

	if ticket.UserID != actingUserID {
		return fmt.Errorf("%s: %w", op, ErrNotOwner)
	}

	now := s.clock.Now()

	if ticket.EventStartsAt.After(now) {
		return fmt.Errorf("%s: %w", op, ErrEventNotStarted)
	}

	noRefund := false
	if ticket.Status == domain.TicketConfirmed {
		noRefund = now.Sub(ticket.EventStartsAt) > s.cfg.NoRefundAfter
	}

	if err := s.applyTransition(ctx, ticket, domain.TicketCancelled, actingUserID, nil, noRefund); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%s: %w", op, ErrAlreadyFinalized)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ListForUser returns all tickets owned by userID, newest-created first.
// Stale tickets are normalized on the way out: a pending ticket past its
// confirmation window, or a confirmed ticket whose event already started,
// is moved to expired before being returned.
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]domain.TicketWithEvent, error) {
	const op = "service.lifecycle.ListForUser"

	tickets, err := s.storage.TicketsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.clock.Now()

	for i := range tickets {
		if !s.isStale(&tickets[i], now) {
			continue
		}
		if err := s.applyTransition(ctx, &tickets[i], domain.TicketExpired, userID, nil, false); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				// Another writer transitioned it first; return its view.
				fresh, ferr := s.storage.GetTicket(ctx, tickets[i].ID)
				if ferr != nil {
					return nil, fmt.Errorf("%s: %w", op, ferr)
				}
				tickets[i] = *fresh
				continue
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	return tickets, nil
}

// History returns the status history of a ticket, newest entry first.
//
// Returns:
//   - error: lifecycle.ErrTicketNotFound if the ticket does not exist.
//   - error: lifecycle.ErrNotOwner if actingUserID does not own the ticket.
func (s *Service) History(ctx context.Context, ticketID uuid.UUID, actingUserID int64) ([]domain.HistoryEntry, error) {
	const op = "service.lifecycle.History"

	ticket, err := s.getTicket(ctx, op, ticketID)
	if err != nil {
		return nil, err
	}

	if ticket.UserID != actingUserID {
		return nil, fmt.Errorf("%s: %w", op, ErrNotOwner)
	}

	entries, err := s.storage.History(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return entries, nil
}

// SweepExpired expires every stale ticket in one pass: pending tickets past
// their confirmation window and confirmed tickets whose event started.
// The sweep is idempotent; it returns the number of tickets moved.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	const op = "service.lifecycle.SweepExpired"

	now := s.clock.Now()

	stale, err := s.storage.StaleTickets(ctx, now.Add(-s.cfg.ConfirmTTL), now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	swept := 0
	for i := range stale {
		if err := s.applyTransition(ctx, &stale[i], domain.TicketExpired, stale[i].UserID, nil, false); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				// A concurrent sweep or user action got there first.
				continue
			}
			return swept, fmt.Errorf("%s: %w", op, err)
		}
		swept++
	}

	metrics.SweepExpired.Add(float64(swept))

	return swept, nil
}

func (s *Service) getTicket(ctx context.Context, op string, ticketID uuid.UUID) (*domain.TicketWithEvent, error) {
	ticket, err := s.storage.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrTicketNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ticket, nil
}

// applyTransition writes one status transition: the ticket's point update,
// the sold-counter effect where the policy table says so, and the history
// entry, all in one transaction. The point update is predicated on the status
// the caller read, so two racing transitions out of the same state commit at
// most once; the loser gets repository.ErrConflict and no counter or history
// write. The policy table only adjusts the counter for pending->confirmed and
// confirmed->cancelled; every other pair leaves it alone. Legality of the
// transition is the caller's concern.
func (s *Service) applyTransition(
	ctx context.Context,
	ticket *domain.TicketWithEvent,
	to domain.TicketStatus,
	actingUserID int64,
	confirmedAt *time.Time,
	noRefund bool,
) error {
	from := ticket.Status

	adjust := false
	switch {
	case from == domain.TicketPending && to == domain.TicketConfirmed:
		adjust = true
	case from == domain.TicketConfirmed && to == domain.TicketCancelled:
		adjust = true
	}

	err := s.uow.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		if err := s.storage.SetTicketStatus(ctx, ticket.ID, from, to, confirmedAt, noRefund); err != nil {
			return err
		}

		if adjust {
			if err := s.catalog.AdjustSold(ctx, ticket.EventID, ticket.Type, to); err != nil {
				return err
			}

			after(func(ctx context.Context) {
				s.catalog.Invalidate(ctx, ticket.EventID)
			})
		}

		return s.storage.AppendHistory(ctx, domain.HistoryEntry{
			TicketID:  ticket.ID,
			Status:    to,
			ChangedAt: s.clock.Now(),
			ChangedBy: actingUserID,
		})
	})
	if err != nil {
		return err
	}

	ticket.Status = to
	if confirmedAt != nil {
		ticket.ConfirmedAt = confirmedAt
	}
	if noRefund {
		ticket.NoRefund = true
	}

	metrics.TicketTransitions.WithLabelValues(string(to)).Inc()

	return nil
}

func (s *Service) isStale(t *domain.TicketWithEvent, now time.Time) bool {
	switch t.Status {
	case domain.TicketPending:
		return now.After(t.CreatedAt.Add(s.cfg.ConfirmTTL))
	case domain.TicketConfirmed:
		return t.EventStartsAt.Before(now)
	case domain.TicketCancelled, domain.TicketExpired:
		return false
	default:
		return false
	}
}
