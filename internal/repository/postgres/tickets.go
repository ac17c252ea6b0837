package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ticketline/internal/domain"
	"ticketline/internal/repository"
)

type TicketRepo struct {
	store *Store
}

func (r *TicketRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.store.WithTx(ctx, fn)
}

func (r *TicketRepo) InsertTicket(ctx context.Context, t domain.Ticket) error {
	const op = "postgres.TicketRepo.InsertTicket"

	db := r.store.handle(ctx)

	_, err := db.Exec(ctx,
		`INSERT INTO tickets (id, event_id, user_id, ticket_type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.EventID, t.UserID, string(t.Type), string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	return nil
}

// GetTicket retrieves a ticket joined with the start instant of its event.
//
// Returns:
//   - error: repository.ErrNotFound if the ticket does not exist.
func (r *TicketRepo) GetTicket(ctx context.Context, id uuid.UUID) (*domain.TicketWithEvent, error) {
	const op = "postgres.TicketRepo.GetTicket"

	db := r.store.handle(ctx)

	t, err := scanTicketWithEvent(db.QueryRow(ctx,
		ticketWithEventSelect+` WHERE t.id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	return t, nil
}

// SetTicketStatus point-updates the lifecycle fields of a ticket, predicated
// on the status the caller read. The predicate makes the transition a
// compare-and-swap: a concurrent transition that got there first leaves zero
// rows, and the caller's stale read surfaces as a conflict instead of a
// double write. confirmedAt is written only when non-nil; the no-refund flag
// is sticky once set.
//
// Returns:
//   - error: repository.ErrNotFound if the ticket does not exist.
//   - error: repository.ErrConflict if the ticket is no longer in from.
func (r *TicketRepo) SetTicketStatus(ctx context.Context, id uuid.UUID, from, to domain.TicketStatus, confirmedAt *time.Time, noRefund bool) error {
	const op = "postgres.TicketRepo.SetTicketStatus"

	db := r.store.handle(ctx)

	tag, err := db.Exec(ctx,
		`UPDATE tickets
		 SET status = $3,
		     confirmed_at = COALESCE($4, confirmed_at),
		     no_refund = no_refund OR $5
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), confirmedAt, noRefund,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		err := db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`,
			id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%s: %w", op, translateDBErr(err))
		}
		if !exists {
			return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	return nil
}

// AppendHistory records one status transition. The history table is
// append-only; rows are never updated or deleted.
func (r *TicketRepo) AppendHistory(ctx context.Context, h domain.HistoryEntry) error {
	const op = "postgres.TicketRepo.AppendHistory"

	db := r.store.handle(ctx)

	_, err := db.Exec(ctx,
		`INSERT INTO ticket_status_history (ticket_id, status, changed_at, changed_by)
		 VALUES ($1, $2, $3, $4)`,
		h.TicketID, string(h.Status), h.ChangedAt, h.ChangedBy,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	return nil
}

// TicketsByUser lists all tickets owned by a user, newest-created first.
func (r *TicketRepo) TicketsByUser(ctx context.Context, userID int64) ([]domain.TicketWithEvent, error) {
	const op = "postgres.TicketRepo.TicketsByUser"

	db := r.store.handle(ctx)

	rows, err := db.Query(ctx,
		ticketWithEventSelect+` WHERE t.user_id = $1 ORDER BY t.created_at DESC, t.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	defer rows.Close()

	out, err := collectTickets(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// StaleTickets returns tickets due for expiry: pending tickets created before
// pendingBefore, and confirmed tickets whose event has started by now.
func (r *TicketRepo) StaleTickets(ctx context.Context, pendingBefore, now time.Time) ([]domain.TicketWithEvent, error) {
	const op = "postgres.TicketRepo.StaleTickets"

	db := r.store.handle(ctx)

	rows, err := db.Query(ctx,
		ticketWithEventSelect+`
		 WHERE (t.status = 'pending' AND t.created_at < $1)
		    OR (t.status = 'confirmed' AND e.starts_at < $2)
		 ORDER BY t.created_at`,
		pendingBefore, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	defer rows.Close()

	out, err := collectTickets(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// History lists the status history of a ticket, newest entry first.
func (r *TicketRepo) History(ctx context.Context, ticketID uuid.UUID) ([]domain.HistoryEntry, error) {
	const op = "postgres.TicketRepo.History"

	db := r.store.handle(ctx)

	rows, err := db.Query(ctx,
		`SELECT id, ticket_id, status, changed_at, changed_by
		 FROM ticket_status_history
		 WHERE ticket_id = $1
		 ORDER BY changed_at DESC, id DESC`,
		ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var status string
		if err := rows.Scan(&h.ID, &h.TicketID, &status, &h.ChangedAt, &h.ChangedBy); err != nil {
			return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
		}
		h.Status = domain.TicketStatus(status)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// CapacityFor reads the capacity row backing a ticket type of an event.
//
// Returns:
//   - error: repository.ErrNotFound if the row is absent.
func (r *TicketRepo) CapacityFor(ctx context.Context, eventID int64, t domain.TicketType) (*domain.Capacity, error) {
	const op = "postgres.TicketRepo.CapacityFor"

	db := r.store.handle(ctx)

	rows, err := db.Query(ctx,
		`SELECT event_id, ticket_type, price, cap_limit, sold
		 FROM event_capacities
		 WHERE event_id = $1 AND ticket_type = $2`,
		eventID, string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
		}
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	c, err := scanCapacity(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &c, nil
}

const ticketWithEventSelect = `
	SELECT t.id, t.event_id, t.user_id, t.ticket_type, t.status,
	       t.created_at, t.confirmed_at, t.no_refund, e.starts_at
	FROM tickets t
	JOIN events e ON e.id = t.event_id`

func scanTicketWithEvent(row pgx.Row) (*domain.TicketWithEvent, error) {
	var t domain.TicketWithEvent
	var ticketType, status string

	err := row.Scan(
		&t.ID,
		&t.EventID,
		&t.UserID,
		&ticketType,
		&status,
		&t.CreatedAt,
		&t.ConfirmedAt,
		&t.NoRefund,
		&t.EventStartsAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = domain.TicketType(ticketType)
	t.Status = domain.TicketStatus(status)

	return &t, nil
}

func collectTickets(rows pgx.Rows) ([]domain.TicketWithEvent, error) {
	var out []domain.TicketWithEvent
	for rows.Next() {
		t, err := scanTicketWithEvent(rows)
		if err != nil {
			return nil, translateDBErr(err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
