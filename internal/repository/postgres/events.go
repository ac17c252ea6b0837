package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"ticketline/internal/domain"
	"ticketline/internal/repository"
)

type EventRepo struct {
	store *Store
}

func (r *EventRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.store.WithTx(ctx, fn)
}

// CreateEvent persists the event row and returns the allocated ID.
// Capacity rows are inserted separately via InsertCapacity.
func (r *EventRepo) CreateEvent(ctx context.Context, e domain.Event) (int64, error) {
	const op = "postgres.EventRepo.CreateEvent"

	db := r.store.handle(ctx)

	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO events (title, event_type, starts_at, owner_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		e.Title, string(e.Type), e.StartsAt, e.OwnerID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	return id, nil
}

// UpdateEventRow overwrites title, type and start instant of an event.
//
// Returns:
//   - error: repository.ErrNotFound if the event does not exist.
func (r *EventRepo) UpdateEventRow(ctx context.Context, e domain.Event) error {
	const op = "postgres.EventRepo.UpdateEventRow"

	db := r.store.handle(ctx)

	tag, err := db.Exec(ctx,
		`UPDATE events SET title = $2, event_type = $3, starts_at = $4 WHERE id = $1`,
		e.ID, e.Title, string(e.Type), e.StartsAt,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return nil
}

// GetEvent retrieves an event joined with its capacity rows.
//
// Returns:
//   - *domain.Event: the event when found.
//   - error: repository.ErrNotFound if the event does not exist.
func (r *EventRepo) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "postgres.EventRepo.GetEvent"

	db := r.store.handle(ctx)

	var e domain.Event
	var eventType string
	err := db.QueryRow(ctx,
		`SELECT id, title, event_type, starts_at, owner_id FROM events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Title, &eventType, &e.StartsAt, &e.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}
	e.Type = domain.EventType(eventType)

	caps, err := r.capacities(ctx, db, id, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.Capacities = caps

	return &e, nil
}

// ListUpcoming returns every event starting at or after now, joined with its
// capacity rows, ordered ascending by start instant.
func (r *EventRepo) ListUpcoming(ctx context.Context, now time.Time) ([]domain.Event, error) {
	const op = "postgres.EventRepo.ListUpcoming"

	db := r.store.handle(ctx)

	rows, err := db.Query(ctx,
		`SELECT id, title, event_type, starts_at, owner_id
		 FROM events
		 WHERE starts_at >= $1
		 ORDER BY starts_at, id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.Event
	byID := map[int64]int{}
	for rows.Next() {
		var e domain.Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.Title, &eventType, &e.StartsAt, &e.OwnerID); err != nil {
			return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
		}
		e.Type = domain.EventType(eventType)
		byID[e.ID] = len(out)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if len(out) == 0 {
		return out, nil
	}

	capRows, err := db.Query(ctx,
		`SELECT c.event_id, c.ticket_type, c.price, c.cap_limit, c.sold
		 FROM event_capacities c
		 JOIN events e ON e.id = c.event_id
		 WHERE e.starts_at >= $1
		 ORDER BY c.event_id, c.ticket_type`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	defer capRows.Close()

	for capRows.Next() {
		c, err := scanCapacity(capRows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if i, ok := byID[c.EventID]; ok {
			out[i].Capacities = append(out[i].Capacities, c)
		}
	}
	if err := capRows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// CapacitiesForUpdate reads all capacity rows of an event with row locks held,
// so a surrounding WithTx serializes concurrent reconciliation and booking.
func (r *EventRepo) CapacitiesForUpdate(ctx context.Context, eventID int64) ([]domain.Capacity, error) {
	const op = "postgres.EventRepo.CapacitiesForUpdate"

	db := r.store.handle(ctx)

	caps, err := r.capacities(ctx, db, eventID, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return caps, nil
}

// CapacityForUpdate reads a single capacity row with a row lock held.
//
// Returns:
//   - error: repository.ErrNotFound if the (event, ticket type) row is absent.
func (r *EventRepo) CapacityForUpdate(ctx context.Context, eventID int64, t domain.TicketType) (*domain.Capacity, error) {
	const op = "postgres.EventRepo.CapacityForUpdate"

	db := r.store.handle(ctx)

	var c domain.Capacity
	var ticketType string
	var price decimal.Decimal
	err := db.QueryRow(ctx,
		`SELECT event_id, ticket_type, price, cap_limit, sold
		 FROM event_capacities
		 WHERE event_id = $1 AND ticket_type = $2
		 FOR UPDATE`,
		eventID, string(t),
	).Scan(&c.EventID, &ticketType, &price, &c.Limit, &c.Sold)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}
	c.TicketType = domain.TicketType(ticketType)
	c.Price = price

	return &c, nil
}

func (r *EventRepo) InsertCapacity(ctx context.Context, c domain.Capacity) error {
	const op = "postgres.EventRepo.InsertCapacity"

	db := r.store.handle(ctx)

	_, err := db.Exec(ctx,
		`INSERT INTO event_capacities (event_id, ticket_type, price, cap_limit, sold)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.EventID, string(c.TicketType), c.Price, c.Limit, c.Sold,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	return nil
}

// UpdateCapacity overwrites price and limit of a capacity row. The sold
// counter is left untouched; callers reject limits below the current sold
// count before getting here, and the check constraint backs them up.
func (r *EventRepo) UpdateCapacity(ctx context.Context, eventID int64, t domain.TicketType, price decimal.Decimal, limit int) error {
	const op = "postgres.EventRepo.UpdateCapacity"

	db := r.store.handle(ctx)

	tag, err := db.Exec(ctx,
		`UPDATE event_capacities SET price = $3, cap_limit = $4
		 WHERE event_id = $1 AND ticket_type = $2`,
		eventID, string(t), price, limit,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return nil
}

func (r *EventRepo) DeleteCapacity(ctx context.Context, eventID int64, t domain.TicketType) error {
	const op = "postgres.EventRepo.DeleteCapacity"

	db := r.store.handle(ctx)

	_, err := db.Exec(ctx,
		`DELETE FROM event_capacities WHERE event_id = $1 AND ticket_type = $2`,
		eventID, string(t),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	return nil
}

// AdjustSold applies delta to the sold counter of a capacity row. The guarded
// update keeps 0 <= sold <= limit at all times: an adjustment that would leave
// the range affects no rows and is reported as a conflict.
//
// Returns:
//   - error: repository.ErrNotFound if the capacity row is absent.
//   - error: repository.ErrConflict if the adjustment would break the invariant.
func (r *EventRepo) AdjustSold(ctx context.Context, eventID int64, t domain.TicketType, delta int) error {
	const op = "postgres.EventRepo.AdjustSold"

	db := r.store.handle(ctx)

	tag, err := db.Exec(ctx,
		`UPDATE event_capacities
		 SET sold = sold + $3
		 WHERE event_id = $1 AND ticket_type = $2
		   AND sold + $3 BETWEEN 0 AND cap_limit`,
		eventID, string(t), delta,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		err := db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM event_capacities WHERE event_id = $1 AND ticket_type = $2)`,
			eventID, string(t),
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

func (r *EventRepo) capacities(ctx context.Context, db DB, eventID int64, forUpdate bool) ([]domain.Capacity, error) {
	q := `SELECT event_id, ticket_type, price, cap_limit, sold
	      FROM event_capacities
	      WHERE event_id = $1
	      ORDER BY ticket_type`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	rows, err := db.Query(ctx, q, eventID)
	if err != nil {
		return nil, translateDBErr(err)
	}

	defer rows.Close()

	var out []domain.Capacity
	for rows.Next() {
		c, err := scanCapacity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

func scanCapacity(rows pgx.Rows) (domain.Capacity, error) {
	var c domain.Capacity
	var ticketType string
	var price decimal.Decimal

	if err := rows.Scan(&c.EventID, &ticketType, &price, &c.Limit, &c.Sold); err != nil {
		return domain.Capacity{}, translateDBErr(err)
	}

	c.TicketType = domain.TicketType(ticketType)
	c.Price = price

	return c, nil
}
