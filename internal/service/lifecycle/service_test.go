package lifecycle

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ticketline/internal/clock"
	"ticketline/internal/domain"
	"ticketline/internal/repository"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	ownerID    = int64(10)
	strangerID = int64(20)
)

func newTestService(now time.Time) (*Service, *fakeTicketStorage, *fakeCatalog) {
	storage := newFakeTicketStorage()
	cat := &fakeCatalog{}
	svc := New(storage, cat, clock.NewFixed(now), Config{
		ConfirmTTL:    15 * time.Minute,
		NoRefundAfter: 24 * time.Hour,
	})
	return svc, storage, cat
}

func TestService_CreateTicket(t *testing.T) {
	t.Parallel()

	svc, storage, _ := newTestService(testNow)

	id, err := svc.CreateTicket(context.Background(), 1, ownerID, domain.TicketRegular)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	ticket := storage.tickets[id]
	require.Equal(t, domain.TicketPending, ticket.Status)
	require.Equal(t, testNow, ticket.CreatedAt)
	require.Nil(t, ticket.ConfirmedAt)

	history := storage.history[id]
	require.Len(t, history, 1)
	require.Equal(t, domain.TicketPending, history[0].Status)
	require.Equal(t, ownerID, history[0].ChangedBy)
}

func TestService_Confirm(t *testing.T) {
	t.Parallel()

	eventStart := testNow.Add(48 * time.Hour)

	t.Run("inside the window", func(t *testing.T) {
		svc, storage, cat := newTestService(testNow)
		id := storage.addTicket(domain.TicketPending, testNow.Add(-5*time.Minute), eventStart, ownerID)

		ticket, err := svc.Confirm(context.Background(), id, ownerID)
		require.NoError(t, err)
		require.Equal(t, domain.TicketConfirmed, ticket.Status)
		require.NotNil(t, ticket.ConfirmedAt)
		require.Equal(t, testNow, *ticket.ConfirmedAt)

		require.Equal(t, domain.TicketConfirmed, storage.tickets[id].Status)
		require.Equal(t, []domain.TicketStatus{domain.TicketConfirmed}, cat.adjustments)
		require.Equal(t, 1, cat.invalidations)

		history := storage.history[id]
		require.Len(t, history, 1)
		require.Equal(t, domain.TicketConfirmed, history[0].Status)
		require.Equal(t, ownerID, history[0].ChangedBy)
	})

	t.Run("past the window expires the ticket", func(t *testing.T) {
		svc, storage, cat := newTestService(testNow)
		id := storage.addTicket(domain.TicketPending, testNow.Add(-16*time.Minute), eventStart, ownerID)

		_, err := svc.Confirm(context.Background(), id, ownerID)
		require.ErrorIs(t, err, ErrTicketExpired)

		// The failed confirm still leaves a committed expiry behind.
		require.Equal(t, domain.TicketExpired, storage.tickets[id].Status)
		require.Empty(t, cat.adjustments, "expiry does not touch the sold counter")

		history := storage.history[id]
		require.Len(t, history, 1)
		require.Equal(t, domain.TicketExpired, history[0].Status)
	})

	t.Run("owner only", func(t *testing.T) {
		svc, storage, _ := newTestService(testNow)
		id := storage.addTicket(domain.TicketPending, testNow, eventStart, ownerID)

		_, err := svc.Confirm(context.Background(), id, strangerID)
		require.ErrorIs(t, err, ErrNotOwner)
		require.Equal(t, domain.TicketPending, storage.tickets[id].Status)
	})

	t.Run("racing confirms commit once", func(t *testing.T) {
		svc, storage, cat := newTestService(testNow)
		id := storage.addTicket(domain.TicketPending, testNow.Add(-5*time.Minute), eventStart, ownerID)

		snap, err := storage.GetTicket(context.Background(), id)
		require.NoError(t, err)

		_, err = svc.Confirm(context.Background(), id, ownerID)
		require.NoError(t, err)

		// The second caller read the row while it was still pending, so
		// its in-memory checks pass and only the guarded write stops it.
		storage.readOverride[id] = *snap

		_, err = svc.Confirm(context.Background(), id, ownerID)
		require.ErrorIs(t, err, ErrNotPending)

		require.Equal(t, []domain.TicketStatus{domain.TicketConfirmed}, cat.adjustments, "the sold counter moves once")
		require.Len(t, storage.history[id], 1, "the losing write leaves no history entry")
	})

	t.Run("only pending tickets", func(t *testing.T) {
		svc, storage, _ := newTestService(testNow)
		id := storage.addTicket(domain.TicketConfirmed, testNow, eventStart, ownerID)

		_, err := svc.Confirm(context.Background(), id, ownerID)
		require.ErrorIs(t, err, ErrNotPending)
	})

	t.Run("exhausted capacity", func(t *testing.T) {
		svc, storage, _ := newTestService(testNow)
		id := storage.addTicket(domain.TicketPending, testNow, eventStart, ownerID)
		storage.capacity = &domain.Capacity{EventID: 1, TicketType: domain.TicketRegular, Limit: 5, Sold: 5}

		_, err := svc.Confirm(context.Background(), id, ownerID)
		require.ErrorIs(t, err, ErrCapacityExhausted)
	})

	t.Run("missing capacity row", func(t *testing.T) {
		svc, storage, _ := newTestService(testNow)
		id := storage.addTicket(domain.TicketPending, testNow, eventStart, ownerID)
		storage.capacityErr = repository.ErrNotFound

		_, err := svc.Confirm(context.Background(), id, ownerID)
		require.ErrorIs(t, err, ErrCapacityMissing)
	})

	t.Run("unknown ticket", func(t *testing.T) {
		svc, _, _ := newTestService(testNow)

		_, err := svc.Confirm(context.Background(), uuid.New(), ownerID)
		require.ErrorIs(t, err, ErrTicketNotFound)
	})
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("before the event starts", func(t *testing.T) {
		svc, storage, _ := newTestService(testNow)
		id := storage.addTicket(domain.TicketConfirmed, testNow, testNow.Add(time.Hour), ownerID)

		err := svc.Cancel(context.Background(), id, ownerID)
		require.ErrorIs(t, err, ErrEventNotStarted)
		require.Equal(t, domain.TicketConfirmed, storage.tickets[id].Status)
	})

	t.Run("confirmed ticket after start", func(t *testing.T) {
		svc, storage, cat := newTestService(testNow)
		id := storage.addTicket(domain.TicketConfirmed, testNow.Add(-2*time.Hour), testNow.Add(-time.Hour), ownerID)

		err := svc.Cancel(context.Background(), id, ownerID)
		require.NoError(t, err)

		ticket := storage.tickets[id]
		require.Equal(t, domain.TicketCancelled, ticket.Status)
		require.False(t, ticket.NoRefund)
		require.Equal(t, []domain.TicketStatus{domain.TicketCancelled}, cat.adjustments)
		require.Equal(t, 1, cat.invalidations)
	})

	t.Run("refund forfeited long after start", func(t *testing.T) {
		svc, storage, _ := newTestService(testNow)
		id := storage.addTicket(domain.TicketConfirmed, testNow.Add(-72*time.Hour), testNow.Add(-25*time.Hour), ownerID)

		err := svc.Cancel(context.Background(), id, ownerID)
		require.NoError(t, err)

		ticket := storage.tickets[id]
		require.Equal(t, domain.TicketCancelled, ticket.Status)
		require.True(t, ticket.NoRefund)
	})

	t.Run("pending ticket keeps the counter alone", func(t *testing.T) {
		svc, storage, cat := newTestService(testNow)
		id := storage.addTicket(domain.TicketPending, testNow.Add(-2*time.Hour), testNow.Add(-time.Hour), ownerID)

		err := svc.Cancel(context.Background(), id, ownerID)
		require.NoError(t, err)
		require.Equal(t, domain.TicketCancelled, storage.tickets[id].Status)
		require.Empty(t, cat.adjustments)
		require.False(t, storage.tickets[id].NoRefund, "no-refund only applies to confirmed tickets")
	})

	t.Run("terminal tickets are final", func(t *testing.T) {
		svc, storage, _ := newTestService(testNow)
		cancelled := storage.addTicket(domain.TicketCancelled, testNow, testNow.Add(-time.Hour), ownerID)
		expired := storage.addTicket(domain.TicketExpired, testNow, testNow.Add(-time.Hour), ownerID)

		require.ErrorIs(t, svc.Cancel(context.Background(), cancelled, ownerID), ErrAlreadyFinalized)
		require.ErrorIs(t, svc.Cancel(context.Background(), expired, ownerID), ErrAlreadyFinalized)
	})

	t.Run("owner only", func(t *testing.T) {
		svc, storage, _ := newTestService(testNow)
		id := storage.addTicket(domain.TicketConfirmed, testNow, testNow.Add(-time.Hour), ownerID)

		require.ErrorIs(t, svc.Cancel(context.Background(), id, strangerID), ErrNotOwner)
	})
}

func TestService_ListForUser(t *testing.T) {
	t.Parallel()

	svc, storage, _ := newTestService(testNow)

	fresh := storage.addTicket(domain.TicketPending, testNow.Add(-5*time.Minute), testNow.Add(48*time.Hour), ownerID)
	overdue := storage.addTicket(domain.TicketPending, testNow.Add(-20*time.Minute), testNow.Add(48*time.Hour), ownerID)
	started := storage.addTicket(domain.TicketConfirmed, testNow.Add(-2*time.Hour), testNow.Add(-time.Hour), ownerID)
	storage.addTicket(domain.TicketPending, testNow.Add(-20*time.Minute), testNow.Add(48*time.Hour), strangerID)

	tickets, err := svc.ListForUser(context.Background(), ownerID)
	require.NoError(t, err)
	require.Len(t, tickets, 3, "only the user's own tickets come back")

	got := make([]uuid.UUID, len(tickets))
	for i, tk := range tickets {
		got[i] = tk.ID
	}
	require.Equal(t, []uuid.UUID{fresh, overdue, started}, got, "newest-created first")

	require.Equal(t, domain.TicketPending, tickets[0].Status)
	require.Equal(t, domain.TicketExpired, tickets[1].Status, "overdue pending tickets are normalized on read")
	require.Equal(t, domain.TicketExpired, tickets[2].Status, "confirmed tickets of started events are normalized on read")

	require.Equal(t, domain.TicketExpired, storage.tickets[overdue].Status, "normalization is persisted")
	require.Equal(t, domain.TicketExpired, storage.tickets[started].Status)
}

func TestService_History(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(testNow)

	id, err := svc.CreateTicket(context.Background(), 1, ownerID, domain.TicketRegular)
	require.NoError(t, err)

	_, err = svc.Confirm(context.Background(), id, ownerID)
	require.NoError(t, err)

	entries, err := svc.History(context.Background(), id, ownerID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, domain.TicketConfirmed, entries[0].Status, "the latest transition comes first")
	require.Equal(t, domain.TicketPending, entries[1].Status)

	_, err = svc.History(context.Background(), id, strangerID)
	require.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.History(context.Background(), uuid.New(), ownerID)
	require.ErrorIs(t, err, ErrTicketNotFound)
}

func TestService_SweepExpired(t *testing.T) {
	t.Parallel()

	svc, storage, cat := newTestService(testNow)

	storage.addTicket(domain.TicketPending, testNow.Add(-20*time.Minute), testNow.Add(48*time.Hour), ownerID)
	storage.addTicket(domain.TicketConfirmed, testNow.Add(-2*time.Hour), testNow.Add(-time.Hour), ownerID)
	fresh := storage.addTicket(domain.TicketPending, testNow.Add(-5*time.Minute), testNow.Add(48*time.Hour), ownerID)

	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, domain.TicketPending, storage.tickets[fresh].Status)
	require.Empty(t, cat.adjustments, "expiry never touches the sold counter")

	n, err = svc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Zero(t, n, "second sweep finds nothing")
}

type fakeTicketStorage struct {
	tickets       map[uuid.UUID]*domain.TicketWithEvent
	order         []uuid.UUID
	history       map[uuid.UUID][]domain.HistoryEntry
	nextHistoryID int64
	capacity      *domain.Capacity
	capacityErr   error

	// readOverride makes GetTicket serve a stale snapshot for a ticket,
	// standing in for a reader that raced a concurrent writer.
	readOverride map[uuid.UUID]domain.TicketWithEvent
}

func newFakeTicketStorage() *fakeTicketStorage {
	return &fakeTicketStorage{
		tickets:      make(map[uuid.UUID]*domain.TicketWithEvent),
		history:      make(map[uuid.UUID][]domain.HistoryEntry),
		readOverride: make(map[uuid.UUID]domain.TicketWithEvent),
	}
}

func (f *fakeTicketStorage) addTicket(status domain.TicketStatus, createdAt, eventStartsAt time.Time, userID int64) uuid.UUID {
	id := uuid.New()
	f.tickets[id] = &domain.TicketWithEvent{
		Ticket: domain.Ticket{
			ID:        id,
			EventID:   1,
			UserID:    userID,
			Type:      domain.TicketRegular,
			Status:    status,
			CreatedAt: createdAt,
		},
		EventStartsAt: eventStartsAt,
	}
	f.order = append(f.order, id)
	return id
}

func (f *fakeTicketStorage) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeTicketStorage) InsertTicket(_ context.Context, t domain.Ticket) error {
	f.tickets[t.ID] = &domain.TicketWithEvent{Ticket: t, EventStartsAt: testNow.Add(48 * time.Hour)}
	f.order = append(f.order, t.ID)
	return nil
}

func (f *fakeTicketStorage) GetTicket(_ context.Context, id uuid.UUID) (*domain.TicketWithEvent, error) {
	if snap, ok := f.readOverride[id]; ok {
		return &snap, nil
	}
	t, ok := f.tickets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTicketStorage) SetTicketStatus(_ context.Context, id uuid.UUID, from, to domain.TicketStatus, confirmedAt *time.Time, noRefund bool) error {
	t, ok := f.tickets[id]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Status != from {
		return repository.ErrConflict
	}
	t.Status = to
	if confirmedAt != nil {
		t.ConfirmedAt = confirmedAt
	}
	if noRefund {
		t.NoRefund = true
	}
	return nil
}

func (f *fakeTicketStorage) AppendHistory(_ context.Context, h domain.HistoryEntry) error {
	f.nextHistoryID++
	h.ID = f.nextHistoryID
	f.history[h.TicketID] = append(f.history[h.TicketID], h)
	return nil
}

func (f *fakeTicketStorage) TicketsByUser(_ context.Context, userID int64) ([]domain.TicketWithEvent, error) {
	var out []domain.TicketWithEvent
	for _, id := range f.order {
		t := f.tickets[id]
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeTicketStorage) StaleTickets(_ context.Context, pendingBefore, now time.Time) ([]domain.TicketWithEvent, error) {
	var out []domain.TicketWithEvent
	for _, id := range f.order {
		t := f.tickets[id]
		switch t.Status {
		case domain.TicketPending:
			if t.CreatedAt.Before(pendingBefore) {
				out = append(out, *t)
			}
		case domain.TicketConfirmed:
			if t.EventStartsAt.Before(now) {
				out = append(out, *t)
			}
		}
	}
	return out, nil
}

func (f *fakeTicketStorage) History(_ context.Context, ticketID uuid.UUID) ([]domain.HistoryEntry, error) {
	out := append([]domain.HistoryEntry(nil), f.history[ticketID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ChangedAt.After(out[j].ChangedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (f *fakeTicketStorage) CapacityFor(_ context.Context, eventID int64, tt domain.TicketType) (*domain.Capacity, error) {
	if f.capacityErr != nil {
		return nil, f.capacityErr
	}
	if f.capacity != nil {
		return f.capacity, nil
	}
	return &domain.Capacity{EventID: eventID, TicketType: tt, Limit: 100, Sold: 0}, nil
}

type fakeCatalog struct {
	adjustments   []domain.TicketStatus
	invalidations int
}

func (f *fakeCatalog) AdjustSold(_ context.Context, _ int64, _ domain.TicketType, to domain.TicketStatus) error {
	f.adjustments = append(f.adjustments, to)
	return nil
}

func (f *fakeCatalog) Invalidate(_ context.Context, _ int64) {
	f.invalidations++
}
