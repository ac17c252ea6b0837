package catalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ticketline/internal/clock"
	"ticketline/internal/domain"
	"ticketline/internal/repository"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(storage Storage) *Service {
	return New(storage, nil, nil, clock.NewFixed(testNow), Config{})
}

func TestService_Create(t *testing.T) {
	t.Parallel()

	storage := newFakeCatalogStorage()
	svc := newTestService(storage)

	id, err := svc.Create(context.Background(), EventInput{
		Title:    "Go Meetup",
		Type:     domain.EventConference,
		StartsAt: testNow.Add(48 * time.Hour),
		Capacities: []CapacityInput{
			{TicketType: domain.TicketRegular, Price: decimal.NewFromInt(100), Limit: 50},
			{TicketType: domain.TicketVIP, Price: decimal.NewFromInt(300), Limit: 10},
		},
	}, 11)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	e := storage.events[id]
	require.Equal(t, "Go Meetup", e.Title)
	require.Equal(t, int64(11), e.OwnerID)

	caps := storage.capacities[id]
	require.Len(t, caps, 2)
	for _, c := range caps {
		require.Zero(t, c.Sold, "new capacity rows start with nothing sold")
	}
}

func TestService_List(t *testing.T) {
	t.Parallel()

	storage := newFakeCatalogStorage()
	svc := newTestService(storage)

	past := storage.addEvent(domain.Event{Title: "Past", StartsAt: testNow.Add(-time.Hour), OwnerID: 1})
	late := storage.addEvent(domain.Event{Title: "Later", StartsAt: testNow.Add(72 * time.Hour), OwnerID: 1})
	soon := storage.addEvent(domain.Event{Title: "Soon", StartsAt: testNow.Add(time.Hour), OwnerID: 1})

	events, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.Equal(t, soon, events[0].ID, "upcoming events come back in start order")
	require.Equal(t, late, events[1].ID)
	for _, e := range events {
		require.NotEqual(t, past, e.ID)
	}
}

func TestService_Get(t *testing.T) {
	t.Parallel()

	storage := newFakeCatalogStorage()
	svc := newTestService(storage)

	id := storage.addEvent(domain.Event{Title: "Concert", StartsAt: testNow.Add(time.Hour), OwnerID: 3})
	storage.addCapacity(domain.Capacity{EventID: id, TicketType: domain.TicketRegular, Limit: 20, Sold: 5})

	e, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "Concert", e.Title)
	require.Len(t, e.Capacities, 1)

	_, err = svc.Get(context.Background(), 999)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestService_Update(t *testing.T) {
	t.Parallel()

	seed := func() (*fakeCatalogStorage, int64) {
		storage := newFakeCatalogStorage()
		id := storage.addEvent(domain.Event{Title: "Old", Type: domain.EventOther, StartsAt: testNow.Add(time.Hour), OwnerID: 5})
		storage.addCapacity(domain.Capacity{EventID: id, TicketType: domain.TicketRegular, Price: decimal.NewFromInt(50), Limit: 100, Sold: 30})
		storage.addCapacity(domain.Capacity{EventID: id, TicketType: domain.TicketVIP, Price: decimal.NewFromInt(200), Limit: 10, Sold: 2})
		return storage, id
	}

	t.Run("reconciles capacity rows", func(t *testing.T) {
		storage, id := seed()
		svc := newTestService(storage)

		err := svc.Update(context.Background(), id, EventInput{
			Title:    "New",
			Type:     domain.EventConcert,
			StartsAt: testNow.Add(2 * time.Hour),
			Capacities: []CapacityInput{
				{TicketType: domain.TicketRegular, Price: decimal.NewFromInt(60), Limit: 120},
				{TicketType: domain.TicketStudent, Price: decimal.NewFromInt(25), Limit: 40},
			},
		}, 5)
		require.NoError(t, err)

		require.Equal(t, "New", storage.events[id].Title)

		caps := storage.capacities[id]
		require.Len(t, caps, 2)
		require.NotContains(t, caps, domain.TicketVIP, "rows absent from the request are removed")

		reg := caps[domain.TicketRegular]
		require.Equal(t, 120, reg.Limit)
		require.Equal(t, 30, reg.Sold, "rewriting a row keeps its sold count")

		stu := caps[domain.TicketStudent]
		require.Equal(t, 40, stu.Limit)
		require.Zero(t, stu.Sold)
	})

	t.Run("rejects a limit below the sold count", func(t *testing.T) {
		storage, id := seed()
		svc := newTestService(storage)

		err := svc.Update(context.Background(), id, EventInput{
			Title:    "New",
			Type:     domain.EventConcert,
			StartsAt: testNow.Add(2 * time.Hour),
			Capacities: []CapacityInput{
				{TicketType: domain.TicketRegular, Price: decimal.NewFromInt(60), Limit: 10},
			},
		}, 5)
		require.ErrorIs(t, err, ErrCapacityBelowSold)

		require.Equal(t, 100, storage.capacities[id][domain.TicketRegular].Limit, "rejected update leaves the row unchanged")
	})

	t.Run("unknown event", func(t *testing.T) {
		storage, _ := seed()
		svc := newTestService(storage)

		err := svc.Update(context.Background(), 999, EventInput{Title: "X"}, 5)
		require.ErrorIs(t, err, ErrEventNotFound)
	})
}

func TestService_Statistics(t *testing.T) {
	t.Parallel()

	storage := newFakeCatalogStorage()
	svc := newTestService(storage)

	id := storage.addEvent(domain.Event{Title: "Owned", StartsAt: testNow.Add(time.Hour), OwnerID: 8})
	storage.addCapacity(domain.Capacity{EventID: id, TicketType: domain.TicketRegular, Limit: 100, Sold: 42})

	e, err := svc.Statistics(context.Background(), id, 8)
	require.NoError(t, err)
	require.Equal(t, 42, e.Capacities[0].Sold)

	_, err = svc.Statistics(context.Background(), id, 9)
	require.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.Statistics(context.Background(), 999, 8)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestService_AdjustSold(t *testing.T) {
	t.Parallel()

	storage := newFakeCatalogStorage()
	svc := newTestService(storage)

	id := storage.addEvent(domain.Event{Title: "E", StartsAt: testNow.Add(time.Hour), OwnerID: 1})
	storage.addCapacity(domain.Capacity{EventID: id, TicketType: domain.TicketRegular, Limit: 10, Sold: 5})

	sold := func() int { return storage.capacities[id][domain.TicketRegular].Sold }

	require.NoError(t, svc.AdjustSold(context.Background(), id, domain.TicketRegular, domain.TicketConfirmed))
	require.Equal(t, 6, sold())

	require.NoError(t, svc.AdjustSold(context.Background(), id, domain.TicketRegular, domain.TicketCancelled))
	require.Equal(t, 5, sold())

	require.NoError(t, svc.AdjustSold(context.Background(), id, domain.TicketRegular, domain.TicketPending))
	require.NoError(t, svc.AdjustSold(context.Background(), id, domain.TicketRegular, domain.TicketExpired))
	require.Equal(t, 5, sold(), "pending and expired leave the counter alone")

	err := svc.AdjustSold(context.Background(), id, domain.TicketVIP, domain.TicketConfirmed)
	require.ErrorIs(t, err, ErrCapacityNotFound)

	storage.capacities[id][domain.TicketRegular] = domain.Capacity{
		EventID: id, TicketType: domain.TicketRegular, Limit: 10, Sold: 10,
	}
	err = svc.AdjustSold(context.Background(), id, domain.TicketRegular, domain.TicketConfirmed)
	require.ErrorIs(t, err, ErrCapacityExceeded, "a rejected guarded update surfaces as a capacity error")
	require.Equal(t, 10, sold())
}

type fakeCatalogStorage struct {
	nextEventID int64
	events      map[int64]domain.Event
	capacities  map[int64]map[domain.TicketType]domain.Capacity
}

func newFakeCatalogStorage() *fakeCatalogStorage {
	return &fakeCatalogStorage{
		events:     make(map[int64]domain.Event),
		capacities: make(map[int64]map[domain.TicketType]domain.Capacity),
	}
}

func (f *fakeCatalogStorage) addEvent(e domain.Event) int64 {
	f.nextEventID++
	e.ID = f.nextEventID
	f.events[e.ID] = e
	f.capacities[e.ID] = make(map[domain.TicketType]domain.Capacity)
	return e.ID
}

func (f *fakeCatalogStorage) addCapacity(c domain.Capacity) {
	f.capacities[c.EventID][c.TicketType] = c
}

func (f *fakeCatalogStorage) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeCatalogStorage) CreateEvent(_ context.Context, e domain.Event) (int64, error) {
	return f.addEvent(e), nil
}

func (f *fakeCatalogStorage) UpdateEventRow(_ context.Context, e domain.Event) error {
	cur, ok := f.events[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Title = e.Title
	cur.Type = e.Type
	cur.StartsAt = e.StartsAt
	f.events[e.ID] = cur
	return nil
}

func (f *fakeCatalogStorage) GetEvent(_ context.Context, id int64) (*domain.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	for _, c := range f.capacities[id] {
		e.Capacities = append(e.Capacities, c)
	}
	return &e, nil
}

func (f *fakeCatalogStorage) ListUpcoming(_ context.Context, now time.Time) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range f.events {
		if e.StartsAt.Before(now) {
			continue
		}
		out = append(out, e)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].StartsAt.Before(out[i].StartsAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (f *fakeCatalogStorage) CapacitiesForUpdate(_ context.Context, eventID int64) ([]domain.Capacity, error) {
	var out []domain.Capacity
	for _, c := range f.capacities[eventID] {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCatalogStorage) InsertCapacity(_ context.Context, c domain.Capacity) error {
	byType, ok := f.capacities[c.EventID]
	if !ok {
		return repository.ErrNotFound
	}
	if _, exists := byType[c.TicketType]; exists {
		return repository.ErrConflict
	}
	byType[c.TicketType] = c
	return nil
}

func (f *fakeCatalogStorage) UpdateCapacity(_ context.Context, eventID int64, t domain.TicketType, price decimal.Decimal, limit int) error {
	c, ok := f.capacities[eventID][t]
	if !ok {
		return repository.ErrNotFound
	}
	c.Price = price
	c.Limit = limit
	f.capacities[eventID][t] = c
	return nil
}

func (f *fakeCatalogStorage) DeleteCapacity(_ context.Context, eventID int64, t domain.TicketType) error {
	delete(f.capacities[eventID], t)
	return nil
}

func (f *fakeCatalogStorage) AdjustSold(_ context.Context, eventID int64, t domain.TicketType, delta int) error {
	c, ok := f.capacities[eventID][t]
	if !ok {
		return repository.ErrNotFound
	}
	next := c.Sold + delta
	if next < 0 || next > c.Limit {
		return fmt.Errorf("sold out of range: %w", repository.ErrConflict)
	}
	c.Sold = next
	f.capacities[eventID][t] = c
	return nil
}
