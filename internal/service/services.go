package service

import (
	"ticketline/internal/clock"
	postgresrepo "ticketline/internal/repository/postgres"
	redisrepo "ticketline/internal/repository/redis"
	"ticketline/internal/service/booking"
	"ticketline/internal/service/catalog"
	"ticketline/internal/service/identity"
	"ticketline/internal/service/lifecycle"
)

type Services struct {
	Identity  *identity.Service
	Catalog   *catalog.Service
	Lifecycle *lifecycle.Service
	Booking   *booking.Service
}

type Config struct {
	Catalog   catalog.Config
	Lifecycle lifecycle.Config
}

func NewServices(
	store *postgresrepo.Store,
	cache *redisrepo.Cache,
	pubsub *redisrepo.EventsPubSub,
	clk clock.Clock,
	cfg Config,
) *Services {
	catalogSvc := catalog.New(store.Events(), cache, pubsub, clk, cfg.Catalog)
	lifecycleSvc := lifecycle.New(store.Tickets(), catalogSvc, clk, cfg.Lifecycle)

	return &Services{
		Identity:  identity.New(store.Users()),
		Catalog:   catalogSvc,
		Lifecycle: lifecycleSvc,
		Booking:   booking.New(catalogSvc, lifecycleSvc, store.Events()),
	}
}
