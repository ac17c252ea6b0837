package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ticketline/internal/clock"
	"ticketline/internal/config"
	"ticketline/internal/postgres"
	"ticketline/internal/redis"
	postgresrepo "ticketline/internal/repository/postgres"
	redisrepo "ticketline/internal/repository/redis"
	"ticketline/internal/service"
	"ticketline/internal/service/lifecycle"
	httpgin "ticketline/internal/transport/http/gin"
	"ticketline/migrations"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	services   *service.Services
	pubsub     *redisrepo.EventsPubSub
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.Name,
		cfg.Postgres.SSLMode,
	)

	pgxPool, err := postgres.New(context.Background(), postgres.Config{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	if err := migrations.Apply(context.Background(), pgxPool); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	rdb, err := redis.New(context.Background(), redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	store := postgresrepo.NewStore(pgxPool)
	cache := redisrepo.New(rdb)
	pubsub := redisrepo.NewEventsPubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "rl:booking", cfg.Limits.BookingLimit, cfg.Limits.BookingWindow)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)

	services := service.NewServices(store, cache, pubsub, clock.NewSystem(), service.Config{
		Lifecycle: lifecycle.Config{
			ConfirmTTL:    cfg.Tickets.ConfirmTTL,
			NoRefundAfter: cfg.Tickets.NoRefundAfter,
		},
	})

	router := httpgin.NewRouter(services, idempotencyStore, limiter, logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		services: services,
		pubsub:   pubsub,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Expire overdue tickets in the background
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Tickets.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				n, err := a.services.Lifecycle.SweepExpired(gCtx)
				if err != nil {
					a.logger.Error("ticket sweep failed", "error", err)
					continue
				}
				if n > 0 {
					a.logger.Info("expired overdue tickets", "count", n)
				}
			}
		}
	})

	// Log catalog changes published by any instance
	g.Go(func() error {
		err := a.pubsub.Subscribe(gCtx, func(ctx context.Context, eventID int64) {
			a.logger.Debug("event changed", "event_id", eventID)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("events subscription failed: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}
