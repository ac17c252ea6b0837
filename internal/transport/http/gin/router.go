package httpgin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticketline/internal/domain"
	redisrepo "ticketline/internal/repository/redis"
	"ticketline/internal/service"
	"ticketline/internal/service/booking"
	"ticketline/internal/service/catalog"
	"ticketline/internal/service/lifecycle"
)

func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	limiter *redisrepo.SlidingWindowLimiter,
	logger *slog.Logger,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", PhoneAuth(svcs.Identity))
	{
		api.GET("/events", handleListEvents(svcs))
		api.POST("/events", handleCreateEvent(svcs))
		api.GET("/events/:id", handleGetEvent(svcs))
		api.PUT("/events/:id", handleUpdateEvent(svcs))
		api.GET("/events/:id/statistics", handleEventStatistics(svcs))

		api.POST("/events/:id/tickets", handleBookTickets(svcs, idem, limiter))

		api.GET("/tickets", handleListTickets(svcs))
		api.POST("/tickets/:id/confirm", handleConfirmTicket(svcs))
		api.POST("/tickets/:id/cancel", handleCancelTicket(svcs))
		api.GET("/tickets/:id/history", handleTicketHistory(svcs))
	}

	return r
}

func handleListEvents(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := svcs.Catalog.List(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}

		out := make([]EventView, 0, len(events))
		for _, e := range events {
			out = append(out, toEventView(e))
		}

		writeJSONWithCache(c, http.StatusOK, out, "public, max-age=15", true)
	}
}

func handleCreateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		in, ok := bindEventRequest(c)
		if !ok {
			return
		}

		id, err := svcs.Catalog.Create(c.Request.Context(), in, userID(c))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, CreateEventResponse{EventID: id})
	}
}

func handleGetEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		e, err := svcs.Catalog.Get(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithCache(c, http.StatusOK, toEventView(*e), "public, max-age=60", true)
	}
}

func handleUpdateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		in, ok := bindEventRequest(c)
		if !ok {
			return
		}

		if err := svcs.Catalog.Update(c.Request.Context(), eventID, in, userID(c)); err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, CreateEventResponse{EventID: eventID})
	}
}

func handleEventStatistics(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		e, err := svcs.Catalog.Statistics(c.Request.Context(), eventID, userID(c))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, toEventStatsView(*e))
	}
}

func handleBookTickets(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	limiter *redisrepo.SlidingWindowLimiter,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		var req BookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		if limiter != nil {
			allowed, _, retry, err := limiter.Allow(c.Request.Context(), "ip:"+c.ClientIP())
			if err == nil && !allowed {
				c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
				c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
				return
			}
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemBooking(eventID, idemKey)

			if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
				c.Header("Idempotency-Key", idemKey)
				c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
				return
			}

			locked, err := idem.AcquireLock(c.Request.Context(), idemStorageKey, 60*time.Second)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		items := make([]booking.Item, 0, len(req.Tickets))
		for _, t := range req.Tickets {
			items = append(items, booking.Item{
				TicketType: domain.TicketType(t.TicketType),
				Quantity:   t.Quantity,
			})
		}

		ids, err := svcs.Booking.Book(c.Request.Context(), eventID, items, userID(c))
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		resp := BookResponse{TicketIDs: make([]string, 0, len(ids))}
		for _, id := range ids {
			resp.TicketIDs = append(resp.TicketIDs, id.String())
		}

		if idemStorageKey != "" {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func handleListTickets(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		tickets, err := svcs.Lifecycle.ListForUser(c.Request.Context(), userID(c))
		if err != nil {
			respondErr(c, err)
			return
		}

		out := make([]TicketView, 0, len(tickets))
		for _, t := range tickets {
			out = append(out, toTicketView(t))
		}

		c.JSON(http.StatusOK, out)
	}
}

func handleConfirmTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticketID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		t, err := svcs.Lifecycle.Confirm(c.Request.Context(), ticketID, userID(c))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, toTicketView(*t))
	}
}

func handleCancelTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticketID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		if err := svcs.Lifecycle.Cancel(c.Request.Context(), ticketID, userID(c)); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

func handleTicketHistory(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticketID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		entries, err := svcs.Lifecycle.History(c.Request.Context(), ticketID, userID(c))
		if err != nil {
			respondErr(c, err)
			return
		}

		out := make([]HistoryEntryView, 0, len(entries))
		for _, h := range entries {
			out = append(out, HistoryEntryView{
				Status:    string(h.Status),
				ChangedAt: h.ChangedAt,
			})
		}

		c.JSON(http.StatusOK, out)
	}
}

// --- Helpers ---

func bindEventRequest(c *gin.Context) (catalog.EventInput, bool) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return catalog.EventInput{}, false
	}

	startsAt, err := req.StartsAt()
	if err != nil {
		badRequest(c, "invalid date/time, want YYYY-MM-DD and HH:MM")
		return catalog.EventInput{}, false
	}

	in := catalog.EventInput{
		Title:    req.Title,
		Type:     domain.EventType(req.Type),
		StartsAt: startsAt,
	}
	for _, rc := range req.Capacities {
		in.Capacities = append(in.Capacities, catalog.CapacityInput{
			TicketType: domain.TicketType(rc.TicketType),
			Price:      rc.Price,
			Limit:      rc.Limit,
		})
	}

	return in, true
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	switch {
	// catalog service
	case errors.Is(err, catalog.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
	case errors.Is(err, catalog.ErrCapacityNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event capacity not found"})
	case errors.Is(err, catalog.ErrCapacityBelowSold):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "capacity limit below sold count"})
	case errors.Is(err, catalog.ErrCapacityExceeded):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "event capacity exhausted"})
	case errors.Is(err, catalog.ErrNotOwner):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not the event owner"})
	// lifecycle service
	case errors.Is(err, lifecycle.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "ticket not found"})
	case errors.Is(err, lifecycle.ErrNotOwner):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not the ticket owner"})
	case errors.Is(err, lifecycle.ErrNotPending):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "ticket is not pending"})
	case errors.Is(err, lifecycle.ErrTicketExpired):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "ticket is expired"})
	case errors.Is(err, lifecycle.ErrAlreadyFinalized):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "ticket is already cancelled or expired"})
	case errors.Is(err, lifecycle.ErrEventNotStarted):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "event has not started yet"})
	case errors.Is(err, lifecycle.ErrCapacityMissing):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "event has no capacity for ticket type"})
	case errors.Is(err, lifecycle.ErrCapacityExhausted):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "event capacity exhausted"})
	// booking service
	case errors.Is(err, booking.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
	case errors.Is(err, booking.ErrNoCapacityForType):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "event has no capacity for ticket type"})
	case errors.Is(err, booking.ErrInsufficientCapacity):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "not enough remaining capacity"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
