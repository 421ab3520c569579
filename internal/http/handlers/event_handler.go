// Event HTTP handlers.
//
// This file exposes the read-only dashboard endpoints over the ledger:
//   - GET /api/v1/events/{id}           (event status and attempt count)
//   - GET /api/v1/events/{id}/attempts  (paginated attempt history)
//   - GET /api/v1/events                (paginated listing, status filter)
//
// Handlers are transport-thin: validate and normalize inputs, delegate to
// the ledger store, and shape responses. Delivery state is never mutated
// through this surface.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/domain"
)

//
// DTOs
//

// Pagination carries page metadata for list responses.
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// EventResponse is the JSON envelope for a single event.
type EventResponse struct {
	Event *domain.Event `json:"event"`
}

// ListAttemptsResponse contains a page of delivery attempts.
type ListAttemptsResponse struct {
	Attempts   []domain.DeliveryAttempt `json:"attempts"`
	Pagination Pagination               `json:"pagination"`
}

// ListEventsResponse contains a page of events.
type ListEventsResponse struct {
	Events     []domain.Event `json:"events"`
	Pagination Pagination     `json:"pagination"`
}

// EventStore is the ledger read surface the handlers depend on. The
// concrete implementation wraps the repo package; tests substitute fakes.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	ListAttempts(ctx context.Context, eventID string, offset, limit int) ([]domain.DeliveryAttempt, int64, error)
	ListEvents(ctx context.Context, status string, offset, limit int) ([]domain.Event, error)
	CountEvents(ctx context.Context, status string) (int64, error)
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = atoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = atoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// atoiDefault parses s as an int, returning def on empty or invalid input.
func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// validStatusFilter reports whether s is empty or a known event status.
func validStatusFilter(s string) bool {
	switch s {
	case "", domain.EventStatusPending, domain.EventStatusDelivered, domain.EventStatusFailed:
		return true
	}
	return false
}

//
// Handlers
//

// GetEvent returns one event by ID, including its status projection and
// attempt counter.
func GetEvent(store EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "missing event id")
			return
		}
		ev, err := store.GetEvent(c.Request.Context(), id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "event not found")
			return
		}
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "event lookup failed")
			return
		}
		ok(c, http.StatusOK, EventResponse{Event: ev})
	}
}

// ListEventAttempts returns the paginated attempt history for one event,
// ordered by endpoint and attempt number.
func ListEventAttempts(store EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "missing event id")
			return
		}
		if _, err := store.GetEvent(c.Request.Context(), id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				fail(c, http.StatusNotFound, ErrCodeNotFound, "event not found")
				return
			}
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "event lookup failed")
			return
		}

		page, pageSize := clampPagination(c)
		attempts, total, err := store.ListAttempts(c.Request.Context(), id, (page-1)*pageSize, pageSize)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, "attempt listing failed")
			return
		}
		ok(c, http.StatusOK, ListAttemptsResponse{
			Attempts:   attempts,
			Pagination: Pagination{Page: page, PageSize: pageSize, Total: total},
		})
	}
}

// ListEvents returns a page of events, newest first, optionally filtered
// by ?status=pending|delivered|failed.
func ListEvents(store EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.Query("status")
		if !validStatusFilter(status) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status filter")
			return
		}

		page, pageSize := clampPagination(c)
		ctx := c.Request.Context()

		total, err := store.CountEvents(ctx, status)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, "event count failed")
			return
		}
		events, err := store.ListEvents(ctx, status, (page-1)*pageSize, pageSize)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, "event listing failed")
			return
		}
		ok(c, http.StatusOK, ListEventsResponse{
			Events:     events,
			Pagination: Pagination{Page: page, PageSize: pageSize, Total: total},
		})
	}
}
