package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/models"
	"github.com/relayforge/webhookd/internal/service"
)

// DeliveriesHandler exposes the delivery ledger query surface.
type DeliveriesHandler struct {
	Service *service.Service
	Logger  *zap.Logger
}

// NewDeliveriesHandler creates a new deliveries handler with dependencies
func NewDeliveriesHandler(svc *service.Service, logger *zap.Logger) *DeliveriesHandler {
	return &DeliveriesHandler{Service: svc, Logger: logger}
}

// ListResponse is the paginated delivery history response.
type ListResponse struct {
	Deliveries []models.Delivery `json:"deliveries"`
	HasMore    bool              `json:"has_more"`
}

// List handles GET /subscriptions/:id/deliveries
// Query parameters: limit (default 25), offset (default 0), status, from, to
// (RFC 3339 timestamps).
func (h *DeliveriesHandler) List(c *fiber.Ctx) error {
	subscriptionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a valid UUID",
		})
	}

	opts := service.ListDeliveriesOptions{Limit: 25}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		opts.Limit = limit
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "offset must be a non-negative integer",
			})
		}
		opts.Offset = offset
	}
	if status := c.Query("status"); status != "" {
		switch status {
		case models.StatusPending, models.StatusDelivering, models.StatusSucceeded,
			models.StatusFailedRetryable, models.StatusFailedTerminal:
			opts.Status = status
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown status filter",
			})
		}
	}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "from must be an RFC 3339 timestamp",
			})
		}
		opts.From = &t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "to must be an RFC 3339 timestamp",
			})
		}
		opts.To = &t
	}

	deliveries, hasMore, err := h.Service.ListDeliveries(c.Context(), subscriptionID, opts)
	if err != nil {
		h.Logger.Error("Failed to list deliveries",
			zap.String("subscription_id", subscriptionID.String()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list deliveries",
		})
	}

	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	return c.JSON(ListResponse{Deliveries: deliveries, HasMore: hasMore})
}

// Get handles GET /deliveries/:id, returning the delivery with its attempt
// log.
func (h *DeliveriesHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a valid UUID",
		})
	}

	delivery, err := h.Service.GetDelivery(c.Context(), id)
	if err != nil {
		return h.deliveryError(c, err)
	}

	attempts, err := h.Service.ListAttempts(c.Context(), id)
	if err != nil {
		return h.deliveryError(c, err)
	}

	return c.JSON(fiber.Map{
		"delivery": delivery,
		"attempts": attempts,
	})
}

// Retry handles POST /deliveries/:id/retry. Retrying a delivery in a
// terminal state is a no-op and returns the unchanged record.
func (h *DeliveriesHandler) Retry(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a valid UUID",
		})
	}

	delivery, err := h.Service.RetryDelivery(c.Context(), id)
	if err != nil {
		return h.deliveryError(c, err)
	}

	return c.JSON(delivery)
}

func (h *DeliveriesHandler) deliveryError(c *fiber.Ctx, err error) error {
	if errors.Is(err, service.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "delivery not found",
		})
	}
	h.Logger.Error("Delivery operation failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}
