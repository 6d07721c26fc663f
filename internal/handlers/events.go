package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/service"
)

// EventsHandler accepts domain events over HTTP, as an alternative to the
// broker source queue.
type EventsHandler struct {
	Service *service.Service
	Logger  *zap.Logger
}

// NewEventsHandler creates a new events handler with dependencies
func NewEventsHandler(svc *service.Service, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{Service: svc, Logger: logger}
}

type emitRequest struct {
	EventType string          `json:"event_type"`
	OwnerID   string          `json:"owner_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Emit handles POST /events. It returns as soon as fanout has created the
// pending delivery records; the deliveries themselves run asynchronously.
func (h *EventsHandler) Emit(c *fiber.Ctx) error {
	var req emitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id must be a valid UUID",
		})
	}

	deliveries, err := h.Service.Emit(c.Context(), req.EventType, ownerID, req.Payload)
	if err != nil {
		if errors.Is(err, service.ErrInvalidEventType) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		h.Logger.Error("Failed to emit event",
			zap.String("event_type", req.EventType),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to emit event",
		})
	}

	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID.String())
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"delivery_count": len(deliveries),
		"delivery_ids":   ids,
	})
}
