package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/models"
	"github.com/relayforge/webhookd/internal/service"
)

// SubscriptionsHandler exposes subscription management endpoints.
type SubscriptionsHandler struct {
	Service *service.Service
	Logger  *zap.Logger
}

// NewSubscriptionsHandler creates a new subscriptions handler with dependencies
func NewSubscriptionsHandler(svc *service.Service, logger *zap.Logger) *SubscriptionsHandler {
	return &SubscriptionsHandler{Service: svc, Logger: logger}
}

type createSubscriptionRequest struct {
	OwnerID        string            `json:"owner_id"`
	URL            string            `json:"url"`
	EventTypes     []string          `json:"event_types"`
	MaxRatePerMin  int               `json:"max_rate_per_min"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	MaxAttempts    int               `json:"max_attempts"`
}

type subscriptionResponse struct {
	*models.Subscription
	Secret string `json:"secret,omitempty"` // present only on create and rotate
}

// Create handles POST /subscriptions
func (h *SubscriptionsHandler) Create(c *fiber.Ctx) error {
	var req createSubscriptionRequest
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

	subscription, secret, err := h.Service.CreateSubscription(c.Context(), service.CreateSubscriptionParams{
		OwnerID:        ownerID,
		URL:            req.URL,
		EventTypes:     req.EventTypes,
		MaxRatePerMin:  req.MaxRatePerMin,
		Headers:        req.Headers,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		if isValidationError(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		h.Logger.Error("Failed to create subscription", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create subscription",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(subscriptionResponse{
		Subscription: subscription,
		Secret:       secret,
	})
}

// List handles GET /subscriptions?owner_id=...
func (h *SubscriptionsHandler) List(c *fiber.Ctx) error {
	ownerID, err := uuid.Parse(c.Query("owner_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "owner_id query parameter must be a valid UUID",
		})
	}

	subscriptions, err := h.Service.ListSubscriptions(c.Context(), ownerID)
	if err != nil {
		h.Logger.Error("Failed to list subscriptions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list subscriptions",
		})
	}

	return c.JSON(fiber.Map{"subscriptions": subscriptions})
}

// Get handles GET /subscriptions/:id
func (h *SubscriptionsHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a valid UUID",
		})
	}

	subscription, err := h.Service.GetSubscription(c.Context(), id)
	if err != nil {
		return h.subscriptionError(c, err)
	}

	return c.JSON(subscription)
}

type updateSubscriptionRequest struct {
	URL            *string           `json:"url"`
	EventTypes     []string          `json:"event_types"`
	Active         *bool             `json:"active"`
	Headers        map[string]string `json:"headers"`
	MaxRatePerMin  *int              `json:"max_rate_per_min"`
	TimeoutSeconds *int              `json:"timeout_seconds"`
	MaxAttempts    *int              `json:"max_attempts"`
}

// Update handles PATCH /subscriptions/:id
func (h *SubscriptionsHandler) Update(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a valid UUID",
		})
	}

	var req updateSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	subscription, err := h.Service.UpdateSubscription(c.Context(), id, service.UpdateSubscriptionParams{
		URL:            req.URL,
		EventTypes:     req.EventTypes,
		Active:         req.Active,
		Headers:        req.Headers,
		MaxRatePerMin:  req.MaxRatePerMin,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		if isValidationError(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return h.subscriptionError(c, err)
	}

	return c.JSON(subscription)
}

// Delete handles DELETE /subscriptions/:id
func (h *SubscriptionsHandler) Delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a valid UUID",
		})
	}

	if err := h.Service.DeleteSubscription(c.Context(), id); err != nil {
		return h.subscriptionError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RotateSecret handles POST /subscriptions/:id/rotate-secret
func (h *SubscriptionsHandler) RotateSecret(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a valid UUID",
		})
	}

	secret, err := h.Service.RotateSecret(c.Context(), id)
	if err != nil {
		return h.subscriptionError(c, err)
	}

	return c.JSON(fiber.Map{"secret": secret})
}

// Test handles POST /subscriptions/:id/test
func (h *SubscriptionsHandler) Test(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a valid UUID",
		})
	}

	delivery, err := h.Service.TestDelivery(c.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrInactive) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		return h.subscriptionError(c, err)
	}

	return c.JSON(delivery)
}

func (h *SubscriptionsHandler) subscriptionError(c *fiber.Ctx, err error) error {
	if errors.Is(err, service.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "subscription not found",
		})
	}
	h.Logger.Error("Subscription operation failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}

func isValidationError(err error) bool {
	return errors.Is(err, service.ErrInvalidURL) ||
		errors.Is(err, service.ErrInvalidEventType) ||
		errors.Is(err, service.ErrNoEventTypes)
}
