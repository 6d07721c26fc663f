package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/relayforge/webhookd/internal/database"
	"github.com/relayforge/webhookd/internal/rabbitmq"
)

// Pinger is implemented by backends with a connection health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports backend connectivity.
type HealthHandler struct {
	DB     *gorm.DB
	RMQ    *rabbitmq.Connection
	Ledger Pinger // nil when no credit ledger backend is configured
}

// NewHealthHandler creates a new health handler with dependencies
func NewHealthHandler(db *gorm.DB, rmq *rabbitmq.Connection, ledger Pinger) *HealthHandler {
	return &HealthHandler{DB: db, RMQ: rmq, Ledger: ledger}
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthCheck handles the health check endpoint
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	services := make(map[string]string)
	status := "healthy"

	if err := database.HealthCheck(ctx, h.DB); err != nil {
		services["database"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		services["database"] = "healthy"
	}

	if h.RMQ == nil || !h.RMQ.IsHealthy() {
		services["rabbitmq"] = "unhealthy: connection closed"
		status = "unhealthy"
	} else {
		services["rabbitmq"] = "healthy"
	}

	if h.Ledger != nil {
		if err := h.Ledger.Ping(ctx); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
			status = "unhealthy"
		} else {
			services["redis"] = "healthy"
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	}

	if status == "unhealthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}

	return c.JSON(response)
}
