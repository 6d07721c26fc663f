package routes

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayforge/webhookd/internal/handlers"
	"github.com/relayforge/webhookd/internal/metrics"
)

// SetupRoutes configures all application routes with dependencies
func SetupRoutes(
	app *fiber.App,
	health *handlers.HealthHandler,
	subscriptions *handlers.SubscriptionsHandler,
	deliveries *handlers.DeliveriesHandler,
	events *handlers.EventsHandler,
) {
	app.Get("/health", health.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	api := app.Group("/api/v1")
	{
		api.Post("/subscriptions", subscriptions.Create)
		api.Get("/subscriptions", subscriptions.List)
		api.Get("/subscriptions/:id", subscriptions.Get)
		api.Patch("/subscriptions/:id", subscriptions.Update)
		api.Delete("/subscriptions/:id", subscriptions.Delete)
		api.Post("/subscriptions/:id/rotate-secret", subscriptions.RotateSecret)
		api.Post("/subscriptions/:id/test", subscriptions.Test)
		api.Get("/subscriptions/:id/deliveries", deliveries.List)

		api.Get("/deliveries/:id", deliveries.Get)
		api.Post("/deliveries/:id/retry", deliveries.Retry)

		api.Post("/events", events.Emit)
	}
}
