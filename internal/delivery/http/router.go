package http

import (
	"github.com/gofiber/fiber/v2"
)

// SetupRoutes configures all HTTP routes
func SetupRoutes(app *fiber.App, handler *Handler) {
	// Health check
	app.Get("/health", handler.HealthCheck)

	// API v1 routes
	api := app.Group("/api/v1")
	{
		// Fused output
		api.Get("/view", handler.GetView)
		api.Get("/status", handler.GetStatus)
		api.Get("/event-types", handler.GetEventTypes)
		api.Get("/quarantine", handler.GetQuarantine)

		// Playback controls
		api.Put("/query", handler.SetQuery)
		api.Put("/cursor", handler.SetCursor)
		api.Put("/window", handler.SetWindow)
		api.Post("/import", handler.ImportBundle)

		// Live streaming
		api.Post("/live/start", handler.StartLive)
		api.Post("/live/stop", handler.StopLive)
	}
}
