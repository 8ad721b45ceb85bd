package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/engine"
)

// StartAPIServer starts the Fiber-based API server that exposes monitoring
// endpoints for a running engine.
func StartAPIServer(logger *zap.Logger, e *engine.Engine) {
	app := fiber.New()

	// Define an endpoint to check the engine status.
	app.Get("/status", func(c *fiber.Ctx) error {
		logger.Info("Status request received")
		return c.JSON(fiber.Map{
			"status":       "running",
			"local_id":     e.LocalID(),
			"display_name": e.DisplayName(),
			"peer_count":   len(e.Peers()),
		})
	})

	app.Get("/peers", func(c *fiber.Ctx) error {
		return c.JSON(e.Peers())
	})

	app.Get("/transfers", func(c *fiber.Ctx) error {
		return c.JSON(e.ActiveTransfers())
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Get the API port from configuration; default to 8080 if not set.
	port := viper.GetInt("api.port")
	if port == 0 {
		port = 8080
	}

	logger.Info("Starting PeerBeam API server", zap.Int("port", port))
	err := app.Listen(fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
}
