package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker is the store's liveness probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BusProbe reports transport health.
type BusProbe interface {
	Driver() string
	Healthy() error
}

func RegisterRoutes(app *fiber.App, st HealthChecker, b BusProbe, h *Handler) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{
			"bus":   "ok",
			"store": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		if b == nil {
			checks["bus"] = "not configured"
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		} else if err := b.Healthy(); err != nil {
			checks["bus"] = b.Driver() + ": " + err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.HealthCheck(healthCtx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	v1 := app.Group("/api/v1")
	v1.Get("/receipts/:eventId", h.GetReceipt)
	v1.Get("/listings/:listingId", h.GetListing)
}
