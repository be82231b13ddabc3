// handlers/health_handlers.go
package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PingFunc func(ctx context.Context) error

type EngineInfo interface {
	IsAvailable(ctx context.Context) bool
	Version(ctx context.Context) string
}

// Health reports 503 when Redis is unreachable or ffmpeg cannot be run.
func Health(ping PingFunc, engine EngineInfo) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()

		healthy := true
		redisStatus := "ok"
		if ping != nil {
			if err := ping(ctx); err != nil {
				healthy = false
				redisStatus = err.Error()
			}
		}

		ffmpeg := fiber.Map{"available": false}
		if engine != nil && engine.IsAvailable(ctx) {
			ffmpeg = fiber.Map{"available": true, "version": engine.Version(ctx)}
		} else {
			healthy = false
		}

		status, code := "ok", fiber.StatusOK
		if !healthy {
			status, code = "degraded", fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"redis":  redisStatus,
			"ffmpeg": ffmpeg,
		})
	}
}

func Metrics() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
