// handlers/routes.go
package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Coding-for-Machine/video-transcoder/middleware"
)

type RouteConfig struct {
	UploadRateLimit  int
	UploadRateWindow time.Duration
}

func SetupRoutes(app *fiber.App, videoService VideoService, ping PingFunc, engine EngineInfo, cfg RouteConfig) {
	api := app.Group("/api")

	videos := api.Group("/videos")
	videos.Post("/uploads", middleware.RateLimit(cfg.UploadRateLimit, cfg.UploadRateWindow), CreateUpload(videoService))
	videos.Post("/:id/complete", CompleteUpload(videoService))
	videos.Get("/:id/status", GetStatus(videoService))
	videos.Post("/:id/cancel", CancelVideo(videoService))

	app.Get("/health", Health(ping, engine))
	app.Get("/metrics", Metrics())
}
