package router

import (
	"video_processing_service/internal/pipeline/api/handlers"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes 註冊轉檔工作相關的路由
func RegisterRoutes(app *fiber.App, jobHandler *handlers.JobHandler) {
	app.Post("/upload", jobHandler.Upload)
	app.Get("/jobs", jobHandler.ListJobs)
	app.Get("/jobs/:job_id/events", jobHandler.GetJobEvents)
	app.Get("/status/:job_id", jobHandler.GetStatus)
	app.Get("/download/:job_id", jobHandler.Download)
	app.Get("/thumbnail/:job_id", jobHandler.Thumbnail)
	app.Get("/health", jobHandler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
