package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"video_processing_service/internal/pipeline/app"
	"video_processing_service/internal/pipeline/domain"
	"video_processing_service/pkg/database"
	"video_processing_service/pkg/logger"
	"video_processing_service/pkg/metrics"

	"github.com/gofiber/fiber/v2"
)

// JobHandler 定義轉檔工作處理器
type JobHandler struct {
	Usecase app.IngressUseCase

	// health check 依賴，可為 nil（測試時）
	Minio  database.MinIOClientRepo
	Rabbit database.RabbitRepo
}

// NewJobHandler create a JobHandler
func NewJobHandler(usecase app.IngressUseCase, minio database.MinIOClientRepo, rabbit database.RabbitRepo) *JobHandler {
	return &JobHandler{
		Usecase: usecase,
		Minio:   minio,
		Rabbit:  rabbit,
	}
}

// Upload 接收上傳請求，完成驗證、上傳與發布轉檔工作訊息
func (h *JobHandler) Upload(c *fiber.Ctx) error {
	start := time.Now()

	// 1. 取得上傳檔案
	fileHeader, err := c.FormFile("file")
	if err != nil {
		metrics.UploadFailures.Inc()
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "no file provided"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		metrics.UploadFailures.Inc()
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "cannot open file"})
	}
	defer file.Close()

	// 2. 交給 usecase：驗證 → input blob → job 記錄 → dispatch 訊息
	res, err := h.Usecase.Submit(c.Context(), domain.SubmitReq{
		Filename: fileHeader.Filename,
		FileSize: fileHeader.Size,
		File:     file,
	})
	if err != nil {
		metrics.UploadFailures.Inc()
		return h.renderError(c, err)
	}

	metrics.UploadCounter.Inc()
	metrics.UploadDuration.Observe(time.Since(start).Seconds())

	return c.JSON(fiber.Map{
		"job_id":   res.JobID,
		"filename": res.Filename,
	})
}

// ListJobs 列出最近的 job
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	jobs, err := h.Usecase.ListJobs(c.Context(), limit)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}

// GetStatus 查詢單一 job 狀態
func (h *JobHandler) GetStatus(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	job, err := h.Usecase.GetStatus(c.Context(), jobID)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(job)
}

// Download 轉導到輸出檔的 presigned URL
func (h *JobHandler) Download(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	url, err := h.Usecase.GetDownloadURL(c.Context(), jobID)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.Redirect(url, http.StatusFound)
}

// Thumbnail 轉導到縮圖的 presigned URL
func (h *JobHandler) Thumbnail(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	url, err := h.Usecase.GetThumbnailURL(c.Context(), jobID)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.Redirect(url, http.StatusFound)
}

// GetJobEvents 查詢 job 的狀態轉移歷史
func (h *JobHandler) GetJobEvents(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	events, err := h.Usecase.GetJobEvents(c.Context(), jobID)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(fiber.Map{"job_id": jobID, "events": events})
}

// Health 檢查依賴服務可用性
func (h *JobHandler) Health(c *fiber.Ctx) error {
	if h.Minio != nil {
		if err := h.Minio.Ping(c.Context()); err != nil {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unhealthy",
				"error":  fmt.Sprintf("blob store: %v", err),
			})
		}
	}
	if h.Rabbit != nil {
		if _, err := h.Rabbit.QueueDepth(domain.QueueName); err != nil {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unhealthy",
				"error":  fmt.Sprintf("queue: %v", err),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// renderError 把錯誤分類對應到 HTTP 狀態碼
func (h *JobHandler) renderError(c *fiber.Ctx, err error) error {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": ve.Reason})
	case errors.Is(err, domain.ErrJobNotFound):
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
	case errors.Is(err, domain.ErrJobNotReady):
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": "job not completed yet"})
	case domain.IsTransient(err):
		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable"})
	default:
		logger.Log.Errorf("未分類的錯誤:", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
}
