package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"video_processing_service/internal/pipeline/domain"
	"video_processing_service/internal/pipeline/repository"
	"video_processing_service/pkg"
	"video_processing_service/pkg/database"
	errprocess "video_processing_service/pkg/err"
	"video_processing_service/pkg/logger"
	"video_processing_service/pkg/metrics"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// IngressUseCase 這裡封裝了對外提供的應用服務
type IngressUseCase interface {
	Submit(ctx context.Context, req domain.SubmitReq) (*domain.SubmitRes, error)
	ListJobs(ctx context.Context, limit int) ([]domain.Job, error)
	GetStatus(ctx context.Context, jobID string) (*domain.Job, error)
	GetDownloadURL(ctx context.Context, jobID string) (string, error)
	GetThumbnailURL(ctx context.Context, jobID string) (string, error)
	GetJobEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error)
	// RequeueStalePending 重新投遞停留在 pending 的 job，回傳投遞數
	RequeueStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type ingressUseCase struct {
	MinioClient   database.MinIOClientRepo
	JobRepo       repository.JobRepo
	EventRepo     repository.JobEventRepo
	RabbitChannel database.RabbitRepo // 用於發布轉檔工作訊息的 RabbitMQ Channel
	StatusCache   database.RedisRepository[domain.Job]

	MaxUploadSize int64
	CacheTTL      time.Duration
	PresignExpiry time.Duration
}

// 讓 usecase test mock 使用包裝函數
var (
	createDir = func(path string) error {
		return os.MkdirAll(path, 0755)
	}

	createFile = func(name string) (*os.File, error) {
		return os.Create(name)
	}

	copyFile = func(dst *os.File, src io.Reader) (written int64, err error) {
		return io.Copy(dst, src)
	}
)

// NewIngressUseCase 建立一個新的 IngressUseCase
func NewIngressUseCase(minIO database.MinIOClientRepo,
	jobRepo repository.JobRepo,
	eventRepo repository.JobEventRepo,
	rabbitChannel database.RabbitRepo,
	statusCache database.RedisRepository[domain.Job],
	maxUploadSize int64,
	cacheTTL time.Duration,
) IngressUseCase {
	return &ingressUseCase{
		MinioClient:   minIO,
		JobRepo:       jobRepo,
		EventRepo:     eventRepo,
		RabbitChannel: rabbitChannel,
		StatusCache:   statusCache,
		MaxUploadSize: maxUploadSize,
		CacheTTL:      cacheTTL,
		PresignExpiry: 15 * time.Minute,
	}
}

// Submit 接收上傳請求：驗證、存 input blob、建立 job 記錄、發布 dispatch 訊息。
// 順序是此流程的关键保證：記錄必須先於訊息存在，worker 才不會消費到查無記錄的 job；
// 訊息發布失敗時 job 停留在 pending，由回收掃描重新投遞，不會無聲遺失。
func (s *ingressUseCase) Submit(ctx context.Context, req domain.SubmitReq) (*domain.SubmitRes, error) {
	// 1. 先驗證，未通過前不碰任何儲存
	if req.Filename == "" {
		return nil, domain.NewValidationError("no file selected")
	}
	ext := domain.FileExtension(req.Filename)
	if !pkg.Contains(domain.AllowedExtensions, ext) {
		return nil, domain.NewValidationError("unsupported file type [%s], allowed: %v", ext, domain.AllowedExtensions)
	}
	if req.FileSize <= 0 || req.FileSize > s.MaxUploadSize {
		return nil, domain.NewValidationError("file size %d out of range (max %d)", req.FileSize, s.MaxUploadSize)
	}

	jobID := uuid.NewString()

	// 2. 暫存檔案到 ./tmp/ 目錄
	tmpDir := "./tmp"
	if err := createDir(tmpDir); err != nil {
		errMsg := fmt.Sprintf("jobID[%s] 建立暫存目錄失敗 : %v", jobID, err)
		return nil, domain.NewTransientError("temp dir", errprocess.Set(errMsg))
	}

	tempPath := filepath.Join(tmpDir, jobID+ext)
	tempFile, err := createFile(tempPath)
	if err != nil {
		errMsg := fmt.Sprintf("jobID[%s] 建立暫存檔案失敗 : %v", jobID, err)
		return nil, domain.NewTransientError("temp file", errprocess.Set(errMsg))
	}
	defer os.Remove(tempPath)

	if _, err := copyFile(tempFile, req.File); err != nil {
		tempFile.Close()
		errMsg := fmt.Sprintf("jobID[%s] 儲存檔案失敗 : %v", jobID, err)
		return nil, domain.NewTransientError("temp file", errprocess.Set(errMsg))
	}
	tempFile.Close()

	// 3. 偵測實際 content type（僅作為記錄，不作為驗證依據）
	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(tempPath); err == nil {
		contentType = mtype.String()
	}

	// 4. 上傳 input blob，位置由 job_id 決定
	inputKey := domain.InputObjectKey(jobID, req.Filename)
	if err := s.MinioClient.UploadFile(ctx, inputKey, tempPath, contentType); err != nil {
		errMsg := fmt.Sprintf("jobID[%s] 上傳 MinIO 失敗 : %v", jobID, err)
		return nil, domain.NewTransientError("blob store", errprocess.Set(errMsg))
	}

	// 5. 建立 job 記錄（狀態 pending），必須先於訊息發布
	job := &domain.Job{
		JobID:       jobID,
		Filename:    req.Filename,
		FileSize:    req.FileSize,
		ContentType: contentType,
		InputKey:    inputKey,
		Status:      domain.JobPending,
	}
	if err := s.JobRepo.Create(ctx, job); err != nil {
		errMsg := fmt.Sprintf("jobID[%s] 資料庫建立 job 失敗 : %v", jobID, err)
		return nil, domain.NewTransientError("job store", errprocess.Set(errMsg))
	}
	s.appendEvent(ctx, jobID, "", domain.JobPending, 0, "submitted")

	// 6. 發布 dispatch 訊息，一次提交恰好一則
	if err := s.publishDispatch(jobID, inputKey); err != nil {
		// job 已建立、停留在 pending，可由回收掃描重新投遞，不算遺失
		errMsg := fmt.Sprintf("jobID[%s] 發送 RabbitMQ 訊息失敗 : %v", jobID, err)
		return nil, domain.NewTransientError("queue publish", errprocess.Set(errMsg))
	}

	return &domain.SubmitRes{
		JobID:    jobID,
		Filename: req.Filename,
	}, nil
}

// ListJobs 列出最近的 job
func (s *ingressUseCase) ListJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.JobRepo.List(ctx, limit)
}

// GetStatus 查詢 job 狀態，帶短 TTL 的 redis read-through 快取
func (s *ingressUseCase) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	cacheKey := "job:" + jobID
	if job, err := s.StatusCache.Get(ctx, cacheKey); err == nil {
		return &job, nil
	}

	job, err := s.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := s.StatusCache.Set(ctx, cacheKey, *job, s.CacheTTL); err != nil {
		logger.Log.Warn(fmt.Sprintf("jobID[%s] 寫入狀態快取失敗: %v", jobID, err))
	}
	return job, nil
}

// GetDownloadURL 只有 completed 的 job 才能取得輸出的 presigned URL
func (s *ingressUseCase) GetDownloadURL(ctx context.Context, jobID string) (string, error) {
	job, err := s.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != domain.JobCompleted {
		return "", domain.ErrJobNotReady
	}
	url, err := s.MinioClient.PresignGetURL(ctx, job.OutputKey, s.PresignExpiry)
	if err != nil {
		return "", domain.NewTransientError("presign", err)
	}
	return url, nil
}

// GetThumbnailURL 只有 completed 的 job 才能取得縮圖的 presigned URL
func (s *ingressUseCase) GetThumbnailURL(ctx context.Context, jobID string) (string, error) {
	job, err := s.JobRepo.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != domain.JobCompleted {
		return "", domain.ErrJobNotReady
	}
	url, err := s.MinioClient.PresignGetURL(ctx, job.ThumbnailKey, s.PresignExpiry)
	if err != nil {
		return "", domain.NewTransientError("presign", err)
	}
	return url, nil
}

// GetJobEvents 查詢 job 的狀態轉移歷史
func (s *ingressUseCase) GetJobEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	if _, err := s.JobRepo.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return s.EventRepo.FindByJobID(ctx, jobID)
}

// RequeueStalePending 回收掃描：把停留在 pending 超過 olderThan 的 job 重新投遞。
// 重複投遞是安全的（at-least-once），worker 端的領取檢查會吸收多餘的訊息。
func (s *ingressUseCase) RequeueStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	jobs, err := s.JobRepo.FindStalePending(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range jobs {
		if err := s.publishDispatch(job.JobID, job.InputKey); err != nil {
			logger.Log.Warn(fmt.Sprintf("jobID[%s] 重新投遞失敗: %v", job.JobID, err))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		logger.Log.Info(fmt.Sprintf("回收掃描重新投遞 %d 個 pending job", requeued))
	}
	return requeued, nil
}

// publishDispatch 發布 dispatch 訊息（持久化）
func (s *ingressUseCase) publishDispatch(jobID, inputKey string) error {
	msg := domain.DispatchMessage{
		JobID:    jobID,
		InputKey: inputKey,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = s.RabbitChannel.Publish(
		"",               // 預設 exchange
		domain.QueueName, // queue 名稱
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         data,
		},
	)
	if err != nil {
		metrics.QueuePublishFailures.Inc()
		return err
	}
	metrics.QueuePublishCounter.Inc()
	return nil
}

// appendEvent 寫入狀態轉移事件，失敗僅記錄不影響主流程
func (s *ingressUseCase) appendEvent(ctx context.Context, jobID string, from, to domain.JobStatus, attempt int, detail string) {
	event := &domain.JobEvent{
		JobID:      jobID,
		FromStatus: from,
		ToStatus:   to,
		Attempt:    attempt,
		Detail:     detail,
		At:         time.Now().UTC(),
	}
	if err := s.EventRepo.Append(ctx, event); err != nil {
		logger.Log.Warn(fmt.Sprintf("jobID[%s] 寫入事件失敗: %v", jobID, err))
	}
}
