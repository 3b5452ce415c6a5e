package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"video_processing_service/internal/pipeline/domain"
	"video_processing_service/internal/pipeline/repository"
	"video_processing_service/pkg/database"
	"video_processing_service/pkg/logger"
	"video_processing_service/pkg/metrics"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
)

// delivery 抽象 amqp.Delivery 的確認操作，測試時可替換
type delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// LifecycleWriter 抽象 kafka.Writer，終態事件發布用
type LifecycleWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// 讓 worker test mock 使用包裝函數
var sleepFn = time.Sleep

// ConsumerConfig worker 行為設定
type ConsumerConfig struct {
	QueueName   string
	MaxAttempts int
	BackoffBase time.Duration
	Prefetch    int
	TempDir     string
}

// Consumer 定義一個消息消費者，將所有必要的依賴注入進來
type Consumer struct {
	rabbit      database.RabbitRepo
	minioClient database.MinIOClientRepo
	jobRepo     repository.JobRepo
	eventRepo   repository.JobEventRepo
	transformer Transformer
	lifecycle   LifecycleWriter // 可為 nil，表示不發布終態事件
	cfg         ConsumerConfig
}

// NewConsumer 建構 Consumer 實例
func NewConsumer(rabbit database.RabbitRepo,
	minioClient database.MinIOClientRepo,
	jobRepo repository.JobRepo,
	eventRepo repository.JobEventRepo,
	transformer Transformer,
	lifecycle LifecycleWriter,
	cfg ConsumerConfig,
) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "./tmp"
	}
	return &Consumer{
		rabbit:      rabbit,
		minioClient: minioClient,
		jobRepo:     jobRepo,
		eventRepo:   eventRepo,
		transformer: transformer,
		lifecycle:   lifecycle,
		cfg:         cfg,
	}
}

// StartConsumer 開始消費訊息，並處理轉檔工作
func (c *Consumer) StartConsumer(ctx context.Context) error {
	ch := c.rabbit.GetRabbit()

	// prefetch 限制單一 worker 同時持有的未確認訊息數
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("設定 Qos 失敗: %w", err)
	}

	msgs, err := ch.Consume(
		c.cfg.QueueName, // queue name
		"",              // consumer tag，留空由系統分配
		false,           // autoAck 為 false，使用手動確認
		false,           // exclusive
		false,           // noLocal
		false,           // noWait
		nil,             // arguments
	)
	if err != nil {
		return fmt.Errorf("無法開始消費 RabbitMQ 訊息: %w", err)
	}

	logger.Log.Info("Consumer 已啟動，等待轉檔工作訊息...")

	// 持續監聽訊息
	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				logger.Log.Warn("RabbitMQ 消費 channel 已關閉")
				return nil
			}
			c.handleDelivery(ctx, d.Body, d)
		case <-ctx.Done():
			logger.Log.Info("Consumer 收到停止訊號")
			return nil
		}
	}
}

// StartQueueDepthGauge 定期量測佇列深度並更新 gauge
func (c *Consumer) StartQueueDepthGauge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			depth, err := c.rabbit.QueueDepth(c.cfg.QueueName)
			if err != nil {
				logger.Log.Warn(fmt.Sprintf("量測佇列深度失敗: %v", err))
				continue
			}
			metrics.QueueSize.Set(float64(depth))
		case <-ctx.Done():
			return
		}
	}
}

// handleDelivery 單則訊息的狀態機：
//   - 已終態（completed/failed）的重複投遞 → 直接 ack，不重做（冪等邊界）
//   - 原子領取 pending → processing；被別人搶先 → ack 放棄
//   - 轉檔成功 → 寫輸出、條件更新 completed、ack
//   - 失敗且未達上限 → 條件更新回 pending、回退後重新投遞、ack 原訊息
//   - 失敗且達上限 → 條件更新 failed、ack，不再重試
//   - 處理開始前讀寫記錄失敗 → nack（requeue），不動任何狀態
func (c *Consumer) handleDelivery(ctx context.Context, body []byte, d delivery) {
	var msg domain.DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		logger.Log.Errorf("解析轉檔工作訊息失敗:", err)
		// 格式損壞的訊息重新投遞也不會成功，拒絕且不 requeue
		if err := d.Nack(false, false); err != nil {
			logger.Log.Errorf("Nack 訊息失敗:", err)
		}
		return
	}

	job, err := c.jobRepo.GetByID(ctx, msg.JobID)
	if err != nil {
		// 記錄先於訊息存在是 ingress 的保證，讀不到視為暫時性問題，交還 broker 重新投遞
		logger.Log.Errorf(fmt.Sprintf("jobID[%s] 讀取 job 記錄失敗:", msg.JobID), err)
		c.nackRequeue(d)
		return
	}

	// 冪等邊界：別的 worker 已經完成（或終止）這個 job，重複投遞直接吸收
	if job.Status.IsTerminal() {
		logger.Log.Info(fmt.Sprintf("jobID[%s] 已是終態 [%s]，跳過重複投遞", job.JobID, job.Status))
		c.ack(d)
		return
	}

	// 原子領取：只有一個 worker 會命中條件更新
	job, err = c.jobRepo.ClaimPending(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobConflict) {
			// 已被其他 worker 領取或已終止，由條件更新裁決，不靠 queue 語意
			logger.Log.Info(fmt.Sprintf("jobID[%s] 領取落空，放棄本次投遞", msg.JobID))
			c.ack(d)
			return
		}
		logger.Log.Errorf(fmt.Sprintf("jobID[%s] 領取失敗:", msg.JobID), err)
		c.nackRequeue(d)
		return
	}

	c.appendEvent(ctx, job.JobID, domain.JobPending, domain.JobProcessing, job.AttemptCount, "")
	logger.Log.Info(fmt.Sprintf("收到轉檔工作訊息: JobID=%s, InputKey=%s, attempt=%d", job.JobID, job.InputKey, job.AttemptCount))

	metrics.ActiveJobs.Inc()
	start := time.Now()
	err = c.process(ctx, job)
	metrics.ActiveJobs.Dec()

	if err == nil {
		duration := time.Since(start)
		metrics.JobsProcessed.Inc()
		metrics.ProcessingTime.Observe(duration.Seconds())
		c.appendEvent(ctx, job.JobID, domain.JobProcessing, domain.JobCompleted, job.AttemptCount, "")
		c.publishLifecycle(ctx, job.JobID, domain.JobCompleted, "")
		logger.Log.Info(fmt.Sprintf("jobID[%s] 處理完成，耗時 %.2fs", job.JobID, duration.Seconds()))
		c.ack(d)
		return
	}

	if errors.Is(err, domain.ErrJobConflict) {
		// 狀態已被他人改動（例如 visibility timeout 造成的重複投遞先完成了），放棄本次結果
		logger.Log.Warn(fmt.Sprintf("jobID[%s] 寫入結果時狀態已變，放棄", job.JobID))
		c.ack(d)
		return
	}

	logger.Log.Errorf(fmt.Sprintf("jobID[%s] 處理失敗 (attempt %d/%d):", job.JobID, job.AttemptCount, c.cfg.MaxAttempts), err)

	// 達到上限：終止為 failed 並 ack，不再投遞
	if job.AttemptCount >= c.cfg.MaxAttempts {
		if ferr := c.jobRepo.Fail(ctx, job.JobID, err.Error()); ferr != nil {
			logger.Log.Errorf(fmt.Sprintf("jobID[%s] 標記 failed 失敗:", job.JobID), ferr)
			c.nackRequeue(d)
			return
		}
		metrics.JobsFailed.Inc()
		c.appendEvent(ctx, job.JobID, domain.JobProcessing, domain.JobFailed, job.AttemptCount, err.Error())
		c.publishLifecycle(ctx, job.JobID, domain.JobFailed, err.Error())
		c.ack(d)
		return
	}

	// 未達上限：釋放回 pending，回退後重新投遞
	if rerr := c.jobRepo.Release(ctx, job.JobID); rerr != nil {
		logger.Log.Errorf(fmt.Sprintf("jobID[%s] 釋放回 pending 失敗:", job.JobID), rerr)
		c.nackRequeue(d)
		return
	}
	c.appendEvent(ctx, job.JobID, domain.JobProcessing, domain.JobPending, job.AttemptCount, "retry: "+err.Error())

	backoff := c.cfg.BackoffBase << uint(job.AttemptCount-1)
	logger.Log.Info(fmt.Sprintf("jobID[%s] 等待 %s 後重新投遞", job.JobID, backoff))
	sleepFn(backoff)

	if perr := c.republish(msg); perr != nil {
		// 重新投遞失敗時交還原訊息給 broker，避免 job 卡死
		logger.Log.Errorf(fmt.Sprintf("jobID[%s] 重新投遞失敗:", job.JobID), perr)
		c.nackRequeue(d)
		return
	}
	metrics.JobsRetried.Inc()
	c.ack(d)
}

// process 負責執行轉檔工作：
// 1. 從 MinIO 下載 input blob
// 2. 呼叫外部轉檔操作（ffmpeg 720p + 縮圖）
// 3. 將輸出與縮圖上傳到 MinIO
// 4. 條件更新 processing → completed
// 5. 清理本地暫存檔案
func (c *Consumer) process(ctx context.Context, job *domain.Job) error {
	workDir := filepath.Join(c.cfg.TempDir, job.JobID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return domain.NewTransientError("temp dir", err)
	}
	defer os.RemoveAll(workDir)

	localInputPath := filepath.Join(workDir, "input"+domain.FileExtension(job.Filename))
	logger.Log.Info(fmt.Sprintf("下載原始影片，JobID: %s, ObjectKey: %s", job.JobID, job.InputKey))
	if err := c.minioClient.DownloadFile(ctx, job.InputKey, localInputPath); err != nil {
		return domain.NewTransientError("blob download", err)
	}

	result, err := c.transformer.Transform(ctx, localInputPath, workDir, job.Filename)
	if err != nil {
		return err
	}

	outputKey := domain.OutputObjectKey(job.JobID, job.Filename)
	if err := c.minioClient.UploadFile(ctx, outputKey, result.OutputPath, "video/mp4"); err != nil {
		return domain.NewTransientError("blob upload", err)
	}

	thumbnailKey := domain.ThumbnailObjectKey(job.JobID)
	if err := c.minioClient.UploadFile(ctx, thumbnailKey, result.ThumbnailPath, "image/jpeg"); err != nil {
		return domain.NewTransientError("blob upload", err)
	}

	return c.jobRepo.Complete(ctx, job.JobID, outputKey, thumbnailKey)
}

// republish 以相同 payload 重新投遞 dispatch 訊息
func (c *Consumer) republish(msg domain.DispatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.rabbit.Publish(
		"",              // 預設 exchange
		c.cfg.QueueName, // queue 名稱
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         data,
		},
	)
}

// publishLifecycle 發布終態事件給外部 dashboard / alerting 消費者
func (c *Consumer) publishLifecycle(ctx context.Context, jobID string, status domain.JobStatus, errorMessage string) {
	if c.lifecycle == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"job_id":        jobID,
		"status":        status,
		"error_message": errorMessage,
		"at":            time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := c.lifecycle.WriteMessages(ctx, kafka.Message{
		Key:   []byte(jobID),
		Value: payload,
	}); err != nil {
		logger.Log.Warn(fmt.Sprintf("jobID[%s] 發布終態事件失敗: %v", jobID, err))
	}
}

// appendEvent 寫入狀態轉移事件，失敗僅記錄不影響主流程
func (c *Consumer) appendEvent(ctx context.Context, jobID string, from, to domain.JobStatus, attempt int, detail string) {
	event := &domain.JobEvent{
		JobID:      jobID,
		FromStatus: from,
		ToStatus:   to,
		Attempt:    attempt,
		Detail:     detail,
		At:         time.Now().UTC(),
	}
	if err := c.eventRepo.Append(ctx, event); err != nil {
		logger.Log.Warn(fmt.Sprintf("jobID[%s] 寫入事件失敗: %v", jobID, err))
	}
}

func (c *Consumer) ack(d delivery) {
	if err := d.Ack(false); err != nil {
		logger.Log.Errorf("確認訊息失敗:", err)
	}
}

func (c *Consumer) nackRequeue(d delivery) {
	if err := d.Nack(false, true); err != nil {
		logger.Log.Errorf("Nack 訊息失敗:", err)
	}
}
