package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"video_processing_service/internal/pipeline/domain"
	"video_processing_service/pkg/logger"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// mockDelivery 模擬 amqp.Delivery 的確認操作
type mockDelivery struct {
	mock.Mock
}

func (m *mockDelivery) Ack(multiple bool) error {
	args := m.Called(multiple)
	return args.Error(0)
}

func (m *mockDelivery) Nack(multiple, requeue bool) error {
	args := m.Called(multiple, requeue)
	return args.Error(0)
}

// MockTransformer 是 Transformer 的 Mock
type MockTransformer struct {
	mock.Mock
}

func (m *MockTransformer) Transform(ctx context.Context, inputPath, workDir, outputName string) (*TransformResult, error) {
	args := m.Called(ctx, inputPath, workDir, outputName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TransformResult), args.Error(1)
}

// MockLifecycleWriter 是 LifecycleWriter 的 Mock
type MockLifecycleWriter struct {
	mock.Mock
}

func (m *MockLifecycleWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

type consumerMocks struct {
	rabbit      *MockRabbitChannel
	minio       *MockMinIOClient
	repo        *MockJobRepo
	events      *MockJobEventRepo
	transformer *MockTransformer
}

func newTestConsumer(t *testing.T, lifecycle LifecycleWriter) (*Consumer, *consumerMocks) {
	logger.SetNewNop()
	m := &consumerMocks{
		rabbit:      new(MockRabbitChannel),
		minio:       new(MockMinIOClient),
		repo:        new(MockJobRepo),
		events:      new(MockJobEventRepo),
		transformer: new(MockTransformer),
	}
	c := NewConsumer(m.rabbit, m.minio, m.repo, m.events, m.transformer, lifecycle, ConsumerConfig{
		QueueName:   domain.QueueName,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		TempDir:     t.TempDir(),
	})
	return c, m
}

func dispatchBody(t *testing.T, jobID, inputKey string) []byte {
	body, err := json.Marshal(domain.DispatchMessage{JobID: jobID, InputKey: inputKey})
	assert.NoError(t, err)
	return body
}

// 測試單則訊息的狀態機
func TestHandleDelivery(t *testing.T) {
	ctx := context.Background()
	jobID := "44444444-4444-4444-4444-444444444444"
	inputKey := domain.InputObjectKey(jobID, "test.mp4")

	// **情境 1: 格式損壞的訊息拒絕且不 requeue**
	t.Run("格式損壞的訊息拒絕且不 requeue", func(t *testing.T) {
		c, _ := newTestConsumer(t, nil)
		d := new(mockDelivery)
		d.On("Nack", false, false).Return(nil).Once()

		c.handleDelivery(ctx, []byte("not json"), d)

		d.AssertExpectations(t)
	})

	// **情境 2: 終態 job 的重複投遞直接吸收**
	t.Run("終態 job 的重複投遞直接吸收", func(t *testing.T) {
		c, m := newTestConsumer(t, nil)
		m.repo.On("GetByID", mock.Anything, jobID).
			Return(&domain.Job{JobID: jobID, Status: domain.JobCompleted}, nil).Once()
		d := new(mockDelivery)
		d.On("Ack", false).Return(nil).Once()

		c.handleDelivery(ctx, dispatchBody(t, jobID, inputKey), d)

		// 不可重新領取、不可重做任何處理
		m.repo.AssertNotCalled(t, "ClaimPending", mock.Anything, mock.Anything)
		m.transformer.AssertNotCalled(t, "Transform", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		d.AssertExpectations(t)
	})

	// **情境 3: 領取落空時放棄本次投遞**
	t.Run("領取落空時放棄本次投遞", func(t *testing.T) {
		c, m := newTestConsumer(t, nil)
		m.repo.On("GetByID", mock.Anything, jobID).
			Return(&domain.Job{JobID: jobID, Status: domain.JobPending}, nil).Once()
		m.repo.On("ClaimPending", mock.Anything, jobID).
			Return(nil, domain.ErrJobConflict).Once()
		d := new(mockDelivery)
		d.On("Ack", false).Return(nil).Once()

		c.handleDelivery(ctx, dispatchBody(t, jobID, inputKey), d)

		m.transformer.AssertNotCalled(t, "Transform", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		d.AssertExpectations(t)
	})

	// **情境 4: 讀取 job 記錄失敗時交還 broker**
	t.Run("讀取 job 記錄失敗時交還 broker", func(t *testing.T) {
		c, m := newTestConsumer(t, nil)
		m.repo.On("GetByID", mock.Anything, jobID).
			Return(nil, errors.New("db down")).Once()
		d := new(mockDelivery)
		d.On("Nack", false, true).Return(nil).Once()

		c.handleDelivery(ctx, dispatchBody(t, jobID, inputKey), d)

		d.AssertExpectations(t)
	})

	// **情境 5: 轉檔成功後寫輸出並確認**
	t.Run("轉檔成功後寫輸出並確認", func(t *testing.T) {
		lifecycle := new(MockLifecycleWriter)
		c, m := newTestConsumer(t, lifecycle)

		pending := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobPending}
		claimed := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobProcessing, AttemptCount: 1}

		m.repo.On("GetByID", mock.Anything, jobID).Return(pending, nil).Once()
		m.repo.On("ClaimPending", mock.Anything, jobID).Return(claimed, nil).Once()
		m.events.On("Append", mock.Anything, mock.Anything).Return(nil)

		m.minio.On("DownloadFile", mock.Anything, inputKey, mock.Anything).Return(nil).Once()
		m.transformer.On("Transform", mock.Anything, mock.Anything, mock.Anything, "test.mp4").
			Return(&TransformResult{OutputPath: "/tmp/out.mp4", ThumbnailPath: "/tmp/thumb.jpg"}, nil).Once()

		outputKey := domain.OutputObjectKey(jobID, "test.mp4")
		thumbnailKey := domain.ThumbnailObjectKey(jobID)
		m.minio.On("UploadFile", mock.Anything, outputKey, "/tmp/out.mp4", "video/mp4").Return(nil).Once()
		m.minio.On("UploadFile", mock.Anything, thumbnailKey, "/tmp/thumb.jpg", "image/jpeg").Return(nil).Once()
		m.repo.On("Complete", mock.Anything, jobID, outputKey, thumbnailKey).Return(nil).Once()

		// 終態事件發布給外部消費者
		lifecycle.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
			return len(msgs) == 1 && string(msgs[0].Key) == jobID
		})).Return(nil).Once()

		d := new(mockDelivery)
		d.On("Ack", false).Return(nil).Once()

		c.handleDelivery(ctx, dispatchBody(t, jobID, inputKey), d)

		m.repo.AssertExpectations(t)
		m.minio.AssertExpectations(t)
		m.transformer.AssertExpectations(t)
		lifecycle.AssertExpectations(t)
		d.AssertExpectations(t)
	})

	// **情境 6: 失敗未達上限時釋放回 pending 並重新投遞**
	t.Run("失敗未達上限時釋放回 pending 並重新投遞", func(t *testing.T) {
		c, m := newTestConsumer(t, nil)

		pending := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobPending}
		claimed := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobProcessing, AttemptCount: 1}

		m.repo.On("GetByID", mock.Anything, jobID).Return(pending, nil).Once()
		m.repo.On("ClaimPending", mock.Anything, jobID).Return(claimed, nil).Once()
		m.events.On("Append", mock.Anything, mock.Anything).Return(nil)

		m.minio.On("DownloadFile", mock.Anything, inputKey, mock.Anything).Return(nil).Once()
		m.transformer.On("Transform", mock.Anything, mock.Anything, mock.Anything, "test.mp4").
			Return(nil, domain.NewTransformError(errors.New("ffmpeg exit 1"))).Once()

		m.repo.On("Release", mock.Anything, jobID).Return(nil).Once()

		// 回退等待第一次重試 = BackoffBase << 0
		var slept time.Duration
		originalSleep := sleepFn
		defer func() { sleepFn = originalSleep }()
		sleepFn = func(d time.Duration) { slept = d }

		m.rabbit.On("Publish", "", domain.QueueName, false, false, mock.Anything).Return(nil).Once()

		d := new(mockDelivery)
		d.On("Ack", false).Return(nil).Once()

		c.handleDelivery(ctx, dispatchBody(t, jobID, inputKey), d)

		assert.Equal(t, time.Millisecond, slept)
		m.repo.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything)
		m.rabbit.AssertExpectations(t)
		d.AssertExpectations(t)
	})

	// **情境 7: 失敗達上限時終止為 failed**
	t.Run("失敗達上限時終止為 failed", func(t *testing.T) {
		lifecycle := new(MockLifecycleWriter)
		c, m := newTestConsumer(t, lifecycle)

		pending := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobPending, AttemptCount: 2}
		claimed := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobProcessing, AttemptCount: 3}

		m.repo.On("GetByID", mock.Anything, jobID).Return(pending, nil).Once()
		m.repo.On("ClaimPending", mock.Anything, jobID).Return(claimed, nil).Once()
		m.events.On("Append", mock.Anything, mock.Anything).Return(nil)

		m.minio.On("DownloadFile", mock.Anything, inputKey, mock.Anything).Return(nil).Once()
		m.transformer.On("Transform", mock.Anything, mock.Anything, mock.Anything, "test.mp4").
			Return(nil, domain.NewTransformError(errors.New("ffmpeg exit 1"))).Once()

		m.repo.On("Fail", mock.Anything, jobID, mock.Anything).Return(nil).Once()
		lifecycle.On("WriteMessages", mock.Anything, mock.Anything).Return(nil).Once()

		d := new(mockDelivery)
		d.On("Ack", false).Return(nil).Once()

		c.handleDelivery(ctx, dispatchBody(t, jobID, inputKey), d)

		// 終止後不再投遞
		m.repo.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
		m.rabbit.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		m.repo.AssertExpectations(t)
		lifecycle.AssertExpectations(t)
		d.AssertExpectations(t)
	})

	// **情境 8: 寫入結果時狀態已變則放棄本次結果**
	t.Run("寫入結果時狀態已變則放棄本次結果", func(t *testing.T) {
		c, m := newTestConsumer(t, nil)

		pending := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobPending}
		claimed := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobProcessing, AttemptCount: 1}

		m.repo.On("GetByID", mock.Anything, jobID).Return(pending, nil).Once()
		m.repo.On("ClaimPending", mock.Anything, jobID).Return(claimed, nil).Once()
		m.events.On("Append", mock.Anything, mock.Anything).Return(nil)

		m.minio.On("DownloadFile", mock.Anything, inputKey, mock.Anything).Return(nil).Once()
		m.transformer.On("Transform", mock.Anything, mock.Anything, mock.Anything, "test.mp4").
			Return(&TransformResult{OutputPath: "/tmp/out.mp4", ThumbnailPath: "/tmp/thumb.jpg"}, nil).Once()
		m.minio.On("UploadFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
		m.repo.On("Complete", mock.Anything, jobID, mock.Anything, mock.Anything).
			Return(domain.ErrJobConflict).Once()

		d := new(mockDelivery)
		d.On("Ack", false).Return(nil).Once()

		c.handleDelivery(ctx, dispatchBody(t, jobID, inputKey), d)

		m.repo.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything)
		m.repo.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
		d.AssertExpectations(t)
	})

	// **情境 9: 標記 failed 失敗時交還 broker**
	t.Run("標記 failed 失敗時交還 broker", func(t *testing.T) {
		c, m := newTestConsumer(t, nil)

		pending := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobPending, AttemptCount: 2}
		claimed := &domain.Job{JobID: jobID, Filename: "test.mp4", InputKey: inputKey, Status: domain.JobProcessing, AttemptCount: 3}

		m.repo.On("GetByID", mock.Anything, jobID).Return(pending, nil).Once()
		m.repo.On("ClaimPending", mock.Anything, jobID).Return(claimed, nil).Once()
		m.events.On("Append", mock.Anything, mock.Anything).Return(nil)

		m.minio.On("DownloadFile", mock.Anything, inputKey, mock.Anything).
			Return(domain.NewTransientError("blob download", errors.New("minio down"))).Once()
		m.repo.On("Fail", mock.Anything, jobID, mock.Anything).Return(errors.New("db down")).Once()

		d := new(mockDelivery)
		d.On("Nack", false, true).Return(nil).Once()

		c.handleDelivery(ctx, dispatchBody(t, jobID, inputKey), d)

		d.AssertExpectations(t)
	})
}
