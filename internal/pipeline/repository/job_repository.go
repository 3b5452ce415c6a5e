package repository

import (
	"context"
	"errors"
	"time"

	"video_processing_service/internal/pipeline/domain"

	"gorm.io/gorm"
)

// JobRepo definition job store operations
// 所有狀態寫入都是條件更新（WHERE job_id AND status），以 RowsAffected 判斷是否命中；
// 這是 at-least-once 投遞下防止兩個 worker 互踩的唯一機制。
type JobRepo interface {
	AutoMigrate() error
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, limit int) ([]domain.Job, error)
	// ClaimPending pending → processing 並遞增 attempt_count；未命中回傳 ErrJobConflict
	ClaimPending(ctx context.Context, jobID string) (*domain.Job, error)
	// Complete processing → completed，寫入 output_key / thumbnail_key
	Complete(ctx context.Context, jobID, outputKey, thumbnailKey string) error
	// Fail processing → failed，寫入 error_message
	Fail(ctx context.Context, jobID, errorMessage string) error
	// Release processing → pending，供未達上限的重試再入佇列
	Release(ctx context.Context, jobID string) error
	// FindStalePending 找出停留在 pending 超過 olderThan 的 job（回收掃描用）
	FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
}

type jobRepo struct {
	db *gorm.DB
}

// NewJobRepo create JobRepo
func NewJobRepo(db *gorm.DB) JobRepo {
	return &jobRepo{db: db}
}

// AutoMigrate 建立 / 更新 jobs 資料表結構
func (r *jobRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.Job{})
}

// Create 插入一筆新的 job 記錄（狀態 pending）
func (r *jobRepo) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID get Job by job_id
func (r *jobRepo) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var j domain.Job
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// List 依建立時間降序列出最近的 job
func (r *jobRepo) List(ctx context.Context, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimPending 原子領取：只有狀態仍為 pending 時才會命中，
// 兩個 worker 競爭同一個 job 時恰好一個成功，另一個收到 ErrJobConflict。
func (r *jobRepo) ClaimPending(ctx context.Context, jobID string) (*domain.Job, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ? AND status = ?", jobID, domain.JobPending).
		Updates(map[string]interface{}{
			"status":        domain.JobProcessing,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrJobConflict
	}
	return r.GetByID(ctx, jobID)
}

// Complete 條件更新 processing → completed，同時寫入輸出位置
func (r *jobRepo) Complete(ctx context.Context, jobID, outputKey, thumbnailKey string) error {
	return r.conditionalUpdate(ctx, jobID, domain.JobProcessing, map[string]interface{}{
		"status":        domain.JobCompleted,
		"output_key":    outputKey,
		"thumbnail_key": thumbnailKey,
		"error_message": "",
		"version":       gorm.Expr("version + 1"),
	})
}

// Fail 條件更新 processing → failed，寫入 error_message
func (r *jobRepo) Fail(ctx context.Context, jobID, errorMessage string) error {
	return r.conditionalUpdate(ctx, jobID, domain.JobProcessing, map[string]interface{}{
		"status":        domain.JobFailed,
		"error_message": errorMessage,
		"version":       gorm.Expr("version + 1"),
	})
}

// Release 條件更新 processing → pending，等待重新投遞
func (r *jobRepo) Release(ctx context.Context, jobID string) error {
	return r.conditionalUpdate(ctx, jobID, domain.JobProcessing, map[string]interface{}{
		"status":  domain.JobPending,
		"version": gorm.Expr("version + 1"),
	})
}

// FindStalePending find pending jobs older than olderThan
func (r *jobRepo) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.JobPending, olderThan).
		Order("updated_at ASC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) conditionalUpdate(ctx context.Context, jobID string, expect domain.JobStatus, values map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ? AND status = ?", jobID, expect).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrJobConflict
	}
	return nil
}
