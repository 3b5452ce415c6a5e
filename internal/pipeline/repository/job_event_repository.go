package repository

import (
	"context"

	"video_processing_service/internal/pipeline/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// JobEventRepo definition job 狀態轉移紀錄
// 追加寫入、不修改，查詢依 job_id 按時間升序
type JobEventRepo interface {
	Append(ctx context.Context, event *domain.JobEvent) error
	FindByJobID(ctx context.Context, jobID string) ([]domain.JobEvent, error)
}

type jobEventRepo struct {
	coll *mongo.Collection
}

// NewMongoJobEventRepo create a JobEventRepo
func NewMongoJobEventRepo(db *mongo.Database) JobEventRepo {
	return &jobEventRepo{
		coll: db.Collection("job_events"),
	}
}

// Append 寫入一筆狀態轉移事件
func (r *jobEventRepo) Append(ctx context.Context, event *domain.JobEvent) error {
	_, err := r.coll.InsertOne(ctx, event)
	return err
}

// FindByJobID 查詢指定 job 的所有事件
func (r *jobEventRepo) FindByJobID(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	filter := bson.M{"job_id": jobID}
	opts := options.Find()
	opts.SetSort(bson.M{"at": 1})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var events []domain.JobEvent
	if err := cur.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}
