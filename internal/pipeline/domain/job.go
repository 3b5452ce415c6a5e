package domain

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// QueueName 轉檔工作佇列名稱
const QueueName = "video_processing"

// JobStatus definition job status
type JobStatus string

const (
	// JobPending job 已建立，等待 worker 領取
	JobPending JobStatus = "pending"
	// JobProcessing job 已被某個 worker 領取，轉檔中
	JobProcessing JobStatus = "processing"
	// JobCompleted job 轉檔完成，輸出已寫入
	JobCompleted JobStatus = "completed"
	// JobFailed job 已達重試上限，終止
	JobFailed JobStatus = "failed"
)

// IsTerminal completed / failed 之後狀態不再變動
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition 檢查狀態轉移是否合法
// pending → processing → {completed, failed}；failed → pending 僅允許由重試再入佇列觸發
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobProcessing
	case JobProcessing:
		return to == JobCompleted || to == JobFailed || to == JobPending
	default:
		return false
	}
}

// Job 定義轉檔工作模型，job store 的唯一實體
type Job struct {
	JobID        string    `gorm:"primaryKey;column:job_id" json:"job_id"`
	Filename     string    `json:"filename"`
	FileSize     int64     `json:"file_size"`
	ContentType  string    `json:"content_type"`
	InputKey     string    `json:"input_key"`
	OutputKey    string    `json:"output_key"`
	ThumbnailKey string    `json:"thumbnail_key"`
	Status       JobStatus `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	ErrorMessage string    `json:"error_message"`
	Version      int64     `json:"-"` // 樂觀鎖版本，每次狀態寫入遞增
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobEvent 狀態轉移紀錄（mongo job_events collection）
type JobEvent struct {
	JobID      string    `bson:"job_id" json:"job_id"`
	FromStatus JobStatus `bson:"from_status" json:"from_status"`
	ToStatus   JobStatus `bson:"to_status" json:"to_status"`
	Attempt    int       `bson:"attempt" json:"attempt"`
	Detail     string    `bson:"detail,omitempty" json:"detail,omitempty"`
	At         time.Time `bson:"at" json:"at"`
}

// DispatchMessage queue 訊息格式，一次提交對應一則
type DispatchMessage struct {
	JobID    string `json:"job_id"`
	InputKey string `json:"input_key"`
}

// SubmitReq usecase submit request
type SubmitReq struct {
	Filename string
	FileSize int64
	File     io.Reader
}

// SubmitRes usecase submit response
type SubmitRes struct {
	JobID    string
	Filename string
}

// AllowedExtensions 上傳允許的副檔名
var AllowedExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}

// InputObjectKey input blob 的儲存位置，由 job_id 決定
func InputObjectKey(jobID, filename string) string {
	return fmt.Sprintf("videos/%s/%s", jobID, filename)
}

// OutputObjectKey 轉檔輸出的儲存位置
func OutputObjectKey(jobID, filename string) string {
	return fmt.Sprintf("processed/%s/%s", jobID, filename)
}

// ThumbnailObjectKey 縮圖的儲存位置
func ThumbnailObjectKey(jobID string) string {
	return fmt.Sprintf("thumbnails/%s.jpg", jobID)
}

// FileExtension 取出小寫副檔名
func FileExtension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}
