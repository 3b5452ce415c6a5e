//go:build integration

package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"video_processing_service/internal/pipeline/domain"
	"video_processing_service/pkg/database"
	"video_processing_service/pkg/logger"
	testtool "video_processing_service/pkg/test_tool"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var jobRepoUnderTest JobRepo

func TestMain(m *testing.M) {
	logger.SetNewNop()
	ctx := context.Background()

	// **啟動 PostgreSQL**
	postgresContainer, postgresHost, postgresPort, err := testtool.SetupContainer(ctx, testcontainers.ContainerRequest{
		Image: "postgres:latest",
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp"),
	})
	if err != nil {
		log.Fatalf("❌ Failed to start PostgreSQL container: %v", err)
	}
	fmt.Printf("✅ PostgreSQL running at %s:%s\n", postgresHost, postgresPort)

	db, err := database.NewPGConnection(database.Connection{
		ConnectStr:    fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", postgresHost, postgresPort),
		RetryCount:    5,
		RetryInterval: 2,
	})
	if err != nil {
		log.Fatalf("❌ Failed to connect to PostgreSQL: %v", err)
	}

	jobRepoUnderTest = NewJobRepo(db)
	if err := jobRepoUnderTest.AutoMigrate(); err != nil {
		log.Fatalf("❌ Failed to migrate jobs table: %v", err)
	}

	code := m.Run()

	_ = postgresContainer.Terminate(ctx)
	os.Exit(code)
}

func newPendingJob(t *testing.T) *domain.Job {
	job := &domain.Job{
		JobID:    uuid.NewString(),
		Filename: "test.mp4",
		FileSize: 1024,
		InputKey: domain.InputObjectKey(uuid.NewString(), "test.mp4"),
		Status:   domain.JobPending,
	}
	assert.NoError(t, jobRepoUnderTest.Create(context.Background(), job))
	return job
}

// **併發領取：同一個 pending job 恰好一個 worker 成功**
func TestConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	job := newPendingJob(t)

	const workers = 10
	var wg sync.WaitGroup
	var claimed, conflicted int32
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := jobRepoUnderTest.ClaimPending(ctx, job.JobID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				claimed++
			} else if errors.Is(err, domain.ErrJobConflict) {
				conflicted++
			} else {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed)
	assert.Equal(t, int32(workers-1), conflicted)

	got, err := jobRepoUnderTest.GetByID(ctx, job.JobID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

// **完整生命週期：pending → processing → completed**
func TestClaimCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	job := newPendingJob(t)

	claimed, err := jobRepoUnderTest.ClaimPending(ctx, job.JobID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)

	outputKey := domain.OutputObjectKey(job.JobID, job.Filename)
	thumbnailKey := domain.ThumbnailObjectKey(job.JobID)
	assert.NoError(t, jobRepoUnderTest.Complete(ctx, job.JobID, outputKey, thumbnailKey))

	got, err := jobRepoUnderTest.GetByID(ctx, job.JobID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, outputKey, got.OutputKey)
	assert.Equal(t, thumbnailKey, got.ThumbnailKey)

	// 終態後任何條件更新都不可命中
	assert.ErrorIs(t, jobRepoUnderTest.Complete(ctx, job.JobID, "x", "y"), domain.ErrJobConflict)
	assert.ErrorIs(t, jobRepoUnderTest.Fail(ctx, job.JobID, "late failure"), domain.ErrJobConflict)
	assert.ErrorIs(t, jobRepoUnderTest.Release(ctx, job.JobID), domain.ErrJobConflict)

	_, err = jobRepoUnderTest.ClaimPending(ctx, job.JobID)
	assert.ErrorIs(t, err, domain.ErrJobConflict)
}

// **釋放回 pending 後可以再次領取，attempt_count 持續累積**
func TestReleaseAndReclaim(t *testing.T) {
	ctx := context.Background()
	job := newPendingJob(t)

	_, err := jobRepoUnderTest.ClaimPending(ctx, job.JobID)
	assert.NoError(t, err)

	assert.NoError(t, jobRepoUnderTest.Release(ctx, job.JobID))

	reclaimed, err := jobRepoUnderTest.ClaimPending(ctx, job.JobID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, reclaimed.Status)
	assert.Equal(t, 2, reclaimed.AttemptCount)
}

// **Fail 只能從 processing 轉移**
func TestFailFromProcessingOnly(t *testing.T) {
	ctx := context.Background()
	job := newPendingJob(t)

	// pending 不可直接 fail
	assert.ErrorIs(t, jobRepoUnderTest.Fail(ctx, job.JobID, "boom"), domain.ErrJobConflict)

	_, err := jobRepoUnderTest.ClaimPending(ctx, job.JobID)
	assert.NoError(t, err)
	assert.NoError(t, jobRepoUnderTest.Fail(ctx, job.JobID, "boom"))

	got, err := jobRepoUnderTest.GetByID(ctx, job.JobID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
}

// **查無此 job 回傳 ErrJobNotFound**
func TestGetByIDNotFound(t *testing.T) {
	_, err := jobRepoUnderTest.GetByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

// **回收掃描只挑出過期的 pending**
func TestFindStalePending(t *testing.T) {
	ctx := context.Background()
	job := newPendingJob(t)

	// updated_at 在未來之前的都算過期
	stale, err := jobRepoUnderTest.FindStalePending(ctx, time.Now().Add(time.Minute), 100)
	assert.NoError(t, err)

	found := false
	for _, s := range stale {
		assert.Equal(t, domain.JobPending, s.Status)
		if s.JobID == job.JobID {
			found = true
		}
	}
	assert.True(t, found)

	// 領取後不再是回收對象
	_, err = jobRepoUnderTest.ClaimPending(ctx, job.JobID)
	assert.NoError(t, err)

	stale, err = jobRepoUnderTest.FindStalePending(ctx, time.Now().Add(time.Minute), 100)
	assert.NoError(t, err)
	for _, s := range stale {
		assert.NotEqual(t, job.JobID, s.JobID)
	}
}
