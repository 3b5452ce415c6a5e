package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"video_processing_service/internal/pipeline/api/handlers"
	"video_processing_service/internal/pipeline/api/router"
	"video_processing_service/internal/pipeline/app"
	"video_processing_service/internal/pipeline/domain"
	"video_processing_service/internal/pipeline/repository"
	"video_processing_service/pkg/config"
	"video_processing_service/pkg/database"
	"video_processing_service/pkg/logger"

	"github.com/gofiber/fiber/v2"
	fiber_log "github.com/gofiber/fiber/v2/middleware/logger"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.APIGateway, config.EnvConfig.APIGatewayLogPath)

	cfg := config.LoadConfig[config.APIGateway](config.EnvConfig.APIGateway, config.EnvConfig.APIGatewayYAMLPath)

	// 1. 連線 PostgreSQL（job store）
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		cfg.PostgreSQL.Host, cfg.PostgreSQL.User, cfg.PostgreSQL.Password, cfg.PostgreSQL.Database, cfg.PostgreSQL.Port)
	db, err := database.NewPGConnection(database.Connection{
		ConnectStr: dsn,

		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to postgreSQL database after retries",
			zap.String("address", fmt.Sprintf("[%s]", dsn)),
			zap.Error(err),
		)
	}

	// 自動遷移 jobs 資料表
	jobRepo := repository.NewJobRepo(db)
	if err := jobRepo.AutoMigrate(); err != nil {
		log.Fatalf("資料表遷移失敗: %v", err)
	}

	// 2. 連線 MongoDB（job 事件紀錄）
	mongoURI := fmt.Sprintf("mongodb://%s:%s@%s:%d",
		cfg.Mongo.User, cfg.Mongo.Password, cfg.Mongo.Host, cfg.Mongo.Port)
	mongoDB, err := database.NewMongoDB(context.Background(), database.Connection{
		ConnectStr:    mongoURI,
		RetryCount:    cfg.Mongo.RetryCount,
		RetryInterval: time.Duration(cfg.Mongo.RetryInterval) * time.Second,
	}, cfg.Mongo.Database)
	if err != nil {
		logger.Log.Fatal("Unable to connect to mongoDB after retries", zap.Error(err))
	}
	defer mongoDB.Close(context.Background())
	eventRepo := repository.NewMongoJobEventRepo(mongoDB.Database)

	// 3. 初始化 MinIO 客戶端
	minioClient, err := database.NewMinIOConnection(database.MinIOConnection{
		Endpoint:   fmt.Sprintf("%s:%d", cfg.MinIO.Host, cfg.MinIO.Port),
		User:       cfg.MinIO.User,
		Password:   cfg.MinIO.Password,
		BucketName: cfg.MinIO.BucketName,
		UseSSL:     cfg.MinIO.UseSSL,

		RetryCount:    cfg.MinIO.RetryCount,
		RetryInterval: time.Duration(cfg.MinIO.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("Unable to connect to minio after retries", zap.Error(err))
	}

	// 4. 連線 RabbitMQ 並宣告 dispatch queue
	rabbitURL := fmt.Sprintf("amqp://%s:%s@%s:%s/", cfg.RabbitMQ.User, cfg.RabbitMQ.Password, cfg.RabbitMQ.IP, cfg.RabbitMQ.Port)
	conn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    rabbitURL,
		RetryCount:    cfg.RabbitMQ.RetryCount,
		RetryInterval: time.Duration(cfg.RabbitMQ.RetryInterval),
	})
	if err != nil {
		log.Fatalf("RabbitMQ 連線失敗: %v", err)
	}
	defer conn.Close()

	rabbitChannel, err := database.GetRabbitMQChannelWithRetry(conn, cfg.RabbitMQ.RetryCount, time.Duration(cfg.RabbitMQ.RetryInterval))
	if err != nil {
		log.Fatalf("取得 RabbitMQ Channel 失敗: %v", err)
	}
	defer rabbitChannel.Close()

	if err := database.DeclareDurableQueue(rabbitChannel, domain.QueueName); err != nil {
		log.Fatalf("Queue Declare failed: %v", err)
	}
	rabbitRepo := database.NewRabbitRepository(rabbitChannel)

	// 5. 連線 Redis（狀態查詢快取）
	redisClient, err := database.NewRedisClient(cfg.Redis.Addr, cfg.Redis.RedisDB)
	if err != nil {
		logger.Log.Fatal("Unable to connect to redis", zap.Error(err))
	}
	statusCache := database.NewRedisRepository[domain.Job](redisClient)

	usecase := app.NewIngressUseCase(
		minioClient,
		jobRepo,
		eventRepo,
		rabbitRepo,
		statusCache,
		cfg.MaxUploadSize,
		time.Duration(cfg.Redis.CacheTTL)*time.Second,
	)

	// 6. 回收掃描：停留在 pending 的 job 定期重新投遞
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconcileLoop(ctx, usecase, cfg.ReconcileInterval, cfg.ReconcileAfter)

	// 7. 建立 Fiber 應用
	r := fiber.New(fiber.Config{
		BodyLimit: int(cfg.MaxUploadSize) + 1024*1024,
	})

	// 添加日誌中間件
	file, err := os.OpenFile(fmt.Sprintf("%s/access.log", config.EnvConfig.APIGatewayLogPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	r.Use(fiber_log.New(fiber_log.Config{
		Output: file,
	}))

	// 8. 設定 API 路由
	jobHandler := handlers.NewJobHandler(usecase, minioClient, rabbitRepo)
	router.RegisterRoutes(r, jobHandler)

	// 9. 啟動 API 服務
	if err := r.Listen(cfg.IP + ":" + cfg.Port); err != nil {
		logger.Log.Fatal("Server failed to start", zap.Error(err))
	}
}

// reconcileLoop 定期把停留在 pending 超過 after 的 job 重新投遞
func reconcileLoop(ctx context.Context, usecase app.IngressUseCase, interval, after time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if after <= 0 {
		after = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := usecase.RequeueStalePending(ctx, after, 100); err != nil {
				logger.Log.Warn(fmt.Sprintf("回收掃描失敗: %v", err))
			}
		case <-ctx.Done():
			return
		}
	}
}
