package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"video_processing_service/internal/pipeline/app"
	"video_processing_service/internal/pipeline/domain"
	"video_processing_service/internal/pipeline/repository"
	"video_processing_service/pkg/config"
	"video_processing_service/pkg/database"
	"video_processing_service/pkg/logger"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.WorkerService, config.EnvConfig.WorkerServiceLogPath)

	cfg := config.LoadConfig[config.Worker](config.EnvConfig.WorkerService, config.EnvConfig.WorkerServiceYAMLPath)

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
	jobRepo := repository.NewJobRepo(db)

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

	// 5. 建立 Kafka Writer（終態事件，可停用）
	var lifecycleWriter *kafka.Writer
	if cfg.Kafka.Enabled {
		lifecycleWriter, err = database.NewKafkaWriterWithRetry(database.KafkaConnection{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			RetryCount:    cfg.Kafka.RetryCount,
			RetryInterval: time.Duration(cfg.Kafka.RetryInterval),
		})
		if err != nil {
			log.Fatalf("Kafka Writer 建立失敗: %v", err)
		}
		defer lifecycleWriter.Close()
	}

	// 6. 啟動 Consumer
	consumer := app.NewConsumer(
		rabbitRepo,
		minioClient,
		jobRepo,
		eventRepo,
		app.NewFFmpegTransformer(),
		lifecycleOrNil(lifecycleWriter),
		app.ConsumerConfig{
			QueueName:   domain.QueueName,
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BackoffBase: cfg.Pipeline.BackoffBase,
			Prefetch:    cfg.Pipeline.Prefetch,
			TempDir:     cfg.Pipeline.TempDir,
		},
	)

	// 使用 context 控制 Consumer 的生命週期
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.StartConsumer(ctx); err != nil {
			logger.Log.Fatal("Consumer failed", zap.Error(err))
		}
	}()
	go consumer.StartQueueDepthGauge(ctx, cfg.Pipeline.QueueDepthInterval)

	// 7. health / metrics 端點
	r := fiber.New()
	r.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	r.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if err := r.Listen(cfg.IP + ":" + cfg.Port); err != nil {
		logger.Log.Fatal("Worker server failed to start", zap.Error(err))
	}
}

// lifecycleOrNil kafka.Writer 為 nil 時避免帶型別的 nil 介面
func lifecycleOrNil(w *kafka.Writer) app.LifecycleWriter {
	if w == nil {
		return nil
	}
	return w
}
