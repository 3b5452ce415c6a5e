package config

import "time"

// APIGateway definition api_gateway YAML structure
type APIGateway struct {
	Port string `mapstructure:"port"`
	IP   string `mapstructure:"ip"`

	// 上傳限制
	MaxUploadSize int64 `mapstructure:"max_upload_size"`

	// pending 狀態回收掃描
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReconcileAfter    time.Duration `mapstructure:"reconcile_after"`

	PostgreSQL DatabaseConfig `mapstructure:"pg"`
	Mongo      DatabaseConfig `mapstructure:"mongo"`
	MinIO      MinIOConfig    `mapstructure:"minio"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	Redis      RedisConfig    `mapstructure:"redis"`
}

// Worker definition worker_service YAML structure
type Worker struct {
	Port string `mapstructure:"port"`
	IP   string `mapstructure:"ip"`

	Pipeline PipelineConfig `mapstructure:"pipeline"`

	PostgreSQL DatabaseConfig `mapstructure:"pg"`
	Mongo      DatabaseConfig `mapstructure:"mongo"`
	MinIO      MinIOConfig    `mapstructure:"minio"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
}

// PipelineConfig definition worker retry / concurrency policy
type PipelineConfig struct {
	// MaxAttempts 單一 job 的處理次數上限，超過即標記 failed
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBase 重試回退基數，實際等待為 base * 2^(attempt-1)
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// Prefetch 每個 worker 同時持有的未確認訊息數
	Prefetch int `mapstructure:"prefetch"`
	// QueueDepthInterval 佇列深度量測間隔
	QueueDepthInterval time.Duration `mapstructure:"queue_depth_interval"`
	// TempDir 轉檔暫存目錄
	TempDir string `mapstructure:"temp_dir"`
}

// MinIOConfig definition minio setting
type MinIOConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	BucketName    string `mapstructure:"bucket_name"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// RabbitMQConfig definition rabbitmq setting
type RabbitMQConfig struct {
	IP            string `mapstructure:"ip"`
	Port          string `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// KafkaConfig definition kafka setting
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	RetryInterval int      `mapstructure:"retry_interval"`
	RetryCount    int      `mapstructure:"retry_count"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	RedisDB  int    `mapstructure:"redis_db"`
	CacheTTL int    `mapstructure:"cache_ttl"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}
