package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// api_gateway 指標
var (
	// UploadCounter total number of video uploads
	UploadCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "api_uploads_total",
		Help: "Total number of video uploads",
	})
	// UploadFailures total number of failed uploads
	UploadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "api_upload_failures_total",
		Help: "Total number of failed uploads",
	})
	// UploadDuration upload processing time
	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "api_upload_duration_seconds",
		Help: "Upload processing time",
	})
	// QueuePublishCounter total messages published to queue
	QueuePublishCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "api_queue_messages_total",
		Help: "Total messages published to queue",
	})
	// QueuePublishFailures failed queue message publishes
	QueuePublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "api_queue_publish_failures_total",
		Help: "Failed queue message publishes",
	})
)

// worker_service 指標
var (
	// JobsProcessed total number of jobs processed
	JobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_jobs_processed_total",
		Help: "Total number of jobs processed",
	})
	// JobsFailed total number of failed jobs
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_jobs_failed_total",
		Help: "Total number of failed jobs",
	})
	// JobsRetried total number of job retries re-published
	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_jobs_retried_total",
		Help: "Total number of job retries re-published",
	})
	// ProcessingTime job processing time
	ProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "worker_processing_time_seconds",
		Help: "Job processing time",
	})
	// ActiveJobs number of currently active jobs
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active_jobs",
		Help: "Number of currently active jobs",
	})
	// QueueSize number of messages in queue
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_queue_size",
		Help: "Number of messages in queue",
	})
)
