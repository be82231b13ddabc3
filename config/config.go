// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              string
	MetadataBackend   string
	CassandraHosts    []string
	CassandraKeyspace string
	DatabaseURL       string
	MinIO             MinIOConfig
	Redis             RedisConfig
	Kafka             KafkaConfig
	Transcode         TranscodeConfig
	Pipeline          PipelineConfig
	Workers           WorkerConfig
	LogLevel          string
	LogPretty         bool
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	RawBucket       string
	OutputBucket    string
	ThumbnailBucket string
	DebugBucket     string
	PublicBaseURL   string
	PresignExpiry   time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers     []string
	NotifyTopic string
}

type TranscodeConfig struct {
	FFmpegPath        string
	FFprobePath       string
	HWAccel           string
	VaapiDevice       string
	HLSSegmentSeconds int
	WorkDir           string
	WorkDirTTL        time.Duration
}

type PipelineConfig struct {
	MinQualities       int
	MaxDurationSeconds int
	MaxFileSize        int64
	MaxQualityRetries  int
	CancelPollInterval time.Duration
}

type WorkerConfig struct {
	Concurrency      int
	RetryConcurrency int
	JobMaxAttempts   int
	JobRetryBackoff  time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "3000"),
		MetadataBackend:   getEnv("METADATA_BACKEND", "cassandra"),
		CassandraHosts:    getEnvList("CASSANDRA_HOSTS", []string{getEnv("CASSANDRA_HOST", "127.0.0.1:9042")}),
		CassandraKeyspace: getEnv("CASSANDRA_KEYSPACE", "video_transcoder"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		MinIO: MinIOConfig{
			Endpoint:        getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:          getEnvBool("MINIO_USE_SSL", false),
			RawBucket:       getEnv("MINIO_RAW_BUCKET", "videos-raw"),
			OutputBucket:    getEnv("MINIO_OUTPUT_BUCKET", "videos-processed"),
			ThumbnailBucket: getEnv("MINIO_THUMBNAIL_BUCKET", "thumbnails"),
			DebugBucket:     getEnv("MINIO_DEBUG_BUCKET", "videos-debug"),
			PublicBaseURL:   getEnv("MINIO_PUBLIC_URL", "http://localhost:9000"),
			PresignExpiry:   getEnvDuration("MINIO_PRESIGN_EXPIRY", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:     getEnvList("KAFKA_BROKERS", nil),
			NotifyTopic: getEnv("KAFKA_NOTIFY_TOPIC", "video-notifications"),
		},
		Transcode: TranscodeConfig{
			FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
			HWAccel:           getEnv("HW_ACCEL", "auto"),
			VaapiDevice:       getEnv("VAAPI_DEVICE", "/dev/dri/renderD128"),
			HLSSegmentSeconds: getEnvInt("HLS_SEGMENT_SECONDS", 6),
			WorkDir:           getEnv("WORK_DIR", os.TempDir()),
			WorkDirTTL:        getEnvDuration("WORKDIR_TTL", 6*time.Hour),
		},
		Pipeline: PipelineConfig{
			MinQualities:       getEnvInt("MIN_QUALITIES", 2),
			MaxDurationSeconds: getEnvInt("MAX_DURATION_SECONDS", 1800),
			MaxFileSize:        getEnvInt64("MAX_FILE_SIZE", 2*1024*1024*1024),
			MaxQualityRetries:  getEnvInt("MAX_QUALITY_RETRIES", 3),
			CancelPollInterval: getEnvDuration("CANCEL_POLL_INTERVAL", 5*time.Second),
		},
		Workers: WorkerConfig{
			Concurrency:      getEnvInt("WORKER_CONCURRENCY", 2),
			RetryConcurrency: getEnvInt("RETRY_CONCURRENCY", 1),
			JobMaxAttempts:   getEnvInt("JOB_MAX_ATTEMPTS", 3),
			JobRetryBackoff:  getEnvDuration("JOB_RETRY_BACKOFF", 30*time.Second),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.MetadataBackend {
	case "cassandra":
		if len(c.CassandraHosts) == 0 {
			return fmt.Errorf("CASSANDRA_HOSTS is empty")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is empty")
		}
	default:
		return fmt.Errorf("unknown METADATA_BACKEND %q", c.MetadataBackend)
	}
	if c.Pipeline.MinQualities < 1 {
		return fmt.Errorf("MIN_QUALITIES must be at least 1, got %d", c.Pipeline.MinQualities)
	}
	if c.Pipeline.MaxQualityRetries < 0 {
		return fmt.Errorf("MAX_QUALITY_RETRIES must not be negative")
	}
	if c.Workers.Concurrency < 1 || c.Workers.RetryConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	if c.Transcode.HLSSegmentSeconds < 1 {
		return fmt.Errorf("HLS_SEGMENT_SECONDS must be positive")
	}
	if c.Pipeline.CancelPollInterval <= 0 {
		return fmt.Errorf("CANCEL_POLL_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
