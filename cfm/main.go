// cfm/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Coding-for-Machine/video-transcoder/config"
	"github.com/Coding-for-Machine/video-transcoder/database"
	"github.com/Coding-for-Machine/video-transcoder/handlers"
	"github.com/Coding-for-Machine/video-transcoder/logging"
	"github.com/Coding-for-Machine/video-transcoder/notify"
	"github.com/Coding-for-Machine/video-transcoder/queue"
	"github.com/Coding-for-Machine/video-transcoder/repository"
	"github.com/Coding-for-Machine/video-transcoder/services"
	"github.com/Coding-for-Machine/video-transcoder/storage"
	"github.com/Coding-for-Machine/video-transcoder/transcoder"
	"github.com/Coding-for-Machine/video-transcoder/workers"
)

const (
	progressTTL         = 24 * time.Hour
	maintenanceInterval = 30 * time.Second
	shutdownTimeout     = 30 * time.Second
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	videos, variants, closeDB := openMetadataStore(ctx, cfg, log)
	defer closeDB()

	minioClient, err := database.NewMinIOClient(ctx, cfg.MinIO, log)
	if err != nil {
		log.Fatal().Err(err).Msg("minio connection failed")
	}
	objects := storage.NewMinIOStorage(minioClient, cfg.MinIO.PublicBaseURL)

	redisClient, err := database.NewRedisClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisClient.Close()
	jobs := queue.NewRedisQueue(redisClient, progressTTL, log)

	notifier, closeNotifier := newNotifier(ctx, cfg, log)
	defer closeNotifier()

	engineOpts := transcoder.Options{
		FFmpegPath:     cfg.Transcode.FFmpegPath,
		FFprobePath:    cfg.Transcode.FFprobePath,
		HWAccel:        transcoder.Accel(cfg.Transcode.HWAccel),
		VaapiDevice:    cfg.Transcode.VaapiDevice,
		SegmentSeconds: cfg.Transcode.HLSSegmentSeconds,
	}
	hw := transcoder.DetectHardware(ctx, engineOpts.FFmpegPath, engineOpts.HWAccel, engineOpts.VaapiDevice)
	log.Info().Str("accel", string(hw.Accel)).Str("encoder", hw.Encoder).Msg("hardware probe finished")

	probe := transcoder.New(engineOpts, log)
	if !probe.IsAvailable(ctx) {
		log.Warn().Msg("ffmpeg or ffprobe not found on PATH, jobs will fail until installed")
	}

	deps := services.Dependencies{
		Videos:   videos,
		Variants: variants,
		Storage:  objects,
		Notifier: notifier,
		Retries:  jobs,
		Locks:    jobs,
		Engines: func() services.Engine {
			return transcoder.New(engineOpts, log)
		},
	}
	pipelineOpts := services.PipelineOptions{
		RawBucket:          cfg.MinIO.RawBucket,
		OutputBucket:       cfg.MinIO.OutputBucket,
		ThumbnailBucket:    cfg.MinIO.ThumbnailBucket,
		DebugBucket:        cfg.MinIO.DebugBucket,
		WorkDir:            cfg.Transcode.WorkDir,
		MinQualities:       cfg.Pipeline.MinQualities,
		MaxDurationSeconds: cfg.Pipeline.MaxDurationSeconds,
		MaxFileSize:        cfg.Pipeline.MaxFileSize,
		MaxQualityRetries:  cfg.Pipeline.MaxQualityRetries,
		MaxJobAttempts:     cfg.Workers.JobMaxAttempts,
		CancelPollInterval: cfg.Pipeline.CancelPollInterval,
	}

	videoService := services.NewVideoService(videos, variants, objects, jobs, jobs, services.UploadOptions{
		RawBucket:     cfg.MinIO.RawBucket,
		PresignExpiry: cfg.MinIO.PresignExpiry,
		MaxFileSize:   cfg.Pipeline.MaxFileSize,
	}, log)
	processingService := services.NewProcessingService(deps, pipelineOpts, log)
	retryService := services.NewRetryService(deps, pipelineOpts, log)

	videoWorker := workers.NewVideoProcessingWorker(jobs, processingService, workers.Options{
		Concurrency:  cfg.Workers.Concurrency,
		MaxAttempts:  cfg.Workers.JobMaxAttempts,
		RetryBackoff: cfg.Workers.JobRetryBackoff,
	}, log)
	retryWorker := workers.NewQualityRetryWorker(jobs, retryService, workers.Options{
		Concurrency: cfg.Workers.RetryConcurrency,
	}, log)
	maintenance := workers.NewMaintenanceWorker(jobs, cfg.Transcode.WorkDir, cfg.Transcode.WorkDirTTL, maintenanceInterval, log)

	app := fiber.New(fiber.Config{
		AppName:               "video-transcoder",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	handlers.SetupRoutes(app, videoService, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}, probe, handlers.RouteConfig{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return videoWorker.Run(gctx) })
	g.Go(func() error { return retryWorker.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("http server listening")
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
		return
	}
	log.Info().Msg("service stopped")
}

// openMetadataStore connects the backend selected by METADATA_BACKEND.
func openMetadataStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (services.VideoRepository, services.VariantRepository, func()) {
	if cfg.MetadataBackend == "postgres" {
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection failed")
		}
		log.Info().Msg("metadata backend: postgres")
		return repository.NewPostgresVideoRepository(db),
			repository.NewPostgresVariantRepository(db),
			func() { db.Close() }
	}

	session, err := database.NewCassandraDB(cfg.CassandraHosts, cfg.CassandraKeyspace, log)
	if err != nil {
		log.Fatal().Err(err).Msg("cassandra connection failed")
	}
	log.Info().Msg("metadata backend: cassandra")
	return repository.NewCassandraVideoRepository(session),
		repository.NewCassandraVariantRepository(session),
		session.Close
}

// newNotifier publishes to Kafka when brokers are configured and logs
// events otherwise.
func newNotifier(ctx context.Context, cfg *config.Config, log zerolog.Logger) (services.Notifier, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn().Msg("KAFKA_BROKERS not set, notifications are only logged")
		return notify.NewLogNotifier(log), func() {}
	}

	if err := database.EnsureKafkaTopic(ctx, cfg.Kafka, log); err != nil {
		log.Warn().Err(err).Str("topic", cfg.Kafka.NotifyTopic).Msg("could not ensure kafka topic")
	}

	producer, err := notify.NewProducer(notify.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.NotifyTopic,
		Logger:  log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("kafka producer setup failed")
	}
	return notify.NewKafkaNotifier(producer, log), func() {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("kafka producer close failed")
		}
	}
}
