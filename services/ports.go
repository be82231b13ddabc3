// services/ports.go
package services

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/Coding-for-Machine/video-transcoder/models"
	"github.com/Coding-for-Machine/video-transcoder/transcoder"
)

// VideoRepository writes are compare-and-set on the stored status:
// UpdateIfStatus reports false without writing when the row is no longer in
// expected, and returns models.ErrNotFound when the row is gone.
type VideoRepository interface {
	Create(ctx context.Context, video *models.Video) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
	UpdateIfStatus(ctx context.Context, video *models.Video, expected models.VideoStatus) (bool, error)
}

// VariantRepository writes are keyed by (video_id, quality_name).
type VariantRepository interface {
	UpsertBatch(ctx context.Context, variants []models.VideoQualityVariant) error
	Update(ctx context.Context, variant *models.VideoQualityVariant) error
	ListByVideo(ctx context.Context, videoID uuid.UUID) ([]models.VideoQualityVariant, error)
}

type ObjectStorage interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	StatObject(ctx context.Context, bucket, key string) (int64, error)
	PresignedPutURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	PublicURL(bucket, key string) string
}

type Notifier interface {
	NotifyVideoReady(ctx context.Context, videoID, userID uuid.UUID, manifestURL, thumbnailURL string) error
	NotifyVideoPartialReady(ctx context.Context, videoID, userID uuid.UUID, manifestURL string, ready, missing []string) error
	NotifyVideoFailed(ctx context.Context, videoID, userID uuid.UUID, reason string) error
}

// ProgressReporter receives 0-100 job progress.
type ProgressReporter interface {
	Report(percent int)
}

// VideoLocker serializes work that derives the video row from its variant
// rows. The returned function releases the lock.
type VideoLocker interface {
	Lock(ctx context.Context, videoID uuid.UUID) (func(), error)
}

type RetryQueue interface {
	EnqueueRetry(ctx context.Context, job models.QualityRetryJob) error
}

type JobQueue interface {
	EnqueueEncode(ctx context.Context, job models.EncodingJob) error
}

// ProgressReader returns nil when the queue knows nothing about the video.
type ProgressReader interface {
	GetProgress(ctx context.Context, videoID uuid.UUID) (*models.LiveProgress, error)
}

// Engine is the per-job transcoding engine. *transcoder.Adapter satisfies it.
type Engine interface {
	ExtractMetadata(ctx context.Context, path string) (*models.VideoMetadata, error)
	GenerateThumbnail(ctx context.Context, path, outPath string, atSeconds float64) (string, error)
	EncodeQuality(ctx context.Context, req transcoder.EncodeRequest, onProgress func(models.EncodeProgress)) error
	KillAll()
}

// EngineFactory builds a fresh engine for every job so that KillAll only
// affects that job's subprocesses.
type EngineFactory func() Engine

// NoProgress discards progress updates.
type NoProgress struct{}

func (NoProgress) Report(int) {}
