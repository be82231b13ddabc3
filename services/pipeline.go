// services/pipeline.go
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

// Dependencies are the collaborators shared by the encode and retry jobs.
type Dependencies struct {
	Videos   VideoRepository
	Variants VariantRepository
	Storage  ObjectStorage
	Notifier Notifier
	Retries  RetryQueue
	Engines  EngineFactory
	// Locks defaults to a process-local locker.
	Locks VideoLocker
}

type PipelineOptions struct {
	RawBucket       string
	OutputBucket    string
	ThumbnailBucket string
	DebugBucket     string

	WorkDir            string
	MinQualities       int
	MaxDurationSeconds int
	MaxFileSize        int64
	MaxQualityRetries  int
	MaxJobAttempts     int
	CancelPollInterval time.Duration
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
	if o.MinQualities < 1 {
		o.MinQualities = 1
	}
	if o.MaxDurationSeconds <= 0 {
		o.MaxDurationSeconds = models.MaxDurationSeconds
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = models.MaxFileSize
	}
	if o.MaxQualityRetries < 0 {
		o.MaxQualityRetries = 0
	}
	if o.MaxJobAttempts < 1 {
		o.MaxJobAttempts = 1
	}
	if o.CancelPollInterval <= 0 {
		o.CancelPollInterval = 5 * time.Second
	}
	return o
}

// pipeline holds the steps shared by ProcessingService and RetryService.
type pipeline struct {
	Dependencies
	opts    PipelineOptions
	encoder *QualityEncoder
	log     zerolog.Logger
	now     func() time.Time
}

func newPipeline(deps Dependencies, opts PipelineOptions, log zerolog.Logger) pipeline {
	if deps.Locks == nil {
		deps.Locks = NewLocalLocker()
	}
	return pipeline{
		Dependencies: deps,
		opts:         opts.withDefaults(),
		encoder:      NewQualityEncoder(log),
		log:          log,
		now:          time.Now,
	}
}

// checkpoint re-reads the persisted status and stops the job once the video
// has been cancelled.
func (p *pipeline) checkpoint(ctx context.Context, videoID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	video, err := p.Videos.FindByID(ctx, videoID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.NotFoundError{VideoID: videoID}
		}
		return fmt.Errorf("cancellation check: %w", err)
	}
	if video.Status == models.StatusCancelled {
		return &models.CancellationError{VideoID: videoID}
	}
	return nil
}

// saveVideo writes video only while its stored status is still expected.
// A lost race against a cancel surfaces as a CancellationError, any other
// concurrent status change as a TransitionError.
func (p *pipeline) saveVideo(ctx context.Context, video *models.Video, expected models.VideoStatus) error {
	applied, err := p.Videos.UpdateIfStatus(ctx, video, expected)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.NotFoundError{VideoID: video.ID}
		}
		return fmt.Errorf("update video: %w", err)
	}
	if applied {
		return nil
	}
	current, err := p.Videos.FindByID(ctx, video.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.NotFoundError{VideoID: video.ID}
		}
		return fmt.Errorf("reload video: %w", err)
	}
	if current.Status == models.StatusCancelled {
		return &models.CancellationError{VideoID: video.ID}
	}
	return &models.TransitionError{From: current.Status, To: video.Status}
}

// watchCancellation polls the video status while a long step runs and kills
// the engine's subprocesses when the video is cancelled. The returned stop
// function reports whether a cancellation was observed.
func (p *pipeline) watchCancellation(ctx context.Context, videoID uuid.UUID, engine Engine) func() bool {
	done := make(chan struct{})
	var cancelled atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.opts.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				video, err := p.Videos.FindByID(ctx, videoID)
				if err != nil {
					p.log.Debug().Err(err).Str("video_id", videoID.String()).Msg("status poll failed")
					continue
				}
				if video.Status == models.StatusCancelled {
					cancelled.Store(true)
					engine.KillAll()
					return
				}
			}
		}
	}()

	return func() bool {
		close(done)
		wg.Wait()
		return cancelled.Load()
	}
}

// download copies the raw object into workDir and returns the local path.
func (p *pipeline) download(ctx context.Context, key, workDir string) (string, error) {
	ext := filepath.Ext(key)
	if ext == "" {
		ext = ".mp4"
	}
	dst := filepath.Join(workDir, "source"+ext)

	obj, err := p.Storage.GetObject(ctx, p.opts.RawBucket, key)
	if err != nil {
		return "", &models.StorageError{Op: "get", Bucket: p.opts.RawBucket, Key: key, Err: err}
	}
	defer obj.Close()

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create source file: %w", err)
	}
	if _, err := io.Copy(f, obj); err != nil {
		f.Close()
		return "", &models.StorageError{Op: "get", Bucket: p.opts.RawBucket, Key: key, Err: err}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close source file: %w", err)
	}
	return dst, nil
}

// validateSource enforces the size and duration limits and returns the
// ladder for the source height.
func (p *pipeline) validateSource(meta *models.VideoMetadata) ([]models.Quality, error) {
	if meta.Duration > float64(p.opts.MaxDurationSeconds) {
		return nil, &models.ValidationError{
			Field:  "duration",
			Reason: fmt.Sprintf("%.0fs exceeds the %ds limit", meta.Duration, p.opts.MaxDurationSeconds),
		}
	}
	if meta.FileSize > p.opts.MaxFileSize {
		return nil, &models.ValidationError{
			Field:  "file_size",
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", meta.FileSize, p.opts.MaxFileSize),
		}
	}
	ladder := models.LadderFor(meta.Height)
	if len(ladder) == 0 {
		return nil, &models.ValidationError{
			Field:  "height",
			Reason: fmt.Sprintf("source height %d is below the lowest rung (%dp)", meta.Height, models.Ladder[0].Height),
		}
	}
	return ladder, nil
}

func (p *pipeline) uploadFile(ctx context.Context, bucket, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &models.StorageError{Op: "put", Bucket: bucket, Key: key, Err: err}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return &models.StorageError{Op: "put", Bucket: bucket, Key: key, Err: err}
	}
	if err := p.Storage.PutObject(ctx, bucket, key, f, fi.Size(), contentTypeFor(localPath)); err != nil {
		return &models.StorageError{Op: "put", Bucket: bucket, Key: key, Err: err}
	}
	return nil
}

// uploadDir puts every regular file of dir under prefix. Files are uploaded
// in name order.
func (p *pipeline) uploadDir(ctx context.Context, bucket, prefix, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, &models.StorageError{Op: "put", Bucket: bucket, Key: prefix, Err: err}
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key := path.Join(prefix, e.Name())
		if err := p.uploadFile(ctx, bucket, key, filepath.Join(dir, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// uploadVariant uploads one variant's playlist and segments.
func (p *pipeline) uploadVariant(ctx context.Context, videoID uuid.UUID, quality, dir string) error {
	_, err := p.uploadDir(ctx, p.opts.OutputBucket, path.Join(videoID.String(), quality), dir)
	return err
}

// uploadMaster uploads the master manifest and returns its public URL.
func (p *pipeline) uploadMaster(ctx context.Context, videoID uuid.UUID, localPath string) (string, error) {
	key := masterKey(videoID)
	if err := p.uploadFile(ctx, p.opts.OutputBucket, key, localPath); err != nil {
		return "", err
	}
	return p.Storage.PublicURL(p.opts.OutputBucket, key), nil
}

// archiveFailure copies whatever a failed encode left behind to the debug
// bucket together with the error text. Failures are logged and swallowed.
func (p *pipeline) archiveFailure(ctx context.Context, videoID uuid.UUID, quality, dir string, cause error) {
	if p.opts.DebugBucket == "" {
		return
	}
	log := p.log.With().Str("video_id", videoID.String()).Str("quality", quality).Logger()
	prefix := path.Join(videoID.String(), quality, p.now().UTC().Format("20060102T150405Z"))

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	errKey := path.Join(prefix, "error.txt")
	if err := p.Storage.PutObject(ctx, p.opts.DebugBucket, errKey, strings.NewReader(msg), int64(len(msg)), "text/plain"); err != nil {
		log.Warn().Err(err).Msg("failed to archive encode error")
		return
	}

	if _, err := os.Stat(dir); err != nil {
		return
	}
	n, err := p.uploadDir(ctx, p.opts.DebugBucket, prefix, dir)
	if err != nil {
		log.Warn().Err(err).Msg("failed to archive partial artifacts")
		return
	}
	log.Info().Int("files", n).Str("bucket", p.opts.DebugBucket).Msg("archived failed variant")
}

// removeWorkDir deletes a job's working directory. Failure is not fatal.
func (p *pipeline) removeWorkDir(workDir string, log zerolog.Logger) {
	if err := os.RemoveAll(workDir); err != nil {
		log.Warn().Err(err).Str("work_dir", workDir).Msg("failed to remove working directory")
	}
}

func masterKey(videoID uuid.UUID) string {
	return path.Join(videoID.String(), MasterManifest)
}

func thumbnailKey(videoID uuid.UUID) string {
	return path.Join(videoID.String(), "thumbnail.jpg")
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// bookkeepingContext keeps status writes alive after the job context is
// cancelled.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}
