// services/processing_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/metrics"
	"github.com/Coding-for-Machine/video-transcoder/models"
)

// ProcessingService runs one encode job end to end.
type ProcessingService struct {
	pipeline
}

func NewProcessingService(deps Dependencies, opts PipelineOptions, log zerolog.Logger) *ProcessingService {
	return &ProcessingService{
		pipeline: newPipeline(deps, opts, log.With().Str("component", "processing").Logger()),
	}
}

// ProcessVideo executes download, metadata, thumbnail, encode, upload,
// finalize and cleanup for one video. A returned error means the job failed
// as a whole; per-quality failures are reported through the outcome.
func (s *ProcessingService) ProcessVideo(ctx context.Context, job models.EncodingJob, progress ProgressReporter) (models.JobOutcome, error) {
	if progress == nil {
		progress = NoProgress{}
	}
	log := s.log.With().Str("video_id", job.VideoID.String()).Int("attempt", job.Attempt).Logger()

	video, err := s.Videos.FindByID(ctx, job.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			err = &models.NotFoundError{VideoID: job.VideoID}
		}
		return failedOutcome(job, err), err
	}
	if video.Status == models.StatusCancelled {
		err := &models.CancellationError{VideoID: video.ID}
		return cancelledOutcome(job, err), err
	}
	if err := models.ValidateTransition(video.Status, models.StatusProcessing); err != nil {
		log.Warn().Err(err).Msg("video cannot be processed from its current status")
		return failedOutcome(job, err), err
	}

	previous := video.Status
	video.Status = models.StatusProcessing
	video.ErrorMessage = ""
	if err := s.saveVideo(ctx, video, previous); err != nil {
		if errors.Is(err, models.ErrCancelled) {
			return cancelledOutcome(job, err), err
		}
		err = fmt.Errorf("mark processing: %w", err)
		return failedOutcome(job, err), err
	}

	workDir, err := os.MkdirTemp(s.opts.WorkDir, job.VideoID.String()+"-")
	if err != nil {
		err = fmt.Errorf("create working directory: %w", err)
		s.markFailed(ctx, job, err, log)
		return failedOutcome(job, err), err
	}

	engine := s.Engines()
	log.Info().Str("work_dir", workDir).Msg("processing started")

	outcome, err := s.run(ctx, job, video, engine, workDir, progress, log)

	// cleanup runs on every exit path
	s.removeWorkDir(workDir, log)
	if err != nil {
		engine.KillAll()
		return s.abort(ctx, job, err, log)
	}
	progress.Report(100)

	log.Info().
		Str("outcome", string(outcome.Kind)).
		Strs("ready", outcome.ReadyQualities).
		Strs("failed", outcome.FailedQualities).
		Msg("processing finished")
	return outcome, nil
}

func (s *ProcessingService) run(
	ctx context.Context,
	job models.EncodingJob,
	video *models.Video,
	engine Engine,
	workDir string,
	progress ProgressReporter,
	log zerolog.Logger,
) (models.JobOutcome, error) {
	// 1. download
	rawKey := job.RawFilePath
	if rawKey == "" {
		rawKey = video.RawKey
	}
	source, err := s.download(ctx, rawKey, workDir)
	if err != nil {
		return models.JobOutcome{}, err
	}
	progress.Report(10)

	// 2. metadata
	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	meta, err := engine.ExtractMetadata(ctx, source)
	if err != nil {
		return models.JobOutcome{}, err
	}
	ladder, err := s.validateSource(meta)
	if err != nil {
		return models.JobOutcome{}, err
	}
	video.Duration = meta.Duration
	video.Width = meta.Width
	video.Height = meta.Height
	if err := s.saveVideo(ctx, video, models.StatusProcessing); err != nil {
		return models.JobOutcome{}, fmt.Errorf("persist metadata: %w", err)
	}
	log.Debug().
		Float64("duration", meta.Duration).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Str("codec", meta.Codec).
		Msg("metadata extracted")
	progress.Report(20)

	// 3. thumbnail
	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	thumbPath, err := engine.GenerateThumbnail(ctx, source, filepath.Join(workDir, "thumbnail.jpg"),
		models.DefaultThumbnailOffset(meta.Duration))
	if err != nil {
		return models.JobOutcome{}, err
	}
	progress.Report(30)

	// 4. encode
	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	if err := s.initVariants(ctx, video, ladder); err != nil {
		return models.JobOutcome{}, err
	}

	stopWatch := s.watchCancellation(ctx, video.ID, engine)
	result := s.encoder.EncodeAll(ctx, engine, source, filepath.Join(workDir, "hls"), meta.Duration, ladder, progress)
	if stopWatch() {
		return models.JobOutcome{}, &models.CancellationError{VideoID: video.ID}
	}
	if err := ctx.Err(); err != nil {
		return models.JobOutcome{}, err
	}
	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	if err := s.recordVariants(ctx, video, result); err != nil {
		return models.JobOutcome{}, err
	}
	for _, f := range result.Failed {
		s.archiveFailure(ctx, video.ID, f.Quality, filepath.Join(workDir, "hls", f.Quality), f.Err)
	}
	progress.Report(80)

	// 5. upload
	minimum := s.opts.MinQualities
	playable := len(result.Succeeded) >= minimum && result.MasterManifestPath != ""

	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	if err := s.uploadFile(ctx, s.opts.ThumbnailBucket, thumbnailKey(video.ID), thumbPath); err != nil {
		return models.JobOutcome{}, err
	}
	video.ThumbnailURL = s.Storage.PublicURL(s.opts.ThumbnailBucket, thumbnailKey(video.ID))
	progress.Report(85)

	var manifestURL string
	if playable {
		for _, v := range result.Succeeded {
			if err := s.checkpoint(ctx, video.ID); err != nil {
				return models.JobOutcome{}, err
			}
			if err := s.uploadVariant(ctx, video.ID, v.Quality, v.SegmentDir); err != nil {
				return models.JobOutcome{}, err
			}
		}
		if manifestURL, err = s.uploadMaster(ctx, video.ID, result.MasterManifestPath); err != nil {
			return models.JobOutcome{}, err
		}
	}
	progress.Report(90)

	// 6. finalize
	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	outcome, err := s.finalize(ctx, job, video, result, minimum, manifestURL, log)
	if err != nil {
		return models.JobOutcome{}, err
	}
	progress.Report(95)
	return outcome, nil
}

// initVariants upserts one encoding row per applicable quality.
func (s *ProcessingService) initVariants(ctx context.Context, video *models.Video, ladder []models.Quality) error {
	now := s.now()
	rows := make([]models.VideoQualityVariant, 0, len(ladder))
	for _, q := range ladder {
		rows = append(rows, models.VideoQualityVariant{
			VideoID:       video.ID,
			QualityName:   q.Name,
			Status:        models.VariantEncoding,
			RetryPriority: q.RetryPriority,
			UpdatedAt:     now,
		})
	}
	if err := s.Variants.UpsertBatch(ctx, rows); err != nil {
		return fmt.Errorf("upsert quality variants: %w", err)
	}
	return nil
}

func (s *ProcessingService) recordVariants(ctx context.Context, video *models.Video, result *models.HLSEncodingResult) error {
	now := s.now()
	for _, v := range result.Succeeded {
		completed := now
		row := &models.VideoQualityVariant{
			VideoID:       video.ID,
			QualityName:   v.Quality,
			Status:        models.VariantReady,
			RetryPriority: models.RetryPriority(v.Quality),
			CompletedAt:   &completed,
			UpdatedAt:     now,
		}
		if err := s.Variants.Update(ctx, row); err != nil {
			return fmt.Errorf("update variant %s: %w", v.Quality, err)
		}
	}
	for _, f := range result.Failed {
		row := &models.VideoQualityVariant{
			VideoID:       video.ID,
			QualityName:   f.Quality,
			Status:        models.VariantFailed,
			RetryPriority: models.RetryPriority(f.Quality),
			ErrorMessage:  f.Err.Error(),
			UpdatedAt:     now,
		}
		if err := s.Variants.Update(ctx, row); err != nil {
			return fmt.Errorf("update variant %s: %w", f.Quality, err)
		}
	}
	return nil
}

// finalize applies the terminal-status policy, persists the video, notifies
// the owner and schedules retries for missing qualities.
func (s *ProcessingService) finalize(
	ctx context.Context,
	job models.EncodingJob,
	video *models.Video,
	result *models.HLSEncodingResult,
	minimum int,
	manifestURL string,
	log zerolog.Logger,
) (models.JobOutcome, error) {
	ready := models.SortByLadder(result.SucceededNames())
	failed := models.SortByLadder(result.FailedNames())
	completed := s.now()

	outcome := models.JobOutcome{
		VideoID:         video.ID,
		ReadyQualities:  ready,
		FailedQualities: failed,
	}

	switch {
	case manifestURL != "" && len(failed) == 0:
		outcome.Kind = models.OutcomeSucceeded
		video.Status = models.StatusReady
		video.ErrorMessage = ""
	case manifestURL != "":
		outcome.Kind = models.OutcomePartialSucceeded
		video.Status = models.StatusPartialReady
		video.ErrorMessage = "missing qualities: " + strings.Join(failed, ", ")
	default:
		outcome.Kind = models.OutcomeFailed
		video.Status = models.StatusFailed
		video.ErrorMessage = fmt.Sprintf("only %d of %d required qualities encoded (failed: %s)",
			len(ready), minimum, strings.Join(failed, ", "))
		outcome.Reason = video.ErrorMessage
		ready = nil
	}

	if err := models.ValidateTransition(models.StatusProcessing, video.Status); err != nil {
		return models.JobOutcome{}, err
	}
	video.ManifestURL = manifestURL
	outcome.ManifestURL = manifestURL
	video.AvailableQualities = ready
	video.ProcessingCompletedAt = &completed
	if err := s.saveVideo(ctx, video, models.StatusProcessing); err != nil {
		return models.JobOutcome{}, fmt.Errorf("persist final status: %w", err)
	}

	switch outcome.Kind {
	case models.OutcomeSucceeded:
		if err := s.Notifier.NotifyVideoReady(ctx, video.ID, video.UserID, manifestURL, video.ThumbnailURL); err != nil {
			log.Warn().Err(err).Msg("failed to send ready notification")
		}
	case models.OutcomePartialSucceeded:
		if err := s.Notifier.NotifyVideoPartialReady(ctx, video.ID, video.UserID, manifestURL, ready, failed); err != nil {
			log.Warn().Err(err).Msg("failed to send partial-ready notification")
		}
		s.enqueueRetries(ctx, job, video, failed, log)
	case models.OutcomeFailed:
		if err := s.Notifier.NotifyVideoFailed(ctx, video.ID, video.UserID, outcome.Reason); err != nil {
			log.Warn().Err(err).Msg("failed to send failure notification")
		}
	}
	return outcome, nil
}

// enqueueRetries schedules the first retry for every missing quality.
func (s *ProcessingService) enqueueRetries(ctx context.Context, job models.EncodingJob, video *models.Video, failed []string, log zerolog.Logger) {
	if s.opts.MaxQualityRetries < 1 {
		return
	}
	rawKey := job.RawFilePath
	if rawKey == "" {
		rawKey = video.RawKey
	}
	for _, name := range failed {
		retry := models.QualityRetryJob{
			VideoID:     video.ID,
			QualityName: name,
			RawFilePath: rawKey,
			RetryCount:  1,
			Priority:    models.RetryPriority(name),
		}
		if err := s.Retries.EnqueueRetry(ctx, retry); err != nil {
			log.Error().Err(err).Str("quality", name).Msg("failed to enqueue quality retry")
			continue
		}
		metrics.QualityRetriesEnqueued.WithLabelValues(name).Inc()
		log.Info().Str("quality", name).Int("priority", retry.Priority).Msg("quality retry enqueued")
	}
}

// abort records a fatal error on the video. Cancellation leaves the status
// alone and a missing video has nothing to update.
func (s *ProcessingService) abort(ctx context.Context, job models.EncodingJob, cause error, log zerolog.Logger) (models.JobOutcome, error) {
	switch {
	case errors.Is(cause, models.ErrCancelled):
		log.Info().Msg("processing cancelled")
		return cancelledOutcome(job, cause), cause
	case errors.Is(cause, models.ErrNotFound):
		log.Warn().Err(cause).Msg("video disappeared during processing")
		return failedOutcome(job, cause), cause
	}

	log.Error().Err(cause).Msg("processing failed")
	s.markFailed(ctx, job, cause, log)

	// a shutdown mid-job is requeued by the worker, so the owner hears nothing yet
	final := !models.IsRetryable(cause) || job.Attempt >= s.opts.MaxJobAttempts
	if final && ctx.Err() == nil {
		bctx, cancel := bookkeepingContext(ctx)
		defer cancel()
		if video, err := s.Videos.FindByID(bctx, job.VideoID); err == nil {
			if err := s.Notifier.NotifyVideoFailed(bctx, video.ID, video.UserID, cause.Error()); err != nil {
				log.Warn().Err(err).Msg("failed to send failure notification")
			}
		}
	}
	return failedOutcome(job, cause), cause
}

// markFailed moves the video to failed unless it was cancelled meanwhile.
func (s *ProcessingService) markFailed(ctx context.Context, job models.EncodingJob, cause error, log zerolog.Logger) {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	video, err := s.Videos.FindByID(bctx, job.VideoID)
	if err != nil {
		log.Error().Err(err).Msg("failed to reload video for failure update")
		return
	}
	if video.Status == models.StatusCancelled {
		return
	}
	if err := models.ValidateTransition(video.Status, models.StatusFailed); err != nil {
		log.Warn().Err(err).Msg("video left in its current status")
		return
	}
	completed := s.now()
	previous := video.Status
	video.Status = models.StatusFailed
	video.ErrorMessage = cause.Error()
	video.ProcessingCompletedAt = &completed
	if err := s.saveVideo(bctx, video, previous); err != nil {
		log.Error().Err(err).Msg("failed to mark video failed")
	}
}

func failedOutcome(job models.EncodingJob, err error) models.JobOutcome {
	return models.JobOutcome{Kind: models.OutcomeFailed, VideoID: job.VideoID, Reason: err.Error()}
}

func cancelledOutcome(job models.EncodingJob, err error) models.JobOutcome {
	return models.JobOutcome{Kind: models.OutcomeCancelled, VideoID: job.VideoID, Reason: err.Error()}
}
