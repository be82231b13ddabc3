// services/retry_service.go
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

// RetryService re-encodes a single failed quality of a partially ready video.
type RetryService struct {
	pipeline
}

func NewRetryService(deps Dependencies, opts PipelineOptions, log zerolog.Logger) *RetryService {
	return &RetryService{
		pipeline: newPipeline(deps, opts, log.With().Str("component", "quality_retry").Logger()),
	}
}

// ProcessRetry downloads the raw file again, encodes job.QualityName and, on
// success, publishes it and promotes the video to ready once every variant is
// ready. A failed attempt schedules the next one until the retry cap is hit,
// whether the encode or the surrounding storage and bookkeeping failed; the
// latter are also returned as errors.
func (s *RetryService) ProcessRetry(ctx context.Context, job models.QualityRetryJob, progress ProgressReporter) (models.JobOutcome, error) {
	if progress == nil {
		progress = NoProgress{}
	}
	log := s.log.With().
		Str("video_id", job.VideoID.String()).
		Str("quality", job.QualityName).
		Int("retry_count", job.RetryCount).
		Logger()

	outcome := models.JobOutcome{VideoID: job.VideoID}

	q, ok := models.QualityByName(job.QualityName)
	if !ok {
		err := &models.ValidationError{Field: "quality", Reason: fmt.Sprintf("unknown quality %q", job.QualityName)}
		outcome.Kind, outcome.Reason = models.OutcomeFailed, err.Error()
		return outcome, err
	}
	if job.RetryCount > s.opts.MaxQualityRetries {
		log.Warn().Int("max_retries", s.opts.MaxQualityRetries).Msg("retry cap exceeded, dropping job")
		outcome.Kind, outcome.Reason = models.OutcomeFailed, "retry cap exceeded"
		outcome.FailedQualities = []string{q.Name}
		return outcome, nil
	}

	video, err := s.Videos.FindByID(ctx, job.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			err = &models.NotFoundError{VideoID: job.VideoID}
		}
		outcome.Kind, outcome.Reason = models.OutcomeFailed, err.Error()
		return outcome, err
	}
	switch video.Status {
	case models.StatusPartialReady:
	case models.StatusCancelled:
		log.Info().Msg("video cancelled, skipping retry")
		outcome.Kind, outcome.Reason = models.OutcomeCancelled, "video cancelled"
		return outcome, nil
	default:
		log.Info().Str("status", string(video.Status)).Msg("video is not partially ready, skipping retry")
		outcome.Kind, outcome.Reason = models.OutcomeFailed, fmt.Sprintf("video is %s", video.Status)
		return outcome, nil
	}

	workDir, err := os.MkdirTemp(s.opts.WorkDir, fmt.Sprintf("%s-%s-", job.VideoID, q.Name))
	if err != nil {
		err = fmt.Errorf("create working directory: %w", err)
		outcome.Kind, outcome.Reason = models.OutcomeFailed, err.Error()
		return outcome, err
	}
	defer s.removeWorkDir(workDir, log)

	engine := s.Engines()
	defer engine.KillAll()

	result, err := s.retry(ctx, job, q, video, engine, workDir, progress, log)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrCancelled):
			outcome.Kind, outcome.Reason = models.OutcomeCancelled, err.Error()
			return outcome, err
		case ctx.Err() != nil, errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrInvalidTransition):
			log.Error().Err(err).Msg("quality retry aborted")
			outcome.Kind, outcome.Reason = models.OutcomeFailed, err.Error()
			return outcome, err
		}
		log.Error().Err(err).Msg("quality retry aborted, consuming the attempt")
		return s.recordFailure(ctx, job, q, video, err, log), err
	}
	progress.Report(100)
	return result, nil
}

func (s *RetryService) retry(
	ctx context.Context,
	job models.QualityRetryJob,
	q models.Quality,
	video *models.Video,
	engine Engine,
	workDir string,
	progress ProgressReporter,
	log zerolog.Logger,
) (models.JobOutcome, error) {
	rawKey := job.RawFilePath
	if rawKey == "" {
		rawKey = video.RawKey
	}
	source, err := s.download(ctx, rawKey, workDir)
	if err != nil {
		return models.JobOutcome{}, err
	}
	progress.Report(10)

	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	meta, err := engine.ExtractMetadata(ctx, source)
	if err != nil {
		return models.JobOutcome{}, err
	}
	progress.Report(20)

	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	variant := &models.VideoQualityVariant{
		VideoID:       video.ID,
		QualityName:   q.Name,
		Status:        models.VariantEncoding,
		RetryPriority: q.RetryPriority,
		RetryCount:    job.RetryCount,
		UpdatedAt:     s.now(),
	}
	if err := s.Variants.Update(ctx, variant); err != nil {
		return models.JobOutcome{}, fmt.Errorf("mark variant encoding: %w", err)
	}
	progress.Report(30)

	outRoot := filepath.Join(workDir, "hls")
	tracker := newProgressTracker([]models.Quality{q}, progress)
	stopWatch := s.watchCancellation(ctx, video.ID, engine)
	dir, encErr := s.encoder.EncodeOne(ctx, engine, source, outRoot, meta.Duration, q, func(p models.EncodeProgress) {
		tracker.update(q.Name, p.Percent)
	})
	if stopWatch() {
		return models.JobOutcome{}, &models.CancellationError{VideoID: video.ID}
	}
	if err := ctx.Err(); err != nil {
		return models.JobOutcome{}, err
	}
	progress.Report(80)

	if encErr != nil {
		s.archiveFailure(ctx, video.ID, q.Name, dir, encErr)
		return s.recordFailure(ctx, job, q, video, encErr, log), nil
	}

	if err := s.checkpoint(ctx, video.ID); err != nil {
		return models.JobOutcome{}, err
	}
	if err := s.uploadVariant(ctx, video.ID, q.Name, dir); err != nil {
		return models.JobOutcome{}, err
	}
	progress.Report(85)

	completed := s.now()
	variant.Status = models.VariantReady
	variant.ErrorMessage = ""
	variant.CompletedAt = &completed
	variant.UpdatedAt = completed
	if err := s.Variants.Update(ctx, variant); err != nil {
		return models.JobOutcome{}, fmt.Errorf("mark variant ready: %w", err)
	}

	return s.promote(ctx, video, outRoot, progress, log)
}

// promote rebuilds the master manifest from every ready variant and moves
// the video to ready once nothing is missing. Retries of different qualities
// promote one at a time per video against a freshly read row.
func (s *RetryService) promote(ctx context.Context, video *models.Video, outRoot string, progress ProgressReporter, log zerolog.Logger) (models.JobOutcome, error) {
	unlock, err := s.Locks.Lock(ctx, video.ID)
	if err != nil {
		return models.JobOutcome{}, fmt.Errorf("lock video: %w", err)
	}
	defer unlock()

	current, err := s.Videos.FindByID(ctx, video.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.JobOutcome{}, &models.NotFoundError{VideoID: video.ID}
		}
		return models.JobOutcome{}, fmt.Errorf("reload video: %w", err)
	}
	switch current.Status {
	case models.StatusPartialReady:
	case models.StatusReady:
		log.Info().Msg("video already promoted by another retry")
		return models.JobOutcome{
			Kind:           models.OutcomeSucceeded,
			VideoID:        current.ID,
			ReadyQualities: current.AvailableQualities,
			ManifestURL:    current.ManifestURL,
		}, nil
	case models.StatusCancelled:
		return models.JobOutcome{}, &models.CancellationError{VideoID: current.ID}
	default:
		return models.JobOutcome{}, &models.TransitionError{From: current.Status, To: models.StatusReady}
	}
	video = current

	variants, err := s.Variants.ListByVideo(ctx, video.ID)
	if err != nil {
		return models.JobOutcome{}, fmt.Errorf("list variants: %w", err)
	}
	var ready, missing []string
	for _, v := range variants {
		if v.Status == models.VariantReady {
			ready = append(ready, v.QualityName)
		} else {
			missing = append(missing, v.QualityName)
		}
	}
	ready = models.SortByLadder(ready)
	missing = models.SortByLadder(missing)

	if err := os.MkdirAll(outRoot, 0o755); err != nil {
		return models.JobOutcome{}, fmt.Errorf("create output root: %w", err)
	}
	masterPath := filepath.Join(outRoot, MasterManifest)
	if err := WriteMasterManifest(masterPath, ready); err != nil {
		return models.JobOutcome{}, fmt.Errorf("write master manifest: %w", err)
	}
	manifestURL, err := s.uploadMaster(ctx, video.ID, masterPath)
	if err != nil {
		return models.JobOutcome{}, err
	}
	progress.Report(90)

	outcome := models.JobOutcome{
		VideoID:         video.ID,
		ReadyQualities:  ready,
		FailedQualities: missing,
		ManifestURL:     manifestURL,
	}
	video.ManifestURL = manifestURL
	video.AvailableQualities = ready

	if len(missing) == 0 {
		completed := s.now()
		video.Status = models.StatusReady
		video.ErrorMessage = ""
		video.ProcessingCompletedAt = &completed
		outcome.Kind = models.OutcomeSucceeded
	} else {
		video.ErrorMessage = "missing qualities: " + strings.Join(missing, ", ")
		outcome.Kind = models.OutcomePartialSucceeded
	}
	if err := s.saveVideo(ctx, video, models.StatusPartialReady); err != nil {
		return models.JobOutcome{}, fmt.Errorf("persist video: %w", err)
	}
	progress.Report(95)

	if outcome.Kind == models.OutcomeSucceeded {
		if err := s.Notifier.NotifyVideoReady(ctx, video.ID, video.UserID, manifestURL, video.ThumbnailURL); err != nil {
			log.Warn().Err(err).Msg("failed to send ready notification")
		}
		log.Info().Strs("qualities", ready).Msg("video promoted to ready")
	} else {
		log.Info().Strs("missing", missing).Msg("quality recovered, video still partially ready")
	}
	return outcome, nil
}

// recordFailure marks the variant failed and schedules the next attempt
// while the cap allows it.
func (s *RetryService) recordFailure(
	ctx context.Context,
	job models.QualityRetryJob,
	q models.Quality,
	video *models.Video,
	cause error,
	log zerolog.Logger,
) models.JobOutcome {
	variant := &models.VideoQualityVariant{
		VideoID:       video.ID,
		QualityName:   q.Name,
		Status:        models.VariantFailed,
		RetryPriority: q.RetryPriority,
		RetryCount:    job.RetryCount,
		ErrorMessage:  cause.Error(),
		UpdatedAt:     s.now(),
	}
	if err := s.Variants.Update(ctx, variant); err != nil {
		log.Error().Err(err).Msg("failed to mark variant failed")
	}

	outcome := models.JobOutcome{
		Kind:            models.OutcomeFailed,
		VideoID:         video.ID,
		FailedQualities: []string{q.Name},
		Reason:          cause.Error(),
	}

	if job.RetryCount >= s.opts.MaxQualityRetries {
		log.Warn().Err(cause).Msg("quality failed permanently, retry cap reached")
		return outcome
	}

	next := job
	next.RetryCount++
	next.Priority = models.RetryPriority(job.QualityName)
	if err := s.Retries.EnqueueRetry(ctx, next); err != nil {
		log.Error().Err(err).Msg("failed to enqueue next quality retry")
		return outcome
	}
	metrics.QualityRetriesEnqueued.WithLabelValues(job.QualityName).Inc()
	log.Info().Err(cause).Int("next_retry", next.RetryCount).Msg("quality retry failed, rescheduled")
	return outcome
}
