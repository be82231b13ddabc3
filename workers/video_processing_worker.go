// workers/video_processing_worker.go
package workers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Coding-for-Machine/video-transcoder/metrics"
	"github.com/Coding-for-Machine/video-transcoder/models"
	"github.com/Coding-for-Machine/video-transcoder/services"
)

type EncodeQueue interface {
	DequeueEncode(ctx context.Context, timeout time.Duration) (*models.EncodingJob, error)
	RequeueEncode(ctx context.Context, job models.EncodingJob, delay time.Duration) error
	SetProgress(ctx context.Context, videoID uuid.UUID, state models.JobState, percent int) error
	Reporter(ctx context.Context, videoID uuid.UUID) services.ProgressReporter
}

type VideoProcessor interface {
	ProcessVideo(ctx context.Context, job models.EncodingJob, progress services.ProgressReporter) (models.JobOutcome, error)
}

type Options struct {
	Concurrency  int
	MaxAttempts  int
	RetryBackoff time.Duration
	PollTimeout  time.Duration
	ErrorBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 30 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 5 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
	return o
}

// VideoProcessingWorker consumes encode jobs with a fixed number of
// goroutines. Failed jobs that may succeed on another attempt are handed
// back to the queue with exponential backoff.
type VideoProcessingWorker struct {
	queue     EncodeQueue
	processor VideoProcessor
	opts      Options
	log       zerolog.Logger
}

func NewVideoProcessingWorker(queue EncodeQueue, processor VideoProcessor, opts Options, log zerolog.Logger) *VideoProcessingWorker {
	return &VideoProcessingWorker{
		queue:     queue,
		processor: processor,
		opts:      opts.withDefaults(),
		log:       log.With().Str("component", "video_worker").Logger(),
	}
}

// Run blocks until ctx is cancelled and every consumer has finished its
// current job.
func (w *VideoProcessingWorker) Run(ctx context.Context) error {
	w.log.Info().Int("concurrency", w.opts.Concurrency).Msg("video processing worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		consumer := i
		g.Go(func() error {
			w.consume(gctx, consumer)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info().Msg("video processing worker stopped")
	return err
}

func (w *VideoProcessingWorker) consume(ctx context.Context, consumer int) {
	log := w.log.With().Int("consumer", consumer).Logger()
	for ctx.Err() == nil {
		job, err := w.queue.DequeueEncode(ctx, w.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("queue error")
			sleep(ctx, w.opts.ErrorBackoff)
			continue
		}
		if job == nil {
			continue
		}
		w.handle(ctx, *job, log)
	}
}

func (w *VideoProcessingWorker) handle(ctx context.Context, job models.EncodingJob, log zerolog.Logger) {
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	log = log.With().Str("video_id", job.VideoID.String()).Int("attempt", job.Attempt).Logger()
	log.Info().Msg("job started")

	metrics.JobsInFlight.WithLabelValues("encode").Inc()
	defer metrics.JobsInFlight.WithLabelValues("encode").Dec()
	start := time.Now()

	if err := w.queue.SetProgress(ctx, job.VideoID, models.JobActive, 0); err != nil {
		log.Debug().Err(err).Msg("progress write failed")
	}

	outcome, err := w.processor.ProcessVideo(ctx, job, w.queue.Reporter(ctx, job.VideoID))

	metrics.JobDuration.WithLabelValues("encode").Observe(time.Since(start).Seconds())
	metrics.JobsTotal.WithLabelValues("encode", outcomeLabel(outcome)).Inc()

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	state := models.JobCompleted
	if err != nil || outcome.Kind == models.OutcomeFailed {
		state = models.JobFailed
	}
	if perr := w.queue.SetProgress(bctx, job.VideoID, state, 100); perr != nil {
		log.Debug().Err(perr).Msg("progress write failed")
	}

	if err == nil {
		log.Info().
			Str("outcome", string(outcome.Kind)).
			Dur("elapsed", time.Since(start)).
			Msg("job finished")
		return
	}

	switch {
	case ctx.Err() != nil:
		// Shutdown interrupted the job. Deliver it again with the same attempt.
		if rerr := w.queue.RequeueEncode(bctx, job, 0); rerr != nil {
			log.Error().Err(rerr).Msg("failed to hand interrupted job back to the queue")
			return
		}
		log.Warn().Msg("job interrupted by shutdown, requeued")
	case models.IsRetryable(err) && job.Attempt < w.opts.MaxAttempts:
		next := job
		next.Attempt++
		delay := backoff(w.opts.RetryBackoff, job.Attempt)
		if rerr := w.queue.RequeueEncode(bctx, next, delay); rerr != nil {
			log.Error().Err(rerr).Msg("failed to requeue job")
			return
		}
		metrics.JobsRequeued.Inc()
		log.Warn().Err(err).Dur("delay", delay).Int("next_attempt", next.Attempt).Msg("job failed, requeued")
	default:
		log.Error().Err(err).Str("outcome", string(outcome.Kind)).Msg("job failed")
	}
}

// backoff doubles base for every attempt already made, capped at one hour.
func backoff(base time.Duration, attempt int) time.Duration {
	const ceiling = time.Hour
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

func outcomeLabel(o models.JobOutcome) string {
	if o.Kind == "" {
		return string(models.OutcomeFailed)
	}
	return string(o.Kind)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
