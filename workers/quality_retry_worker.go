// workers/quality_retry_worker.go
package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Coding-for-Machine/video-transcoder/metrics"
	"github.com/Coding-for-Machine/video-transcoder/models"
	"github.com/Coding-for-Machine/video-transcoder/services"
)

type RetryJobQueue interface {
	DequeueRetry(ctx context.Context, timeout time.Duration) (*models.QualityRetryJob, error)
	EnqueueRetry(ctx context.Context, job models.QualityRetryJob) error
}

type RetryProcessor interface {
	ProcessRetry(ctx context.Context, job models.QualityRetryJob, progress services.ProgressReporter) (models.JobOutcome, error)
}

// QualityRetryWorker consumes quality retries in priority order. The retry
// service schedules follow-up attempts itself, so failures are only logged.
type QualityRetryWorker struct {
	queue     RetryJobQueue
	processor RetryProcessor
	opts      Options
	log       zerolog.Logger
}

func NewQualityRetryWorker(queue RetryJobQueue, processor RetryProcessor, opts Options, log zerolog.Logger) *QualityRetryWorker {
	return &QualityRetryWorker{
		queue:     queue,
		processor: processor,
		opts:      opts.withDefaults(),
		log:       log.With().Str("component", "retry_worker").Logger(),
	}
}

func (w *QualityRetryWorker) Run(ctx context.Context) error {
	w.log.Info().Int("concurrency", w.opts.Concurrency).Msg("quality retry worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		consumer := i
		g.Go(func() error {
			w.consume(gctx, consumer)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info().Msg("quality retry worker stopped")
	return err
}

func (w *QualityRetryWorker) consume(ctx context.Context, consumer int) {
	log := w.log.With().Int("consumer", consumer).Logger()
	for ctx.Err() == nil {
		job, err := w.queue.DequeueRetry(ctx, w.opts.PollTimeout)
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

func (w *QualityRetryWorker) handle(ctx context.Context, job models.QualityRetryJob, log zerolog.Logger) {
	log = log.With().
		Str("video_id", job.VideoID.String()).
		Str("quality", job.QualityName).
		Int("retry_count", job.RetryCount).
		Logger()
	log.Info().Int("priority", job.Priority).Msg("retry started")

	metrics.JobsInFlight.WithLabelValues("retry").Inc()
	defer metrics.JobsInFlight.WithLabelValues("retry").Dec()
	start := time.Now()

	outcome, err := w.processor.ProcessRetry(ctx, job, services.NoProgress{})

	metrics.JobDuration.WithLabelValues("retry").Observe(time.Since(start).Seconds())
	metrics.JobsTotal.WithLabelValues("retry", outcomeLabel(outcome)).Inc()

	if err == nil {
		log.Info().Str("outcome", string(outcome.Kind)).Dur("elapsed", time.Since(start)).Msg("retry finished")
		return
	}
	if ctx.Err() != nil {
		// Put the attempt back untouched so a restarted worker picks it up.
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := w.queue.EnqueueRetry(bctx, job); rerr != nil {
			log.Error().Err(rerr).Msg("failed to hand interrupted retry back to the queue")
			return
		}
		log.Warn().Msg("retry interrupted by shutdown, requeued")
		return
	}
	// the service already scheduled the next attempt when one remains
	log.Error().Err(err).Str("outcome", string(outcome.Kind)).Msg("retry failed")
}
