// queue/redis_queue.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/models"
	"github.com/Coding-for-Machine/video-transcoder/services"
)

const (
	EncodeQueueKey = "transcode:encode"
	RetryQueueKey  = "transcode:quality_retry"
	DelayedKey     = "transcode:delayed"

	progressKeyPrefix = "video_job:"

	// priorityStride separates retry priorities in the sorted set. Unix
	// milliseconds stay below it until the year 2286.
	priorityStride = 1e13
)

// RedisQueue carries encode jobs on a list, quality retries on a sorted set
// ordered by (priority, enqueue time), delayed re-deliveries on a second
// sorted set and live progress in one hash per video.
type RedisQueue struct {
	client      *redis.Client
	progressTTL time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

func NewRedisQueue(client *redis.Client, progressTTL time.Duration, log zerolog.Logger) *RedisQueue {
	if progressTTL <= 0 {
		progressTTL = 24 * time.Hour
	}
	return &RedisQueue{
		client:      client,
		progressTTL: progressTTL,
		log:         log.With().Str("component", "redis_queue").Logger(),
		now:         time.Now,
	}
}

// delayedJob is the member stored in the delayed set.
type delayedJob struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const delayedEncode = "encode"

func (q *RedisQueue) EnqueueEncode(ctx context.Context, job models.EncodingJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal encode job: %w", err)
	}
	if err := q.client.RPush(ctx, EncodeQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue encode job: %w", err)
	}
	if err := q.SetProgress(ctx, job.VideoID, models.JobWaiting, 0); err != nil {
		q.log.Warn().Err(err).Str("video_id", job.VideoID.String()).Msg("failed to record waiting state")
	}
	return nil
}

// DequeueEncode blocks for up to timeout. It returns nil, nil when nothing
// arrived in time.
func (q *RedisQueue) DequeueEncode(ctx context.Context, timeout time.Duration) (*models.EncodingJob, error) {
	result, err := q.client.BLPop(ctx, timeout, EncodeQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue encode job: %w", err)
	}
	var job models.EncodingJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("decode encode job: %w", err)
	}
	return &job, nil
}

// RequeueEncode schedules another delivery of job after delay.
func (q *RedisQueue) RequeueEncode(ctx context.Context, job models.EncodingJob, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal encode job: %w", err)
	}
	member, err := json.Marshal(delayedJob{Kind: delayedEncode, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal delayed job: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, DelayedKey, redis.Z{Score: float64(due), Member: member}).Err(); err != nil {
		return fmt.Errorf("schedule encode job: %w", err)
	}
	if err := q.SetProgress(ctx, job.VideoID, models.JobWaiting, 0); err != nil {
		q.log.Warn().Err(err).Str("video_id", job.VideoID.String()).Msg("failed to record waiting state")
	}
	return nil
}

// PromoteDue moves every delayed job whose time has come onto its queue.
// ZRem decides ownership, so concurrent promoters never push a job twice.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, DelayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, DelayedKey, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim due job: %w", err)
		}
		if removed == 0 {
			continue
		}
		var d delayedJob
		if err := json.Unmarshal([]byte(member), &d); err != nil {
			q.log.Error().Err(err).Msg("dropping malformed delayed job")
			continue
		}
		switch d.Kind {
		case delayedEncode:
			if err := q.client.RPush(ctx, EncodeQueueKey, []byte(d.Payload)).Err(); err != nil {
				return promoted, fmt.Errorf("promote encode job: %w", err)
			}
		default:
			q.log.Error().Str("kind", d.Kind).Msg("dropping delayed job of unknown kind")
			continue
		}
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) EnqueueRetry(ctx context.Context, job models.QualityRetryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}
	z := redis.Z{Score: retryScore(job.Priority, q.now()), Member: payload}
	if err := q.client.ZAdd(ctx, RetryQueueKey, z).Err(); err != nil {
		return fmt.Errorf("enqueue retry job: %w", err)
	}
	return nil
}

// DequeueRetry pops the lowest-priority-value retry, blocking for up to
// timeout. It returns nil, nil when nothing arrived in time.
func (q *RedisQueue) DequeueRetry(ctx context.Context, timeout time.Duration) (*models.QualityRetryJob, error) {
	result, err := q.client.BZPopMin(ctx, timeout, RetryQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue retry job: %w", err)
	}
	raw, ok := result.Member.(string)
	if !ok {
		return nil, fmt.Errorf("dequeue retry job: unexpected member type %T", result.Member)
	}
	var job models.QualityRetryJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode retry job: %w", err)
	}
	return &job, nil
}

// Depths reports the number of jobs waiting on each queue.
func (q *RedisQueue) Depths(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	encode := pipe.LLen(ctx, EncodeQueueKey)
	retry := pipe.ZCard(ctx, RetryQueueKey)
	delayed := pipe.ZCard(ctx, DelayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	return map[string]int64{
		"encode":  encode.Val(),
		"retry":   retry.Val(),
		"delayed": delayed.Val(),
	}, nil
}

func (q *RedisQueue) SetProgress(ctx context.Context, videoID uuid.UUID, state models.JobState, percent int) error {
	key := progressKey(videoID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(state),
		"percent", percent,
		"updated_at", q.now().UnixMilli(),
	)
	pipe.Expire(ctx, key, q.progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

func (q *RedisQueue) GetProgress(ctx context.Context, videoID uuid.UUID) (*models.LiveProgress, error) {
	fields, err := q.client.HGetAll(ctx, progressKey(videoID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return decodeProgress(fields), nil
}

// Reporter returns a ProgressReporter that writes the active state of one
// job. Repeated percentages are not written again.
func (q *RedisQueue) Reporter(ctx context.Context, videoID uuid.UUID) services.ProgressReporter {
	return &ProgressWriter{queue: q, ctx: ctx, videoID: videoID, last: -1}
}

type ProgressWriter struct {
	queue   *RedisQueue
	ctx     context.Context
	videoID uuid.UUID

	mu   sync.Mutex
	last int
}

func (w *ProgressWriter) Report(percent int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if percent == w.last {
		return
	}
	w.last = percent
	if err := w.queue.SetProgress(w.ctx, w.videoID, models.JobActive, percent); err != nil {
		w.queue.log.Debug().Err(err).Str("video_id", w.videoID.String()).Msg("progress write failed")
	}
}

func progressKey(videoID uuid.UUID) string {
	return progressKeyPrefix + videoID.String()
}

func retryScore(priority int, at time.Time) float64 {
	return float64(priority)*priorityStride + float64(at.UnixMilli())
}

func decodeProgress(fields map[string]string) *models.LiveProgress {
	if len(fields) == 0 {
		return nil
	}
	p := &models.LiveProgress{State: models.JobState(fields["state"])}
	if n, err := strconv.Atoi(fields["percent"]); err == nil {
		p.Percent = n
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		p.UpdatedAt = time.UnixMilli(ms)
	}
	return p
}
