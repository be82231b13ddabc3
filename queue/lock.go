// queue/lock.go
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Coding-for-Machine/video-transcoder/services"
)

var _ services.VideoLocker = (*RedisQueue)(nil)

const (
	lockKeyPrefix = "transcode:lock:"

	// lockTTL bounds how long a crashed holder blocks the video.
	lockTTL          = 2 * time.Minute
	lockPollInterval = 100 * time.Millisecond
)

// unlockScript deletes the lock only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock takes the per-video lock with SET NX, polling until it is free or ctx
// ends. The returned function releases it.
func (q *RedisQueue) Lock(ctx context.Context, videoID uuid.UUID) (func(), error) {
	key := lockKey(videoID)
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := q.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, q.client, []string{key}, token).Err(); err != nil {
			q.log.Warn().Err(err).Str("video_id", videoID.String()).Msg("failed to release video lock")
		}
	}, nil
}

func lockKey(videoID uuid.UUID) string {
	return lockKeyPrefix + videoID.String()
}
