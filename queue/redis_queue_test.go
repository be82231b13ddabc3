package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

func TestRetryScore_OrdersByPriorityThenTime(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	assert.Less(t, retryScore(1, late), retryScore(2, early), "lower priority value wins regardless of age")
	assert.Less(t, retryScore(3, early), retryScore(3, late), "FIFO within a priority")
	assert.Less(t, retryScore(4, time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)), retryScore(5, early))
}

func TestRetryScore_LadderOrder(t *testing.T) {
	at := time.Now()
	prev := -1.0
	for _, q := range models.Ladder {
		s := retryScore(q.RetryPriority, at)
		assert.Greater(t, s, prev, q.Name)
		prev = s
	}
}

func TestProgressKey(t *testing.T) {
	id := uuid.MustParse("3f1c9a2e-8d7b-4c1a-9e2f-0a1b2c3d4e5f")
	assert.Equal(t, "video_job:3f1c9a2e-8d7b-4c1a-9e2f-0a1b2c3d4e5f", progressKey(id))
}

func TestLockKey(t *testing.T) {
	id := uuid.MustParse("3f1c9a2e-8d7b-4c1a-9e2f-0a1b2c3d4e5f")
	assert.Equal(t, "transcode:lock:3f1c9a2e-8d7b-4c1a-9e2f-0a1b2c3d4e5f", lockKey(id))
}

func TestDecodeProgress(t *testing.T) {
	assert.Nil(t, decodeProgress(nil))
	assert.Nil(t, decodeProgress(map[string]string{}))

	got := decodeProgress(map[string]string{
		"state":      "active",
		"percent":    "57",
		"updated_at": "1767225600000",
	})
	require.NotNil(t, got)
	assert.Equal(t, models.JobActive, got.State)
	assert.Equal(t, 57, got.Percent)
	assert.Equal(t, int64(1767225600000), got.UpdatedAt.UnixMilli())

	partial := decodeProgress(map[string]string{"state": "waiting", "percent": "x"})
	require.NotNil(t, partial)
	assert.Equal(t, models.JobWaiting, partial.State)
	assert.Zero(t, partial.Percent)
	assert.True(t, partial.UpdatedAt.IsZero())
}
