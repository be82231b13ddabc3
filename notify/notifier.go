// notify/notifier.go
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/metrics"
)

const (
	EventVideoReady        = "video.ready"
	EventVideoPartialReady = "video.partial_ready"
	EventVideoFailed       = "video.failed"
)

// Event is the JSON body published for every finished job.
type Event struct {
	EventID          uuid.UUID `json:"event_id"`
	Type             string    `json:"type"`
	VideoID          uuid.UUID `json:"video_id"`
	UserID           uuid.UUID `json:"user_id"`
	ManifestURL      string    `json:"manifest_url,omitempty"`
	ThumbnailURL     string    `json:"thumbnail_url,omitempty"`
	ReadyQualities   []string  `json:"ready_qualities,omitempty"`
	MissingQualities []string  `json:"missing_qualities,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// KafkaNotifier publishes events keyed by video ID so that all events of
// one video land on the same partition.
type KafkaNotifier struct {
	publisher Publisher
	log       zerolog.Logger
	now       func() time.Time
}

func NewKafkaNotifier(publisher Publisher, log zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		publisher: publisher,
		log:       log.With().Str("component", "notifier").Logger(),
		now:       time.Now,
	}
}

func (n *KafkaNotifier) NotifyVideoReady(ctx context.Context, videoID, userID uuid.UUID, manifestURL, thumbnailURL string) error {
	return n.publish(ctx, Event{
		Type:         EventVideoReady,
		VideoID:      videoID,
		UserID:       userID,
		ManifestURL:  manifestURL,
		ThumbnailURL: thumbnailURL,
	})
}

func (n *KafkaNotifier) NotifyVideoPartialReady(ctx context.Context, videoID, userID uuid.UUID, manifestURL string, ready, missing []string) error {
	return n.publish(ctx, Event{
		Type:             EventVideoPartialReady,
		VideoID:          videoID,
		UserID:           userID,
		ManifestURL:      manifestURL,
		ReadyQualities:   ready,
		MissingQualities: missing,
	})
}

func (n *KafkaNotifier) NotifyVideoFailed(ctx context.Context, videoID, userID uuid.UUID, reason string) error {
	return n.publish(ctx, Event{
		Type:    EventVideoFailed,
		VideoID: videoID,
		UserID:  userID,
		Reason:  reason,
	})
}

func (n *KafkaNotifier) publish(ctx context.Context, ev Event) error {
	ev.EventID = uuid.New()
	ev.OccurredAt = n.now().UTC()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if err := n.publisher.Publish(ctx, ev.VideoID.String(), body); err != nil {
		metrics.NotificationsTotal.WithLabelValues(ev.Type, "error").Inc()
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	metrics.NotificationsTotal.WithLabelValues(ev.Type, "ok").Inc()
	n.log.Debug().
		Str("event", ev.Type).
		Str("video_id", ev.VideoID.String()).
		Msg("notification published")
	return nil
}

// LogNotifier only logs. It is used when no Kafka brokers are configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) NotifyVideoReady(_ context.Context, videoID, userID uuid.UUID, manifestURL, _ string) error {
	n.log.Info().
		Str("event", EventVideoReady).
		Str("video_id", videoID.String()).
		Str("user_id", userID.String()).
		Str("manifest_url", manifestURL).
		Msg("video ready")
	return nil
}

func (n *LogNotifier) NotifyVideoPartialReady(_ context.Context, videoID, userID uuid.UUID, manifestURL string, ready, missing []string) error {
	n.log.Info().
		Str("event", EventVideoPartialReady).
		Str("video_id", videoID.String()).
		Str("user_id", userID.String()).
		Str("manifest_url", manifestURL).
		Strs("ready", ready).
		Strs("missing", missing).
		Msg("video partially ready")
	return nil
}

func (n *LogNotifier) NotifyVideoFailed(_ context.Context, videoID, userID uuid.UUID, reason string) error {
	n.log.Warn().
		Str("event", EventVideoFailed).
		Str("video_id", videoID.String()).
		Str("user_id", userID.String()).
		Str("reason", reason).
		Msg("video failed")
	return nil
}
