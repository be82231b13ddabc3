package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func decodeEvent(t *testing.T, body []byte) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(body, &ev))
	return ev
}

func TestKafkaNotifier_PartialReady(t *testing.T) {
	pub := new(PublisherMock)
	n := NewKafkaNotifier(pub, zerolog.Nop())
	n.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	videoID, userID := uuid.New(), uuid.New()

	var body []byte
	pub.On("Publish", mock.Anything, videoID.String(), mock.Anything).
		Run(func(args mock.Arguments) { body = args.Get(2).([]byte) }).
		Return(nil).Once()

	err := n.NotifyVideoPartialReady(context.Background(), videoID, userID, "http://cdn/m.m3u8",
		[]string{"360p", "480p"}, []string{"1080p"})
	require.NoError(t, err)
	pub.AssertExpectations(t)

	ev := decodeEvent(t, body)
	assert.Equal(t, EventVideoPartialReady, ev.Type)
	assert.Equal(t, videoID, ev.VideoID)
	assert.Equal(t, userID, ev.UserID)
	assert.Equal(t, []string{"360p", "480p"}, ev.ReadyQualities)
	assert.Equal(t, []string{"1080p"}, ev.MissingQualities)
	assert.NotEqual(t, uuid.Nil, ev.EventID)
	assert.True(t, ev.OccurredAt.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)))
}

func TestKafkaNotifier_ReadyAndFailed(t *testing.T) {
	pub := new(PublisherMock)
	n := NewKafkaNotifier(pub, zerolog.Nop())
	videoID := uuid.New()

	var bodies [][]byte
	pub.On("Publish", mock.Anything, videoID.String(), mock.Anything).
		Run(func(args mock.Arguments) { bodies = append(bodies, args.Get(2).([]byte)) }).
		Return(nil).Twice()

	require.NoError(t, n.NotifyVideoReady(context.Background(), videoID, uuid.New(), "m", "thumb"))
	require.NoError(t, n.NotifyVideoFailed(context.Background(), videoID, uuid.New(), "only 1 of 2"))
	require.Len(t, bodies, 2)

	ready := decodeEvent(t, bodies[0])
	assert.Equal(t, EventVideoReady, ready.Type)
	assert.Equal(t, "thumb", ready.ThumbnailURL)

	failed := decodeEvent(t, bodies[1])
	assert.Equal(t, EventVideoFailed, failed.Type)
	assert.Equal(t, "only 1 of 2", failed.Reason)
	assert.Empty(t, failed.ManifestURL)
}

func TestKafkaNotifier_PublishError(t *testing.T) {
	pub := new(PublisherMock)
	n := NewKafkaNotifier(pub, zerolog.Nop())
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("leader not available"))

	err := n.NotifyVideoFailed(context.Background(), uuid.New(), uuid.New(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish video.failed event")
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	ctx := context.Background()
	assert.NoError(t, n.NotifyVideoReady(ctx, uuid.New(), uuid.New(), "m", "t"))
	assert.NoError(t, n.NotifyVideoPartialReady(ctx, uuid.New(), uuid.New(), "m", []string{"360p"}, []string{"720p"}))
	assert.NoError(t, n.NotifyVideoFailed(ctx, uuid.New(), uuid.New(), "r"))
}

func TestNewProducer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  ProducerConfig
		wantErr string
	}{
		{"empty brokers", ProducerConfig{Topic: "t"}, "brokers list is empty"},
		{"empty topic", ProducerConfig{Brokers: []string{"localhost:9092"}}, "topic is empty"},
		{"negative retries", ProducerConfig{Brokers: []string{"b"}, Topic: "t", MaxRetries: -1}, "max_retries cannot be negative"},
		{"negative backoff", ProducerConfig{Brokers: []string{"b"}, Topic: "t", RetryBackoff: -time.Second}, "retry_backoff cannot be negative"},
		{"negative timeout", ProducerConfig{Brokers: []string{"b"}, Topic: "t", WriteTimeout: -time.Second}, "write_timeout cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProducer(tt.config)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := ProducerConfig{}
	setDefaults(&cfg)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 100, cfg.BatchSize)

	custom := ProducerConfig{MaxRetries: 5, RetryBackoff: time.Second, WriteTimeout: time.Second, BatchSize: 7}
	setDefaults(&custom)
	assert.Equal(t, 5, custom.MaxRetries)
	assert.Equal(t, 7, custom.BatchSize)
}

func TestProducer_ClosedRejectsPublish(t *testing.T) {
	p, err := NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Logger: zerolog.Nop()})
	require.NoError(t, err)

	_ = p.Close()
	assert.True(t, p.closed.Load())

	err = p.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already closed")

	err = p.Publish(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producer is closed")
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"leader not available", kafkago.LeaderNotAvailable, true},
		{"message too large", kafkago.MessageSizeTooLarge, false},
		{"invalid message text", errors.New("invalid message format"), false},
		{"authorization text", errors.New("authorization failed"), false},
		{"unknown", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetriableError(tt.err))
		})
	}
}
