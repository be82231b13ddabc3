// notify/producer.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	MaxRetries   int
	RetryBackoff time.Duration
	WriteTimeout time.Duration
	BatchSize    int
	Async        bool
	Logger       zerolog.Logger
}

// Producer writes keyed messages to one Kafka topic and retries transient
// broker errors with a linear backoff.
type Producer struct {
	writer *kafkago.Writer
	config ProducerConfig
	closed atomic.Bool
	log    zerolog.Logger
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	return &Producer{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  1,
			WriteTimeout: cfg.WriteTimeout,
			BatchSize:    cfg.BatchSize,
			Async:        cfg.Async,
		},
		config: cfg,
		log:    cfg.Logger.With().Str("component", "kafka_producer").Str("topic", cfg.Topic).Logger(),
	}, nil
}

func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	if p.closed.Load() {
		return errors.New("kafka publish: producer is closed")
	}
	msg := kafkago.Message{Key: []byte(key), Value: value}

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.config.RetryBackoff * time.Duration(attempt)
			p.log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying publish")
			select {
			case <-ctx.Done():
				return fmt.Errorf("kafka publish: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
		if err = p.writer.WriteMessages(ctx, msg); err == nil {
			return nil
		}
		if !isRetriableError(err) {
			break
		}
	}
	return fmt.Errorf("kafka publish: %w", err)
}

func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return errors.New("kafka producer already closed")
	}
	return p.writer.Close()
}

func validateConfig(cfg *ProducerConfig) error {
	switch {
	case len(cfg.Brokers) == 0:
		return errors.New("kafka producer: brokers list is empty")
	case cfg.Topic == "":
		return errors.New("kafka producer: topic is empty")
	case cfg.MaxRetries < 0:
		return errors.New("kafka producer: max_retries cannot be negative")
	case cfg.RetryBackoff < 0:
		return errors.New("kafka producer: retry_backoff cannot be negative")
	case cfg.WriteTimeout < 0:
		return errors.New("kafka producer: write_timeout cannot be negative")
	}
	return nil
}

func setDefaults(cfg *ProducerConfig) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
}

// isRetriableError treats unknown errors as transient. Cancellation and
// errors about the message itself are not.
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var kerr kafkago.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	msg := strings.ToLower(err.Error())
	for _, permanent := range []string{"invalid message", "message too large", "authorization failed"} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}
