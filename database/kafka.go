// database/kafka.go
package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/Coding-for-Machine/video-transcoder/config"
)

// EnsureKafkaTopic creates the notification topic through the cluster
// controller. Brokers with auto-create enabled make this a no-op.
func EnsureKafkaTopic(ctx context.Context, cfg config.KafkaConfig, log zerolog.Logger) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}

	dialer := &kafkago.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", cfg.Brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrl, err := dialer.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("kafka dial controller %s: %w", ctrlAddr, err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             cfg.NotifyTopic,
		NumPartitions:     3,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topic %s: %w", cfg.NotifyTopic, err)
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.NotifyTopic).Msg("kafka topic ready")
	return nil
}
