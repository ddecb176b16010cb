// Package events fans call events out to in-process subscribers and mirrors
// them to Kafka so other replicas can relay them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/observability/metrics"
)

// Header keys set on every mirrored message.
const (
	HeaderEventType = "eventType"
	HeaderPrincipal = "principal"
	HeaderOrigin    = "origin"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers   []string
	Topic     string
	Principal string
	// Origin identifies this process. Relays skip messages carrying their
	// own origin.
	Origin  string
	Enabled bool
}

// Publisher mirrors call events to a Kafka topic. Without brokers it only
// logs what it would have written.
type Publisher struct {
	cfg     Config
	writer  *kafka.Writer
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a call event publisher. A nil config, a disabled one or one
// without brokers yields a log-only publisher.
func New(cfg *Config) *Publisher {
	p := &Publisher{metrics: metrics.DefaultMetrics, logger: logging.WithComponent("kafka")}
	if cfg != nil {
		p.cfg = *cfg
	}
	if !p.cfg.Enabled || len(p.cfg.Brokers) == 0 {
		p.logger.Info().Str("topic", p.cfg.Topic).Msg("Kafka disabled, call events are log-only")
		return p
	}

	p.writer = newWriter(p.cfg)
	p.logger.Info().
		Strs("brokers", p.cfg.Brokers).
		Str("topic", p.cfg.Topic).
		Str("principal", p.cfg.Principal).
		Str("origin", p.cfg.Origin).
		Msg("Kafka publisher initialized")
	return p
}

// newWriter keys messages by call id through a hash balancer, so every
// update to one call lands on one partition in order.
func newWriter(cfg Config) *kafka.Writer {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.writer != nil }

// PublishCall writes ev keyed by its call id.
func (p *Publisher) PublishCall(ctx context.Context, ev models.CallEvent) error {
	start := time.Now()
	msg, err := p.message(ev)
	if err != nil {
		return err
	}

	p.logger.Debug().
		Str("topic", p.cfg.Topic).
		Str("key", string(msg.Key)).
		RawJSON("payload", msg.Value).
		Msg("Publishing call event")

	if p.writer != nil {
		err = p.writer.WriteMessages(ctx, msg)
	}
	p.metrics.RecordKafkaPublish(p.cfg.Topic, ev.EventType, err, time.Since(start).Seconds())
	if err != nil {
		p.logger.Error().Err(err).Str("topic", p.cfg.Topic).Int64("callId", ev.CallID).Msg("Failed to write call event")
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *Publisher) message(ev models.CallEvent) (kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal call event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.CallID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(ev.EventType)},
			{Key: HeaderPrincipal, Value: []byte(p.cfg.Principal)},
			{Key: HeaderOrigin, Value: []byte(p.cfg.Origin)},
		},
	}, nil
}

// Close flushes and closes the Kafka writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing Kafka writer")
		return err
	}
	return nil
}
