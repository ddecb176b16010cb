package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/observability/metrics"
)

// MessageReader is the consuming half of a Kafka client.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Deliverer receives relayed events.
type Deliverer interface {
	Deliver(ev models.CallEvent)
}

// RelayConfig configures the Kafka consumer behind a Relay.
type RelayConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Origin is this process's publisher origin. Messages carrying it are
	// skipped since they were already delivered locally.
	Origin string
}

// Relay consumes call events mirrored by other replicas and delivers them
// to the local bus.
type Relay struct {
	reader  MessageReader
	bus     Deliverer
	origin  string
	retry   time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRelay creates a relay backed by a kafka.Reader.
func NewRelay(cfg RelayConfig, bus Deliverer) *Relay {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	return NewRelayWithReader(reader, bus, cfg.Origin)
}

// NewRelayWithReader creates a relay over an existing reader.
func NewRelayWithReader(reader MessageReader, bus Deliverer, origin string) *Relay {
	return &Relay{
		reader:  reader,
		bus:     bus,
		origin:  origin,
		retry:   time.Second,
		logger:  logging.WithComponent("relay"),
		metrics: metrics.DefaultMetrics,
	}
}

// Run consumes until ctx is done, then closes the reader.
func (r *Relay) Run(ctx context.Context) error {
	defer r.reader.Close()

	r.logger.Info().Str("origin", r.origin).Msg("Kafka relay started")
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				r.logger.Info().Msg("Kafka relay stopped")
				return nil
			}
			r.logger.Error().Err(err).Msg("Error reading from Kafka")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.retry):
			}
			continue
		}
		r.handle(msg)
	}
}

func (r *Relay) handle(msg kafka.Message) {
	if r.origin != "" && header(msg, HeaderOrigin) == r.origin {
		return
	}
	if et := header(msg, HeaderEventType); et != "" && et != models.EventTypeCallUpdated {
		r.logger.Debug().Str("eventType", et).Msg("Skipping unknown event type")
		return
	}

	var ev models.CallEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping undecodable event")
		return
	}
	if ev.EventType == "" {
		ev.EventType = models.EventTypeCallUpdated
	}

	r.bus.Deliver(ev)
	r.metrics.RecordEventRelayed()
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
