// Package tracking consumes inbound delivery and engagement events from a
// Kafka topic and feeds them into the engine. Because event ingestion is
// idempotent, redelivery after a rebalance or crash is harmless.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/engine"
	"github.com/example/campaign-engine/internal/models"
)

const (
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultConsumeBackoff   = time.Second
)

// Ingestor records one tracking event; engine.Engine satisfies it.
type Ingestor interface {
	RecordTrackingEvent(ctx context.Context, ref engine.EventRef, event models.TrackingEvent) error
}

// payload is the wire format for inbound tracking events. One of AttemptID
// or ProviderMessageID must be set.
type payload struct {
	AttemptID         string            `json:"attempt_id,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	EventType         string            `json:"event_type"`
	Timestamp         time.Time         `json:"timestamp"`
	Meta              map[string]string `json:"meta,omitempty"`
}

// Option customises the consumer during construction.
type Option func(*options)

type options struct {
	config *sarama.Config
}

// WithConfig allows callers to supply a Sarama config. The configuration
// is cloned internally so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// Consumer reads tracking events from one topic as part of a consumer
// group. Offsets are committed only after the event was ingested, so an
// event is never lost to a crash between read and apply.
type Consumer struct {
	logger   zerolog.Logger
	group    sarama.ConsumerGroup
	groupID  string
	topic    string
	ingestor Ingestor
}

// New constructs a tracking consumer for the supplied brokers, group and
// topic.
func New(brokers []string, groupID, topic string, ingestor Ingestor, logger zerolog.Logger, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("tracking consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("tracking consumer: group id is required")
	}
	if topic == "" {
		return nil, errors.New("tracking consumer: topic is required")
	}
	if ingestor == nil {
		return nil, errors.New("tracking consumer: ingestor dependency is required")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "tracking_consumer").Logger()

	settings := &options{config: defaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cloneConfig(settings.config))
	if err != nil {
		return nil, fmt.Errorf("tracking consumer: create consumer group: %w", err)
	}

	return &Consumer{
		logger:   logger,
		group:    group,
		groupID:  groupID,
		topic:    topic,
		ingestor: ingestor,
	}, nil
}

// Run blocks consuming the tracking topic until the context is cancelled
// or the group is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.group.Consume(ctx, []string{c.topic}, &groupHandler{consumer: c})
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error().Err(err).Msg("consume error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultConsumeBackoff):
			}
		}
	}
}

// Close shuts down the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var in payload
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		// Malformed payloads are logged and committed; redelivering them
		// cannot help.
		c.logger.Warn().
			Err(err).
			Int64("offset", msg.Offset).
			Msg("dropping malformed tracking payload")
		return nil
	}

	ref := engine.EventRef{
		AttemptID:         in.AttemptID,
		ProviderMessageID: in.ProviderMessageID,
	}
	event := models.TrackingEvent{
		Type:      in.EventType,
		Timestamp: in.Timestamp,
		Meta:      in.Meta,
	}
	return c.ingestor.RecordTrackingEvent(ctx, ref, event)
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info().Str("group_id", h.consumer.groupID).Msg("consumer group ready")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info().Str("group_id", h.consumer.groupID).Msg("consumer group cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.consumer.handle(session.Context(), msg); err != nil {
			h.consumer.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("tracking event ingestion failed")
			// Leave the offset unmarked so the event is redelivered.
			continue
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "campaign-engine-tracking"

	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}
