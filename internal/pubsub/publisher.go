package pubsub

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/internal/storage"
)

// EnvelopeField is the stream entry field holding the JSON encoded envelope
const EnvelopeField = "event"

var publishTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_stream_publish_total",
		Help: "Total number of realtime envelopes appended to the event stream",
	},
	[]string{"status"},
)

// EventPublisher lets producers hand realtime events to whichever gateway
// process consumes the stream.
type EventPublisher struct {
	redis  storage.RedisClient
	stream string
}

// NewEventPublisher creates a publisher for stream
func NewEventPublisher(redis storage.RedisClient, stream string) *EventPublisher {
	return &EventPublisher{redis: redis, stream: stream}
}

// Publish validates and appends an envelope
func (p *EventPublisher) Publish(ctx context.Context, env models.Envelope) error {
	if err := env.Validate(); err != nil {
		publishTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("refusing to publish envelope: %w", err)
	}
	if err := p.redis.PublishToStream(ctx, p.stream, EnvelopeField, env); err != nil {
		publishTotal.WithLabelValues("error").Inc()
		return err
	}
	publishTotal.WithLabelValues("success").Inc()
	return nil
}

// PublishToUser wraps event for a single recipient
func (p *EventPublisher) PublishToUser(ctx context.Context, userID string, event models.EventType, fields map[string]interface{}) error {
	if userID == "" {
		return models.ErrInvalidUserID
	}
	raw, err := models.NewEvent(event, fields)
	if err != nil {
		return err
	}
	return p.Publish(ctx, models.Envelope{UserID: userID, Event: raw})
}

// PublishBroadcast wraps event for every connection
func (p *EventPublisher) PublishBroadcast(ctx context.Context, event models.EventType, fields map[string]interface{}) error {
	raw, err := models.NewEvent(event, fields)
	if err != nil {
		return err
	}
	return p.Publish(ctx, models.Envelope{Event: raw})
}
