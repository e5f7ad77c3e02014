package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/crawl-supervisor/internal/broadcast"
	"github.com/JakeFAU/crawl-supervisor/internal/telemetry"
)

// PubSubSink publishes broadcasts to a Pub/Sub topic. Messages carry the
// session and kind as attributes plus the caller's trace context.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps a topic handle.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Name implements broadcast.Sink.
func (s *PubSubSink) Name() string { return "pubsub" }

// Consume publishes every message and waits for the server acknowledgements.
func (s *PubSubSink) Consume(ctx context.Context, batch []broadcast.Message) (err error) {
	ctx, span := telemetry.Tracer("broadcast").Start(ctx, "pubsub.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", s.topic.ID()),
			attribute.Int("messaging.batch.message_count", len(batch)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, msg := range batch {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal broadcast: %w", err)
		}
		out := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"kind":       string(msg.Kind),
				"session_id": msg.SessionID,
			},
		}
		otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: out.Attributes})
		results = append(results, s.topic.Publish(ctx, out))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d messages: %w", len(errs), len(results), errors.Join(errs...))
	}
	return nil
}

// Close flushes pending publishes and stops the topic's goroutines.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
