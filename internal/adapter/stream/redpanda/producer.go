// Package redpanda publishes transaction outcome events to the audit stream.
//
// Unlike a job queue, the audit stream is best-effort: the worker logs a
// failed publish and moves on, so the producer is plain (non-transactional)
// and never blocks a cycle beyond the produce round-trip.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/voucher-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

// Publisher wraps a Kafka producer and implements domain.EventPublisher.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher constructs a Publisher and ensures the audit topic exists.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("audit topic cannot be empty")
	}

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create audit topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("audit publisher created", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Publisher{client: client, topic: topic}, nil
}

// PublishOutcome emits one transaction outcome event keyed by binding id.
// Events for the same binding land on the same partition, preserving order.
func (p *Publisher) PublishOutcome(ctx domain.Context, ev domain.TransactionEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		observability.ObserveAuditPublish(false)
		return fmt.Errorf("op=audit.publish: %w: marshal: %v", domain.ErrInternal, err)
	}

	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.BindingID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "status", Value: []byte(ev.Status)},
			{Key: "trx_id", Value: []byte(ev.TrxID)},
		},
	}

	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		observability.ObserveAuditPublish(false)
		return fmt.Errorf("op=audit.publish: %w: produce: %v", domain.ErrUnavailable, err)
	}

	observability.ObserveAuditPublish(true)
	slog.Debug("audit event published",
		slog.String("binding_id", ev.BindingID),
		slog.String("trx_id", ev.TrxID),
		slog.String("status", string(ev.Status)))
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
