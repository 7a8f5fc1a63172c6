// Package redpanda provides the durable broker backend for generation jobs.
//
// Messages carry only the job id; workers re-read the full job from the
// store. Delivery is at-least-once with dead-lettering after the configured
// number of attempts.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

const (
	// TopicGeneration carries queued generation job ids.
	TopicGeneration = "generation.default"
	// TopicGenerationDLQ receives ids whose delivery attempts are exhausted.
	TopicGenerationDLQ = "generation.default.dlq"

	// MaxDeliveries is how many times a job is handed to a worker before it
	// moves to the DLQ.
	MaxDeliveries = 3

	headerAttempt = "attempt"
)

// taskPayload is the wire body of a queue record.
type taskPayload struct {
	JobID string `json:"job_id"`
}

func kotelHooks() []kgo.Opt {
	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	svc := kotel.NewKotel(kotel.WithTracer(tracer))
	return []kgo.Opt{kgo.WithHooks(svc.Hooks()...)}
}

// Producer implements domain.Queue against the broker.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects to the brokers and ensures both topics exist.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.producer: no seed brokers provided")
	}
	opts := append(kotelHooks(),
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, topic := range []string{TopicGeneration, TopicGenerationDLQ} {
		if err := ensureTopic(ctx, client, topic, 8, 1); err != nil {
			slog.Warn("topic creation failed, assuming it exists",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
	return &Producer{client: client}, nil
}

// Submit pushes the job id onto the generation topic.
func (p *Producer) Submit(ctx domain.Context, jobID string) (time.Time, error) {
	b, err := json.Marshal(taskPayload{JobID: jobID})
	if err != nil {
		return time.Time{}, fmt.Errorf("op=queue.submit: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicGeneration,
		Key:   []byte(jobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerAttempt, Value: []byte("1")},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return time.Time{}, fmt.Errorf("op=queue.submit: %w", err)
	}
	observability.EnqueueJob("broker")
	slog.Debug("job enqueued on broker", slog.String("job_id", jobID))
	return time.Now().UTC(), nil
}

// Healthy reports whether the broker answers a ping.
func (p *Producer) Healthy(ctx domain.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.client.Ping(ctx) == nil
}

// Close releases the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

func parseAttempt(r *kgo.Record) int {
	for _, h := range r.Headers {
		if h.Key == headerAttempt {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}
