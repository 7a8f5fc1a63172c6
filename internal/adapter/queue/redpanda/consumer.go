package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// Consumer claims generation records as part of a consumer group and hands
// each id to the deliverer. Failed deliveries are re-produced with an
// incremented attempt header; once MaxDeliveries is reached the record moves
// to the DLQ and the deliverer abandons the job.
type Consumer struct {
	client    *kgo.Client
	deliverer domain.Deliverer
	groupID   string
}

// NewConsumer joins the given consumer group on the generation topic.
func NewConsumer(brokers []string, groupID string, d domain.Deliverer) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.consumer: missing group id")
	}
	opts := append(kotelHooks(),
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicGeneration),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: %w", err)
	}
	return &Consumer{client: client, deliverer: d, groupID: groupID}, nil
}

// Run polls the broker until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("broker consumer started",
		slog.String("group_id", c.groupID),
		slog.String("topic", TopicGeneration))
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			slog.Info("broker consumer stopping")
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			c.handleRecord(ctx, record)
			c.client.MarkCommitRecords(record)
		})
	}
}

func (c *Consumer) handleRecord(ctx context.Context, record *kgo.Record) {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessGenerationJob")
	defer span.End()

	var payload taskPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		slog.Error("malformed queue record dropped",
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return
	}
	attempt := parseAttempt(record)
	lg := slog.With(slog.String("job_id", payload.JobID), slog.Int("attempt", attempt))

	err := c.deliverer.Process(ctx, payload.JobID)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown mid-delivery; the broker redelivers on the next session.
		return
	}
	lg.Error("delivery failed", slog.Any("error", err))

	if attempt >= MaxDeliveries {
		lg.Warn("delivery attempts exhausted, moving to DLQ")
		c.produceDLQ(ctx, record, attempt, err)
		if aerr := c.deliverer.Abandon(ctx, payload.JobID, err); aerr != nil {
			lg.Error("abandon failed", slog.Any("error", aerr))
		}
		return
	}
	c.redeliver(ctx, record, attempt+1)
}

func (c *Consumer) redeliver(ctx context.Context, record *kgo.Record, attempt int) {
	next := &kgo.Record{
		Topic: TopicGeneration,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
		},
	}
	if err := c.client.ProduceSync(ctx, next).FirstErr(); err != nil {
		slog.Error("redelivery produce failed",
			slog.String("job_id", string(record.Key)),
			slog.Any("error", err))
	}
}

func (c *Consumer) produceDLQ(ctx context.Context, record *kgo.Record, attempt int, cause error) {
	dlq := &kgo.Record{
		Topic: TopicGenerationDLQ,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
			{Key: "error", Value: []byte(cause.Error())},
		},
	}
	if err := c.client.ProduceSync(ctx, dlq).FirstErr(); err != nil {
		slog.Error("DLQ produce failed",
			slog.String("job_id", string(record.Key)),
			slog.Any("error", err))
	}
}

// Close releases the underlying client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
