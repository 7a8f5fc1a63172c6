package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DLQConsumer drains the dead-letter topic for operator visibility. Jobs on
// the DLQ are already marked failed by the delivery path; this consumer only
// surfaces them in the logs.
type DLQConsumer struct {
	client  *kgo.Client
	groupID string
}

// NewDLQConsumer joins the DLQ topic with the given group id.
func NewDLQConsumer(brokers []string, groupID string) (*DLQConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.dlq_consumer: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicGenerationDLQ),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.dlq_consumer: %w", err)
	}
	return &DLQConsumer{client: client, groupID: groupID}, nil
}

// Run polls the DLQ until ctx ends.
func (dc *DLQConsumer) Run(ctx context.Context) error {
	slog.Info("DLQ consumer started", slog.String("group_id", dc.groupID), slog.String("topic", TopicGenerationDLQ))
	for {
		fetches := dc.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				slog.Error("DLQ fetch error", slog.Any("error", fe.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			var payload taskPayload
			_ = json.Unmarshal(record.Value, &payload)
			cause := ""
			for _, h := range record.Headers {
				if h.Key == "error" {
					cause = string(h.Value)
				}
			}
			slog.Warn("job landed on DLQ",
				slog.String("job_id", payload.JobID),
				slog.Int("attempts", parseAttempt(record)),
				slog.String("cause", cause))
			dc.client.MarkCommitRecords(record)
		})
	}
}

// Close releases the underlying client.
func (dc *DLQConsumer) Close() {
	if dc.client != nil {
		dc.client.Close()
	}
}
