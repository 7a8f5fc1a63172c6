// Package eventrelay forwards job status events between processes over Redis
// pub/sub. Workers publish; the API process subscribes and feeds its
// WebSocket hub. Events are ephemeral, so a plain channel is enough: a
// dropped message is recovered by the job snapshot endpoint.
package eventrelay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

const eventChannel = "generation.events"

// Publisher implements domain.EventPublisher over a Redis channel.
type Publisher struct {
	client *redis.Client
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(ctx context.Context, url string) (*Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Publisher{client: client}, nil
}

// Publish serializes the event onto the relay channel. Failures are logged
// and swallowed: event delivery is best-effort.
func (p *Publisher) Publish(ev domain.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	if err := p.client.Publish(context.Background(), eventChannel, payload).Err(); err != nil {
		slog.Warn("event relay publish failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
	}
}

// Close releases the Redis connection.
func (p *Publisher) Close() error { return p.client.Close() }

// Subscriber drains the relay channel into a local publisher (the hub).
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	sink   domain.EventPublisher
}

// NewSubscriber connects, subscribes, and targets sink with every event.
func NewSubscriber(ctx context.Context, url string, sink domain.EventPublisher) (*Subscriber, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	pubsub := client.Subscribe(ctx, eventChannel)
	return &Subscriber{client: client, pubsub: pubsub, sink: sink}, nil
}

// Run forwards events until the channel closes (via Close).
func (s *Subscriber) Run() {
	for msg := range s.pubsub.Channel() {
		var ev domain.StatusEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			slog.Warn("event relay decode failed", slog.Any("error", err))
			continue
		}
		s.sink.Publish(ev)
	}
}

// Close stops the subscription and releases the connection.
func (s *Subscriber) Close() error {
	_ = s.pubsub.Close()
	return s.client.Close()
}
