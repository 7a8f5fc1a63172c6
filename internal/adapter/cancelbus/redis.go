package cancelbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// cancelChannel is the pub/sub channel carrying job ids to cancel.
const cancelChannel = "generation.cancel"

// RedisBus implements domain.CancelBus over redis pub/sub so that a cancel
// accepted by the API process reaches the worker process holding the job.
type RedisBus struct {
	client *redis.Client
	reg    *registry
	pubsub *redis.PubSub
}

// NewRedis connects to redis at the given URL and starts the subscriber.
func NewRedis(ctx context.Context, url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=cancelbus.connect: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("op=cancelbus.connect: %w", err)
	}
	b := &RedisBus{
		client: client,
		reg:    newRegistry(),
		pubsub: client.Subscribe(ctx, cancelChannel),
	}
	go b.receive()
	return b, nil
}

func (b *RedisBus) receive() {
	for msg := range b.pubsub.Channel() {
		slog.Debug("cancel request received", slog.String("job_id", msg.Payload))
		b.reg.signal(msg.Payload)
	}
}

// RequestCancel publishes the job id; every subscribed process signals its
// local watchers.
func (b *RedisBus) RequestCancel(ctx domain.Context, jobID string) error {
	if err := b.client.Publish(ctx, cancelChannel, jobID).Err(); err != nil {
		return fmt.Errorf("op=cancelbus.request: %w", err)
	}
	return nil
}

// Watch registers for cancel signals on the job.
func (b *RedisBus) Watch(_ domain.Context, jobID string) (<-chan struct{}, func(), error) {
	ch, stop := b.reg.add(jobID)
	return ch, stop, nil
}

// Close stops the subscriber and releases the client.
func (b *RedisBus) Close() error {
	if err := b.pubsub.Close(); err != nil {
		return err
	}
	return b.client.Close()
}
