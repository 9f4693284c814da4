package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Producer appends tasks to the work stream.
type Producer struct {
	client *redis.Client
	stream string
	now    func() time.Time
}

func NewProducer(client *redis.Client, stream string) *Producer {
	return &Producer{client: client, stream: stream, now: time.Now}
}

func (p *Producer) Enqueue(ctx context.Context, t Task) (string, error) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = p.now()
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: t.values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", t.Type, err)
	}
	return id, nil
}

// Dispatch implements optimize.Dispatcher by enqueueing an optimize task.
func (p *Producer) Dispatch(ctx context.Context, jobID string) error {
	_, err := p.Enqueue(ctx, Task{Type: TaskOptimize, JobID: jobID})
	return err
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Submit lets the producer serve as a cron sink.
func (p *Producer) Submit(ctx context.Context, t Task) error {
	_, err := p.Enqueue(ctx, t)
	return err
}
