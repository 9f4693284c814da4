package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"folio/media/internal/config"
)

func TestDecodeTask(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123).UTC()
	tests := []struct {
		name    string
		values  map[string]any
		want    Task
		wantErr bool
	}{
		{
			name:   "optimize",
			values: Task{Type: TaskOptimize, JobID: "job-1", EnqueuedAt: at}.values(),
			want:   Task{Type: TaskOptimize, JobID: "job-1", EnqueuedAt: at},
		},
		{
			name:   "sweep",
			values: map[string]any{"type": "sweep"},
			want:   Task{Type: TaskSweep},
		},
		{name: "missing type", values: map[string]any{"jobId": "x"}, wantErr: true},
		{name: "optimize without job", values: map[string]any{"type": "optimize"}, wantErr: true},
		{name: "bad timestamp", values: map[string]any{"type": "purge", "enqueuedAt": "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTask(redis.XMessage{ID: "1-0", Values: tt.values})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeTask = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeTask: %v", err)
			}
			if got != tt.want {
				t.Fatalf("DecodeTask = %+v, want %+v", got, tt.want)
			}
		})
	}
}

type recordingHandler struct {
	mu    sync.Mutex
	tasks []Task
	fail  bool
	seen  chan struct{}
}

func (h *recordingHandler) Handle(_ context.Context, msg redis.XMessage) error {
	task, err := DecodeTask(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.tasks = append(h.tasks, task)
	h.mu.Unlock()
	h.seen <- struct{}{}
	if h.fail {
		return errors.New("handler failed")
	}
	return nil
}

// Runs against a real Redis when FOLIO_TEST_REDIS_ADDR is set.
func TestConsumerAcksHandledMessages(t *testing.T) {
	addr := os.Getenv("FOLIO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FOLIO_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := config.QueueConfig{
		Stream:            "folio:test:" + time.Now().Format("150405.000000"),
		Group:             "test-workers",
		Consumer:          "c1",
		VisibilityTimeout: time.Minute,
		ClaimInterval:     time.Second,
		BatchSize:         4,
	}
	t.Cleanup(func() { client.Del(context.Background(), cfg.Stream) })

	producer := NewProducer(client, cfg.Stream)
	if err := producer.Dispatch(ctx, "job-42"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	handler := &recordingHandler{seen: make(chan struct{}, 1)}
	consumer := NewConsumer(client, cfg, zerolog.Nop(), handler)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	select {
	case <-handler.seen:
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
	// The ack happens after Handle returns; poll until pending drains.
	for {
		pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
		if err != nil {
			t.Fatalf("XPending: %v", err)
		}
		if pending.Count == 0 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("message still pending: %+v", pending)
		case <-time.After(20 * time.Millisecond):
		}
	}
	stop()
	<-done

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.tasks) != 1 || handler.tasks[0].JobID != "job-42" {
		t.Fatalf("tasks = %+v", handler.tasks)
	}
}
