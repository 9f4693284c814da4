package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"folio/media/internal/queue"
)

type chanSink chan queue.TaskType

func (c chanSink) Submit(_ context.Context, t queue.Task) error {
	select {
	case c <- t.Type:
	default:
	}
	return nil
}

func TestSchedulerSubmitsSweep(t *testing.T) {
	sink := make(chanSink, 4)
	s := NewScheduler(sink, "@every 1s", "", zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	select {
	case got := <-sink:
		if got != queue.TaskSweep {
			t.Fatalf("task = %s, want sweep", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("sweep was not scheduled")
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(make(chanSink, 1), "every minute", "@every 5m", zerolog.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("Start accepted an invalid spec")
	}
}
