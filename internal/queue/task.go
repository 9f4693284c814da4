package queue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type TaskType string

const (
	TaskOptimize TaskType = "optimize"
	TaskSweep    TaskType = "sweep"
	TaskPurge    TaskType = "purge"
)

// Task is one stream entry. Fields are flat strings so entries stay
// readable with redis-cli.
type Task struct {
	Type       TaskType
	JobID      string
	EnqueuedAt time.Time
}

func (t Task) values() map[string]any {
	v := map[string]any{
		"type":       string(t.Type),
		"enqueuedAt": strconv.FormatInt(t.EnqueuedAt.UnixMilli(), 10),
	}
	if t.JobID != "" {
		v["jobId"] = t.JobID
	}
	return v
}

// DecodeTask reads a Task back from a stream message.
func DecodeTask(msg redis.XMessage) (Task, error) {
	typ, _ := msg.Values["type"].(string)
	if typ == "" {
		return Task{}, fmt.Errorf("message %s: missing type", msg.ID)
	}
	t := Task{Type: TaskType(typ)}
	t.JobID, _ = msg.Values["jobId"].(string)
	if raw, ok := msg.Values["enqueuedAt"].(string); ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Task{}, fmt.Errorf("message %s: enqueuedAt: %w", msg.ID, err)
		}
		t.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	if t.Type == TaskOptimize && t.JobID == "" {
		return Task{}, fmt.Errorf("message %s: optimize task without jobId", msg.ID)
	}
	return t, nil
}
