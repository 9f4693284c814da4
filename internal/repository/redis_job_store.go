package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/media/internal/apperr"
	"folio/media/internal/models"
)

// releaseScript deletes a reservation only while it still names the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisJobStore shares jobs and reservations between the API and workers.
// Job records are JSON strings; non-terminal job ids live in a set.
type RedisJobStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisJobStore(client *redis.Client, prefix string, retention time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisJobStore) jobKey(id string) string   { return s.prefix + ":job:" + id }
func (s *RedisJobStore) assetKey(id string) string { return s.prefix + ":asset:" + id }
func (s *RedisJobStore) activeKey() string         { return s.prefix + ":active" }

func (s *RedisJobStore) Reserve(ctx context.Context, assetID, jobID string) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, s.assetKey(assetID), jobID, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve asset: %w", err)
	}
	if ok {
		return jobID, true, nil
	}
	owner, err := s.client.Get(ctx, s.assetKey(assetID)).Result()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; try once more.
		ok, err = s.client.SetNX(ctx, s.assetKey(assetID), jobID, 0).Result()
		if err != nil {
			return "", false, fmt.Errorf("reserve asset: %w", err)
		}
		if ok {
			return jobID, true, nil
		}
		owner, err = s.client.Get(ctx, s.assetKey(assetID)).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("read reservation: %w", err)
	}
	return owner, owner == jobID, nil
}

func (s *RedisJobStore) Release(ctx context.Context, assetID, jobID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.assetKey(assetID)}, jobID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release asset: %w", err)
	}
	return nil
}

func (s *RedisJobStore) ReservedBy(ctx context.Context, assetID string) (string, error) {
	owner, err := s.client.Get(ctx, s.assetKey(assetID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

func (s *RedisJobStore) Save(ctx context.Context, job models.OptimizationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	var ttl time.Duration
	if job.Status.Terminal() {
		ttl = s.retention
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(job.JobID), payload, ttl)
		if job.Status.Terminal() {
			pipe.SRem(ctx, s.activeKey(), job.JobID)
		} else {
			pipe.SAdd(ctx, s.activeKey(), job.JobID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (models.OptimizationJob, error) {
	payload, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.OptimizationJob{}, apperr.Newf("redis.get_job", apperr.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return models.OptimizationJob{}, fmt.Errorf("get job: %w", err)
	}
	var job models.OptimizationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return models.OptimizationJob{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *RedisJobStore) ListActive(ctx context.Context) ([]models.OptimizationJob, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	jobs := make([]models.OptimizationJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			s.client.SRem(ctx, s.activeKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !job.Status.Terminal() {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
