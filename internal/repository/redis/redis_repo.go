package redis

import (
	"clipqueue/internal/domain/entity"
	"clipqueue/pkg/utils"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	updateRetries = 5
	listChunkSize = 200
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	pushFrontScript = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
return redis.call("LPUSH", KEYS[1], ARGV[1])`)
)

// RedisRepo is the shared job store. Queue order is strict FIFO; requeued
// jobs go to the head.
type RedisRepo struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRepo(client *redis.Client, prefix string) *RedisRepo {
	if prefix == "" {
		prefix = "clipqueue"
	}
	return &RedisRepo{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisRepo) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisRepo) lockKey() string           { return r.key("processor_lock") }
func (r *RedisRepo) markerKey() string         { return r.key("processing") }
func (r *RedisRepo) queueKey() string          { return r.key("queue") }
func (r *RedisRepo) jobIndexKey() string       { return r.key("jobs") }
func (r *RedisRepo) jobKey(id string) string   { return r.key("job", id) }
func (r *RedisRepo) batchKey(id string) string { return r.key("batch", id) }
func (r *RedisRepo) lastCompletionKey() string { return r.key("last_completion") }
func (r *RedisRepo) statusKey() string         { return r.key("processor_status") }
func (r *RedisRepo) cacheVersionKey() string   { return r.key("cache_version") }

// StatusChannel and CacheChannel carry pub/sub notifications for observers.
func (r *RedisRepo) StatusChannel() string { return r.key("processor_status", "events") }
func (r *RedisRepo) CacheChannel() string  { return r.key("cache_invalidate") }

func (r *RedisRepo) AcquireLock(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.lockKey(), token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// already ours, e.g. a restart that reused its token
	return r.RenewLock(ctx, token, ttl)
}

func (r *RedisRepo) RenewLock(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{r.lockKey()}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisRepo) ReleaseLock(ctx context.Context, token string) error {
	return releaseScript.Run(ctx, r.client, []string{r.lockKey()}, token).Err()
}

func (r *RedisRepo) CurrentJob(ctx context.Context) (string, error) {
	id, err := r.client.Get(ctx, r.markerKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (r *RedisRepo) SetCurrentJob(ctx context.Context, jobID string) error {
	return r.client.Set(ctx, r.markerKey(), jobID, 0).Err()
}

func (r *RedisRepo) ClearCurrentJob(ctx context.Context, jobID string) error {
	return releaseScript.Run(ctx, r.client, []string{r.markerKey()}, jobID).Err()
}

func (r *RedisRepo) Enqueue(ctx context.Context, jobID string) error {
	return r.client.RPush(ctx, r.queueKey(), jobID).Err()
}

func (r *RedisRepo) PushFront(ctx context.Context, jobID string) error {
	return pushFrontScript.Run(ctx, r.client, []string{r.queueKey()}, jobID).Err()
}

func (r *RedisRepo) Dequeue(ctx context.Context) (string, error) {
	id, err := r.client.LPop(ctx, r.queueKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (r *RedisRepo) QueueLength(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.queueKey()).Result()
}

func (r *RedisRepo) CreateJob(ctx context.Context, job *entity.Job) error {
	data, err := utils.ToRawMessage(job)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.jobKey(job.ID), []byte(data), 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return r.client.SAdd(ctx, r.jobIndexKey(), job.ID).Err()
}

func (r *RedisRepo) GetJob(ctx context.Context, jobID string) (*entity.Job, error) {
	return getJob(ctx, r.client, r.jobKey(jobID))
}

func (r *RedisRepo) UpdateJob(ctx context.Context, jobID string, update entity.JobUpdate) error {
	key := r.jobKey(jobID)
	for i := 0; i < updateRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := getJob(ctx, tx, key)
			if err != nil {
				return err
			}
			if err := job.Apply(update, r.now()); err != nil {
				return fmt.Errorf("job %s: %w", jobID, err)
			}
			return putJob(ctx, tx, key, job, nil)
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: too much contention", jobID)
}

func (r *RedisRepo) ListJobs(ctx context.Context) ([]entity.Job, error) {
	ids, err := r.client.SMembers(ctx, r.jobIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]entity.Job, 0, len(ids))
	for start := 0; start < len(ids); start += listChunkSize {
		end := min(start+listChunkSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, r.jobKey(id))
		}
		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var job entity.Job
			if err := utils.FromRawMessage([]byte(s), &job); err != nil {
				return nil, fmt.Errorf("decode %s: %w", keys[i], err)
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// ClaimJob is an optimistic compare-and-set. A conflicting write aborts the
// transaction and the status is read again, so a job that is still QUEUED
// after an unrelated update is claimed on the retry.
func (r *RedisRepo) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	key := r.jobKey(jobID)
	for i := 0; i < updateRetries; i++ {
		claimed := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := getJob(ctx, tx, key)
			if err != nil {
				return err
			}
			if !job.Claim(r.now()) {
				return nil
			}
			if err := putJob(ctx, tx, key, job, nil); err != nil {
				return err
			}
			claimed = true
			return nil
		}, key)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, entity.ErrJobNotFound):
			return false, nil
		case err != nil:
			return false, err
		}
		return claimed, nil
	}
	return false, fmt.Errorf("claim job %s: too much contention", jobID)
}

func (r *RedisRepo) RequeueJob(ctx context.Context, jobID string) (bool, error) {
	key := r.jobKey(jobID)
	for i := 0; i < updateRetries; i++ {
		requeued := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := getJob(ctx, tx, key)
			if err != nil {
				return err
			}
			if !job.Requeue(r.now()) {
				return nil
			}
			requeued = true
			return putJob(ctx, tx, key, job, func(pipe redis.Pipeliner) {
				pipe.LRem(ctx, r.queueKey(), 0, jobID)
				pipe.LPush(ctx, r.queueKey(), jobID)
			})
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return requeued, nil
	}
	return false, fmt.Errorf("requeue job %s: too much contention", jobID)
}

func (r *RedisRepo) CreateBatch(ctx context.Context, batch *entity.Batch) error {
	data, err := utils.ToRawMessage(batch)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.batchKey(batch.ID), []byte(data), 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	return nil
}

func (r *RedisRepo) GetBatch(ctx context.Context, batchID string) (*entity.Batch, error) {
	data, err := r.client.Get(ctx, r.batchKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entity.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	var batch entity.Batch
	if err := utils.FromRawMessage(data, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *RedisRepo) UpdateBatchStatus(ctx context.Context, batchID string, status entity.BatchStatus, completed, failed int) error {
	key := r.batchKey(batchID)
	for i := 0; i < updateRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return entity.ErrBatchNotFound
			}
			if err != nil {
				return err
			}
			var batch entity.Batch
			if err := utils.FromRawMessage(data, &batch); err != nil {
				return err
			}
			batch.Status = status
			batch.CompletedCount = completed
			batch.FailedCount = failed
			batch.UpdatedAt = r.now().UTC()
			out, err := utils.ToRawMessage(batch)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, []byte(out), 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update batch %s: too much contention", batchID)
}

func (r *RedisRepo) LastCompletion(ctx context.Context) (time.Time, error) {
	val, err := r.client.Get(ctx, r.lastCompletionKey()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last completion %q: %w", val, err)
	}
	return t, nil
}

func (r *RedisRepo) SetLastCompletion(ctx context.Context, at time.Time) error {
	return r.client.Set(ctx, r.lastCompletionKey(), at.UTC().Format(time.RFC3339Nano), 0).Err()
}

func (r *RedisRepo) SetProcessorStatus(ctx context.Context, status entity.ProcessorStatus) error {
	data, err := utils.ToRawMessage(status)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.statusKey(), []byte(data), 0)
		pipe.Publish(ctx, r.StatusChannel(), []byte(data))
		return nil
	})
	return err
}

func (r *RedisRepo) GetProcessorStatus(ctx context.Context) (*entity.ProcessorStatus, error) {
	data, err := r.client.Get(ctx, r.statusKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return &entity.ProcessorStatus{State: entity.ProcessorStopped, Message: "no processor has reported"}, nil
	}
	if err != nil {
		return nil, err
	}
	var status entity.ProcessorStatus
	if err := utils.FromRawMessage(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (r *RedisRepo) InvalidateCache(ctx context.Context) error {
	version, err := r.client.Incr(ctx, r.cacheVersionKey()).Result()
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.CacheChannel(), version).Err()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJob(ctx context.Context, c getter, key string) (*entity.Job, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entity.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job entity.Job
	if err := utils.FromRawMessage(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func putJob(ctx context.Context, tx *redis.Tx, key string, job *entity.Job, extra func(redis.Pipeliner)) error {
	data, err := utils.ToRawMessage(job)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, []byte(data), 0)
		if extra != nil {
			extra(pipe)
		}
		return nil
	})
	return err
}
