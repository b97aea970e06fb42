package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the backing transport for both dispatch paths.
type Queue interface {
	PushPrimary(ctx context.Context, job ReservationJob) error
	// PushBackup schedules the redundant copy for delivery at due.
	PushBackup(ctx context.Context, job ReservationJob, due time.Time) error
	// PopPrimary returns nil when the queue is empty.
	PopPrimary(ctx context.Context) (*ReservationJob, error)
	// PopDueBackup returns the next backup job whose delay has elapsed,
	// or nil.
	PopDueBackup(ctx context.Context, now time.Time) (*ReservationJob, error)
	SetStatus(ctx context.Context, st JobStatus) error
	GetStatus(ctx context.Context, queue string, jobID int64) (*JobStatus, error)
	// ClaimCompletion returns true for exactly one caller per dedupe
	// key; the winner runs the completion side effects.
	ClaimCompletion(ctx context.Context, dedupeKey string) (bool, error)
}

const (
	primaryQueueKey = "ticketq:queue:reserve"
	backupQueueKey  = "ticketq:backup:reserve"
	statusKeyFmt    = "ticketq:job:%s:%d"
	doneKeyFmt      = "ticketq:done:%s"
)

// RedisQueue keeps the primary path on a list, the backup path on a
// sorted set scored by due time, and job status in plain keys with a
// TTL. The dedup token is a SETNX key: first completer wins.
type RedisQueue struct {
	rdb       *redis.Client
	statusTTL time.Duration
}

func NewRedisQueue(rdb *redis.Client, statusTTL time.Duration) *RedisQueue {
	return &RedisQueue{rdb: rdb, statusTTL: statusTTL}
}

func (q *RedisQueue) PushPrimary(ctx context.Context, job ReservationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, primaryQueueKey, data).Err(); err != nil {
		return fmt.Errorf("push primary: %w", err)
	}
	return nil
}

func (q *RedisQueue) PushBackup(ctx context.Context, job ReservationJob, due time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal backup job: %w", err)
	}
	err = q.rdb.ZAdd(ctx, backupQueueKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("push backup: %w", err)
	}
	return nil
}

func (q *RedisQueue) PopPrimary(ctx context.Context) (*ReservationJob, error) {
	data, err := q.rdb.RPop(ctx, primaryQueueKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop primary: %w", err)
	}
	var job ReservationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) PopDueBackup(ctx context.Context, now time.Time) (*ReservationJob, error) {
	members, err := q.rdb.ZRangeByScore(ctx, backupQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range backup: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	// Another worker may remove the member first; zero removals means
	// we lost the race and report empty.
	removed, err := q.rdb.ZRem(ctx, backupQueueKey, members[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("remove backup: %w", err)
	}
	if removed == 0 {
		return nil, nil
	}
	var job ReservationJob
	if err := json.Unmarshal([]byte(members[0]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal backup job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) SetStatus(ctx context.Context, st JobStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	key := fmt.Sprintf(statusKeyFmt, st.Queue, st.JobID)
	if err := q.rdb.Set(ctx, key, data, q.statusTTL).Err(); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

func (q *RedisQueue) GetStatus(ctx context.Context, queue string, jobID int64) (*JobStatus, error) {
	key := fmt.Sprintf(statusKeyFmt, queue, jobID)
	data, err := q.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	var st JobStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	return &st, nil
}

func (q *RedisQueue) ClaimCompletion(ctx context.Context, dedupeKey string) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, fmt.Sprintf(doneKeyFmt, dedupeKey), "1", q.statusTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim completion: %w", err)
	}
	return ok, nil
}
