package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on Redis.
//
// Keys, all prefixed with the queue name:
//
//	<name>:pending   list of job ids ready to run
//	<name>:delayed   sorted set of job ids scored by ready time (unix ms)
//	<name>:tasks     hash job id -> task JSON
//	<name>:active:<id>  exclusivity lease held while an attempt runs
type RedisQueue struct {
	client *redis.Client
	name   string
	now    func() time.Time
}

// NewRedisQueue creates a RedisQueue named name.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name, now: time.Now}
}

func (q *RedisQueue) key(suffix string) string {
	return q.name + ":" + suffix
}

// Enqueue stores the task and pushes the job id, replacing pending work for the job.
func (q *RedisQueue) Enqueue(ctx context.Context, entry, jobID string, timeout time.Duration, maxRetries int) error {
	b, err := json.Marshal(Task{JobID: jobID, Entry: entry, Timeout: timeout, MaxRetries: maxRetries})
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("pending"), 0, jobID)
		pipe.ZRem(ctx, q.key("delayed"), jobID)
		pipe.HSet(ctx, q.key("tasks"), jobID, b)
		pipe.RPush(ctx, q.key("pending"), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Cancel removes pending and delayed work for jobID.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	var lrem *redis.IntCmd
	var zrem *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrem = pipe.LRem(ctx, q.key("pending"), 0, jobID)
		zrem = pipe.ZRem(ctx, q.key("delayed"), jobID)
		pipe.HDel(ctx, q.key("tasks"), jobID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queue: cancel %s: %w", jobID, err)
	}
	return lrem.Val()+zrem.Val() > 0, nil
}

// Dequeue promotes due delayed tasks, then pops the next job whose lease is free.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	for {
		jobID, err := q.client.LPop(ctx, q.key("pending")).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: pop: %w", err)
		}

		raw, err := q.client.HGet(ctx, q.key("tasks"), jobID).Result()
		if errors.Is(err, redis.Nil) {
			// cancelled between push and pop
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: load task %s: %w", jobID, err)
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("queue: decode task %s: %w", jobID, err)
		}

		lease := task.Timeout + time.Minute
		ok, err := q.client.SetNX(ctx, q.key("active:"+jobID), "1", lease).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: lease %s: %w", jobID, err)
		}
		if !ok {
			// another attempt is still running; look again shortly
			if err := q.schedule(ctx, jobID, 5*time.Second); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return &task, nil
	}
}

func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("queue: scan delayed: %w", err)
	}
	for _, jobID := range due {
		// only the worker that removes the member promotes it
		n, err := q.client.ZRem(ctx, q.key("delayed"), jobID).Result()
		if err != nil {
			return fmt.Errorf("queue: promote %s: %w", jobID, err)
		}
		if n == 1 {
			if err := q.client.RPush(ctx, q.key("pending"), jobID).Err(); err != nil {
				return fmt.Errorf("queue: promote %s: %w", jobID, err)
			}
		}
	}
	return nil
}

func (q *RedisQueue) schedule(ctx context.Context, jobID string, delay time.Duration) error {
	score := float64(q.now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: score, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("queue: schedule %s: %w", jobID, err)
	}
	return nil
}

// Redeliver stores the task with Attempt incremented and schedules it after delay.
func (q *RedisQueue) Redeliver(ctx context.Context, task Task, delay time.Duration) error {
	task.Attempt++
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	score := float64(q.now().Add(delay).UnixMilli())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("tasks"), task.JobID, b)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: score, Member: task.JobID})
		pipe.Del(ctx, q.key("active:"+task.JobID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: redeliver %s: %w", task.JobID, err)
	}
	return nil
}

// Ack releases the lease and forgets the task unless it was re-enqueued meanwhile.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	if err := q.client.Del(ctx, q.key("active:"+jobID)).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	pending, err := q.client.LPos(ctx, q.key("pending"), jobID, redis.LPosArgs{}).Result()
	if err == nil && pending >= 0 {
		return nil
	}
	if _, err := q.client.ZScore(ctx, q.key("delayed"), jobID).Result(); err == nil {
		return nil
	}
	if err := q.client.HDel(ctx, q.key("tasks"), jobID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	return nil
}

// Len returns the number of pending and delayed tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	p, err := q.client.LLen(ctx, q.key("pending")).Result()
	if err != nil {
		return 0, err
	}
	d, err := q.client.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return 0, err
	}
	return p + d, nil
}
