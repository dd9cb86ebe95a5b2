package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a list-backed queue: LPUSH to enqueue, BRPOP to dequeue.
// Tasks survive a restart of the serving process, jobs stuck mid-flight do not.
type Redis struct {
	rdb  *redis.Client
	name string
	// poll bounds each BRPOP so Pop notices ctx cancellation.
	poll time.Duration
}

func NewRedis(rdb *redis.Client, name string) *Redis {
	return &Redis{rdb: rdb, name: name, poll: 5 * time.Second}
}

func (q *Redis) Push(ctx context.Context, t Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.name, b).Err()
}

func (q *Redis) Pop(ctx context.Context) (Task, error) {
	for {
		res, err := q.rdb.BRPop(ctx, q.poll, q.name).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, err
		}
		if len(res) < 2 {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			return Task{}, fmt.Errorf("decode task %q: %w", res[1], err)
		}
		return t, nil
	}
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.name).Result()
	return int(n), err
}

func (q *Redis) Close() error { return q.rdb.Close() }
