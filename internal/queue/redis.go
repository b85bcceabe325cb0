package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	pkgredis "github.com/angelmondragon/ringorder-backend/pkg/redis"
)

// Moves expired inflight members to the head of ready, appends due delayed
// members, then pops one ready member into inflight scored by ARGV[2], the
// new lease expiry in unix millis.
// Inflight members are "<receipt>|<task json>".
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1], "LIMIT", 0, 100)
for i = #expired, 1, -1 do
	local member = expired[i]
	local sep = string.find(member, "|", 1, true)
	redis.call("ZREM", KEYS[3], member)
	redis.call("LPUSH", KEYS[1], string.sub(member, sep + 1))
end
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, member in ipairs(due) do
	redis.call("ZREM", KEYS[2], member)
	redis.call("RPUSH", KEYS[1], member)
end
local task = redis.call("LPOP", KEYS[1])
if not task then
	return false
end
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[3] .. "|" .. task)
return task
`)

type redisClient interface {
	redis.Scripter
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisOptions tunes the shared queue.
type RedisOptions struct {
	Name  string
	Lease time.Duration
	Poll  time.Duration
	Now   func() time.Time
}

// Redis is a queue shared by every process pointing at the same keys.
type Redis struct {
	client   redisClient
	ready    string
	delayed  string
	inflight string
	lease    time.Duration
	poll     time.Duration
	now      func() time.Time
}

func NewRedis(client redisClient, opts RedisOptions) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client required for queue")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Redis{
		client:   client,
		ready:    pkgredis.QueueKey(name, "ready"),
		delayed:  pkgredis.QueueKey(name, "delayed"),
		inflight: pkgredis.QueueKey(name, "inflight"),
		lease:    opts.Lease,
		poll:     opts.Poll,
		now:      opts.Now,
	}, nil
}

func (q *Redis) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if task.NotBefore.After(q.now()) {
		err = q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(task.NotBefore.UnixMilli()), Member: string(payload)}).Err()
	} else {
		err = q.client.RPush(ctx, q.ready, string(payload)).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		delivery, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}

		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Redis) claim(ctx context.Context) (*Delivery, error) {
	now := q.now()
	expiry := time.UnixMilli(now.Add(q.lease).UnixMilli()).UTC()
	receipt := uuid.NewString()
	raw, err := claimScript.Run(ctx, q.client,
		[]string{q.ready, q.delayed, q.inflight},
		strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(expiry.UnixMilli(), 10), receipt,
	).Text()
	if pkgredis.IsMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Drop the poison member so it is not redelivered forever.
		_ = q.client.ZRem(ctx, q.inflight, receipt+"|"+raw).Err()
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &Delivery{
		Task:        task,
		LeaseExpiry: expiry,
		receipt:     receipt + "|" + raw,
	}, nil
}

func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	if d == nil || d.receipt == "" {
		return ErrUnknownDelivery
	}
	if !q.now().Before(d.LeaseExpiry) {
		return ErrUnknownDelivery
	}
	removed, err := q.client.ZRem(ctx, q.inflight, d.receipt).Result()
	if err != nil {
		return fmt.Errorf("ack task %s: %w", d.Task.ID, err)
	}
	if removed == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

func (q *Redis) Retry(ctx context.Context, d *Delivery, next Task) error {
	if d == nil || d.receipt == "" {
		return ErrUnknownDelivery
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	var removed *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if next.NotBefore.After(q.now()) {
			pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(next.NotBefore.UnixMilli()), Member: string(payload)})
		} else {
			pipe.RPush(ctx, q.ready, string(payload))
		}
		removed = pipe.ZRem(ctx, q.inflight, d.receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry task %s: %w", d.Task.ID, err)
	}
	if removed.Val() == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

// Stats reports the current sizes of the three structures.
func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.client.LLen(ctx, q.ready).Result()
	if err != nil {
		return Stats{}, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayed).Result()
	if err != nil {
		return Stats{}, err
	}
	inflight, err := q.client.ZCard(ctx, q.inflight).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Ready: ready, Delayed: delayed, Inflight: inflight}, nil
}
