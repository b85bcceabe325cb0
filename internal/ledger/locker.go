package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockLost is reported by a lease whose exclusive section may already
// belong to another holder.
var ErrLockLost = errors.New("ledger: lock lease lost")

// Lease is an acquired exclusive section.
type Lease struct {
	release func(ctx context.Context) error
	lost    <-chan struct{}
}

// Release gives up the section. Calls after the first are no-ops.
func (l *Lease) Release(ctx context.Context) error {
	return l.release(ctx)
}

// Held returns ErrLockLost once the lease can no longer vouch for the
// section.
func (l *Lease) Held() error {
	select {
	case <-l.lost:
		return ErrLockLost
	default:
		return nil
	}
}

// Locker guards a stream's exclusive section.
type Locker interface {
	// Acquire blocks for at most wait. It returns an error matching
	// ErrLockTimeout when the wait is exceeded.
	Acquire(ctx context.Context, wait time.Duration) (*Lease, error)
}

// LocalLocker is a single-process exclusive section backed by a one-slot
// channel.
type LocalLocker struct {
	sem chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

func (l *LocalLocker) Acquire(ctx context.Context, wait time.Duration) (*Lease, error) {
	select {
	case l.sem <- struct{}{}:
		return l.release(), nil
	default:
	}
	if wait <= 0 {
		return nil, ErrLockTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
		return l.release(), nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release() *Lease {
	var once sync.Once
	return &Lease{release: func(context.Context) error {
		once.Do(func() { <-l.sem })
		return nil
	}}
}

const (
	defaultRedisLockTTL  = 45 * time.Second
	defaultRedisLockPoll = 50 * time.Millisecond
)

// Deletes the key only while it still holds this owner's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Pushes the expiry out only while the key still holds this owner's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type lockClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker is an exclusive section shared by every process that points at
// the same key. The TTL bounds how long a crashed holder can block others; a
// live holder renews it every third of the TTL until release.
type RedisLocker struct {
	client lockClient
	key    string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(client lockClient, key string, ttl, poll time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client required for ledger lock")
	}
	if key == "" {
		return nil, errors.New("ledger lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	if poll <= 0 {
		poll = defaultRedisLockPoll
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, poll: poll}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, wait time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("setnx %s: %w", l.key, err)
		}
		if ok {
			return l.lease(owner), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockTimeout
		}
		pause := l.poll
		if remaining < pause {
			pause = remaining
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) lease(owner string) *Lease {
	stop := make(chan struct{})
	done := make(chan struct{})
	lost := make(chan struct{})
	go l.renew(owner, stop, done, lost)

	var once sync.Once
	return &Lease{
		lost: lost,
		release: func(ctx context.Context) error {
			var err error
			once.Do(func() {
				close(stop)
				<-done
				if rerr := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err(); rerr != nil && !errors.Is(rerr, redis.Nil) {
					err = fmt.Errorf("release %s: %w", l.key, rerr)
				}
			})
			return err
		},
	}
}

// renew extends the key until stop closes. It closes lost when the token is
// gone or no renewal has succeeded for a whole TTL.
func (l *RedisLocker) renew(owner string, stop <-chan struct{}, done, lost chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := extendScript.Run(ctx, l.client, []string{l.key}, owner, l.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err == nil && n == 1:
			renewed = time.Now()
		case err == nil || errors.Is(err, redis.Nil) || time.Since(renewed) >= l.ttl:
			close(lost)
			<-stop
			return
		}
	}
}
