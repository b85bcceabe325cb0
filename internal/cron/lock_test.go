package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/ringorder-backend/internal/ledger"
	pkgredis "github.com/angelmondragon/ringorder-backend/pkg/redis"
)

func TestCycleLockAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	key := pkgredis.LockKey("recovery:test")
	ctx := context.Background()

	newLock := func() *CycleLock {
		locker, err := ledger.NewRedisLocker(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), key, time.Minute, 0)
		if err != nil {
			t.Fatalf("NewRedisLocker: %v", err)
		}
		lock, err := NewCycleLock(locker)
		if err != nil {
			t.Fatalf("NewCycleLock: %v", err)
		}
		return lock
	}
	first, second := newLock(), newLock()

	unlock, err := first.TryLock(ctx)
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	if _, err := second.TryLock(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := second.TryLock(ctx)
	if err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}
	_ = again(ctx)
}

func TestCycleLockLocal(t *testing.T) {
	lock, err := NewCycleLock(ledger.NewLocalLocker())
	if err != nil {
		t.Fatalf("NewCycleLock: %v", err)
	}
	ctx := context.Background()
	unlock, err := lock.TryLock(ctx)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := lock.TryLock(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	_ = unlock(ctx)
	if _, err := lock.TryLock(ctx); err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}
}

func TestNewCycleLockRequiresLocker(t *testing.T) {
	if _, err := NewCycleLock(nil); err == nil {
		t.Fatal("expected error")
	}
}
