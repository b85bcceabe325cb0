package cron

import (
	"context"
	"errors"

	"github.com/angelmondragon/ringorder-backend/internal/ledger"
)

// Lock guards one recovery cycle. TryLock never waits: it returns
// ErrLockHeld while another holder owns the cycle.
type Lock interface {
	TryLock(ctx context.Context) (unlock func(context.Context) error, err error)
}

// CycleLock runs the recovery cycle under a ledger locker, so a Redis
// locker makes the cycle exclusive across processes.
type CycleLock struct {
	locker ledger.Locker
}

func NewCycleLock(locker ledger.Locker) (*CycleLock, error) {
	if locker == nil {
		return nil, errors.New("cycle lock needs a locker")
	}
	return &CycleLock{locker: locker}, nil
}

func (l *CycleLock) TryLock(ctx context.Context) (func(context.Context) error, error) {
	lease, err := l.locker.Acquire(ctx, 0)
	if errors.Is(err, ledger.ErrLockTimeout) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return lease.Release, nil
}
