package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

const (
	defaultRetentionDays = 30
	defaultPruneBatch    = 500
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPruner interface {
	DeletePublishedBefore(tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
	DeleteDeadLettersBefore(tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger        *logger.Logger
	DB            txRunner
	Repository    outboxPruner
	RetentionDays int
	BatchSize     int
}

// NewOutboxRetentionJob prunes published events and dead letters older than
// the retention window. Pending events are never touched.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	days := params.RetentionDays
	if days <= 0 {
		days = defaultRetentionDays
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultPruneBatch
	}
	return &outboxRetentionJob{
		logg:   params.Logger,
		db:     params.DB,
		repo:   params.Repository,
		window: time.Duration(days) * 24 * time.Hour,
		batch:  batch,
		now:    time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg   *logger.Logger
	db     txRunner
	repo   outboxPruner
	window time.Duration
	batch  int
	now    func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.window)

	published, err := j.prune(ctx, cutoff, j.repo.DeletePublishedBefore)
	if err != nil {
		return fmt.Errorf("prune published events: %w", err)
	}
	dead, err := j.prune(ctx, cutoff, j.repo.DeleteDeadLettersBefore)
	if err != nil {
		return fmt.Errorf("prune dead letters: %w", err)
	}

	if published+dead > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"cutoff":       cutoff,
			"published":    published,
			"dead_letters": dead,
		}), "outbox.pruned")
	}
	return nil
}

// prune deletes one batch per transaction until a short batch comes back.
func (j *outboxRetentionJob) prune(ctx context.Context, cutoff time.Time, del func(*gorm.DB, time.Time, int) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var n int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			n, err = del(tx, cutoff, j.batch)
			return err
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(j.batch) {
			return total, nil
		}
	}
}
