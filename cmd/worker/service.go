package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

const heartbeatInterval = 30 * time.Second

type runner interface {
	Run(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type ServiceParams struct {
	Logger   *logger.Logger
	Pool     runner
	Recovery runner
	// Pingers are checked once before any loop starts.
	Pingers map[string]pinger
}

// Service runs the finalization pool and, when set, the recovery loop.
type Service struct {
	logg     *logger.Logger
	pool     runner
	recovery runner
	pingers  map[string]pinger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	return &Service{
		logg:     params.Logger,
		pool:     params.Pool,
		recovery: params.Recovery,
		pingers:  params.Pingers,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for name, p := range s.pingers {
		if err := pingDependency(ctx, s.logg, name, p.Ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run returns when ctx ends or a loop exits. The other loop is canceled and
// awaited before returning.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loops := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.pool.Run(ctx) }()
	if s.recovery != nil {
		loops++
		go func() { errCh <- s.recovery.Run(ctx) }()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var first error
	for loops > 0 {
		select {
		case err := <-errCh:
			loops--
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) && first == nil {
				s.logg.Error(ctx, "worker loop stopped unexpectedly", err)
				first = err
			}
		case <-ticker.C:
			s.logg.Debug(ctx, "worker.heartbeat")
		}
	}
	return first
}
