package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/courier/pkg/config"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/metrics"
	"github.com/angelmondragon/courier/pkg/ops"
	"github.com/angelmondragon/courier/pkg/runner"
)

const (
	relayRunnerName = "outbox-relay"
	// failures in a row before the service escalates from per-tick logs
	failureStreakAlert = 5
)

type relayTicker interface {
	Tick(context.Context) error
}

type opsServer interface {
	Run(context.Context) error
}

type ServiceParams struct {
	Config  *config.Config
	Logger  *logger.Logger
	Pingers map[string]ops.Pinger
	Relay   relayTicker
	Lock    runner.Lock
	Metrics *metrics.RunnerMetrics
	Ops     opsServer
}

// Service runs the relay on an interval next to the ops server.
type Service struct {
	logg    *logger.Logger
	pingers map[string]ops.Pinger
	runner  *runner.Runner
	ops     opsServer
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Relay == nil {
		return nil, errors.New("outbox relay is required")
	}

	r, err := runner.New(runner.Params{
		Name:     relayRunnerName,
		Interval: params.Config.Outbox.PollInterval,
		Body:     params.Relay.Tick,
		Logger:   params.Logger,
		Metrics:  params.Metrics,
		Lock:     params.Lock,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		logg:    params.Logger,
		pingers: params.Pingers,
		runner:  r,
		ops:     params.Ops,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for name, p := range s.pingers {
		if err := pingDependency(ctx, s.logg, name, p.Ping); err != nil {
			return err
		}
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := fn(pingCtx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run blocks until ctx ends. The in-flight relay tick is allowed to finish:
// ticks run on a context that shutdown does not cancel, and Stop waits for
// the current one.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := s.runner.Start(context.WithoutCancel(gctx)); err != nil {
		return err
	}
	if s.ops != nil {
		g.Go(func() error { return s.ops.Run(gctx) })
	}
	g.Go(func() error {
		s.watch(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.runner.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// watch follows the runner's events and reports long failure streaks and
// their recovery.
func (s *Service) watch(ctx context.Context) {
	streak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.runner.Events():
			switch ev.Kind {
			case runner.EventError:
				streak++
				if streak == failureStreakAlert {
					s.logg.Error(s.logg.WithField(ctx, "failures", streak), "outbox relay keeps failing", ev.Err)
				}
			case runner.EventRan:
				if streak >= failureStreakAlert {
					s.logg.Info(s.logg.WithField(ctx, "failures", streak), "outbox relay recovered")
				}
				streak = 0
			case runner.EventStopped:
				return
			}
		}
	}
}
