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
	"github.com/angelmondragon/courier/pkg/streams"
)

const (
	newEntriesRunner = "consumer-new"
	reclaimRunner    = "consumer-reclaim"
)

type consumerGroup interface {
	Create(ctx context.Context, createStreamIfMissing bool) error
	ProcessNewMessages(ctx context.Context) (streams.ProcessResult, error)
	ProcessPendingMessages(ctx context.Context, minIdle time.Duration) (streams.ProcessResult, error)
}

type opsServer interface {
	Run(context.Context) error
}

type ServiceParams struct {
	Config  *config.Config
	Logger  *logger.Logger
	Pingers map[string]ops.Pinger
	Group   consumerGroup
	Metrics *metrics.RunnerMetrics
	Ops     opsServer
}

// Service drives one consumer group member: a loop for new entries and a
// slower loop reclaiming entries other members left pending.
type Service struct {
	cfg     *config.Config
	logg    *logger.Logger
	pingers map[string]ops.Pinger
	group   consumerGroup
	runners []*runner.Runner
	ops     opsServer
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Group == nil {
		return nil, errors.New("consumer group is required")
	}

	s := &Service{
		cfg:     params.Config,
		logg:    params.Logger,
		pingers: params.Pingers,
		group:   params.Group,
		ops:     params.Ops,
	}

	newRunner, err := runner.New(runner.Params{
		Name:     newEntriesRunner,
		Interval: params.Config.Consumer.PollInterval,
		Body:     s.processNew,
		Logger:   params.Logger,
		Metrics:  params.Metrics,
	})
	if err != nil {
		return nil, err
	}
	reclaim, err := runner.New(runner.Params{
		Name:     reclaimRunner,
		Interval: params.Config.Consumer.ReclaimInterval,
		Body:     s.reclaimPending,
		Logger:   params.Logger,
		Metrics:  params.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.runners = []*runner.Runner{newRunner, reclaim}
	return s, nil
}

func (s *Service) processNew(ctx context.Context) error {
	result, err := s.group.ProcessNewMessages(ctx)
	if err != nil {
		return err
	}
	s.logResult(ctx, "new entries processed", result)
	return nil
}

func (s *Service) reclaimPending(ctx context.Context) error {
	result, err := s.group.ProcessPendingMessages(ctx, s.cfg.Consumer.ReclaimMinIdle)
	if err != nil {
		return err
	}
	s.logResult(ctx, "pending entries reprocessed", result)
	return nil
}

func (s *Service) logResult(ctx context.Context, msg string, result streams.ProcessResult) {
	if result.Fetched == 0 {
		return
	}
	s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
		"fetched":     result.Fetched,
		"acked":       result.Acked,
		"failed":      result.Failed,
		"undecodable": result.Undecodable,
	}), msg)
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for name, p := range s.pingers {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}
	return nil
}

// Run creates the group if needed and processes entries until ctx ends. A
// batch in progress at shutdown completes before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	if err := s.group.Create(ctx, s.cfg.Consumer.CreateStream); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		if err := r.Start(context.WithoutCancel(gctx)); err != nil {
			return err
		}
	}
	if s.ops != nil {
		g.Go(func() error { return s.ops.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, r := range s.runners {
			r.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
