package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/courier/pkg/config"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/ops"
)

type fakeRelay struct {
	ticks atomic.Int32
	err   error
}

func (f *fakeRelay) Tick(context.Context) error {
	f.ticks.Add(1)
	return f.err
}

// blockingRelay holds its first tick open until release is closed.
type blockingRelay struct {
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
	finished  atomic.Bool
	cancelled atomic.Bool
}

func newBlockingRelay() *blockingRelay {
	return &blockingRelay{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingRelay) Tick(ctx context.Context) error {
	first := false
	b.once.Do(func() {
		first = true
		close(b.entered)
	})
	if !first {
		return nil
	}
	<-b.release
	b.cancelled.Store(ctx.Err() != nil)
	b.finished.Store(true)
	return nil
}

type fakeOps struct {
	started atomic.Bool
}

func (f *fakeOps) Run(ctx context.Context) error {
	f.started.Store(true)
	<-ctx.Done()
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Outbox.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, relay relayTicker, pingers map[string]ops.Pinger, opsSrv opsServer) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Config:  testConfig(),
		Logger:  logger.Nop(),
		Pingers: pingers,
		Relay:   relay,
		Ops:     opsSrv,
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return svc
}

func TestServiceTicksUntilCancelled(t *testing.T) {
	relay := &fakeRelay{}
	opsSrv := &fakeOps{}
	svc := newTestService(t, relay, map[string]ops.Pinger{
		"database": ops.PingFunc(func(context.Context) error { return nil }),
	}, opsSrv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for relay.ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("relay ticked %d times", relay.ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	if svc.runner.Running() {
		t.Fatal("runner still running after shutdown")
	}
	if !opsSrv.started.Load() {
		t.Fatal("ops server was not started")
	}
}

func TestServiceLetsInFlightTickFinishOnShutdown(t *testing.T) {
	relay := newBlockingRelay()
	svc := newTestService(t, relay, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case <-relay.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never ticked")
	}
	cancel()

	select {
	case err := <-done:
		t.Fatalf("Run returned before the tick finished: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	close(relay.release)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	if !relay.finished.Load() {
		t.Fatal("in-flight tick did not finish")
	}
	if relay.cancelled.Load() {
		t.Fatal("in-flight tick saw a cancelled context")
	}
}

func TestServiceKeepsTickingThroughFailures(t *testing.T) {
	relay := &fakeRelay{err: errors.New("broker down")}
	svc := newTestService(t, relay, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	for relay.ticks.Load() < failureStreakAlert+1 {
		if ctx.Err() != nil {
			t.Fatalf("relay ticked %d times", relay.ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestServiceFailsFastOnUnreadyDependency(t *testing.T) {
	relay := &fakeRelay{}
	svc := newTestService(t, relay, map[string]ops.Pinger{
		"redis": ops.PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}, nil)

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected readiness error")
	}
	if relay.ticks.Load() != 0 {
		t.Fatalf("relay ticked before dependencies were ready")
	}
}

func TestNewServiceValidatesParams(t *testing.T) {
	if _, err := NewService(ServiceParams{}); err == nil {
		t.Fatal("expected config error")
	}
	if _, err := NewService(ServiceParams{Config: testConfig(), Logger: logger.Nop()}); err == nil {
		t.Fatal("expected relay error")
	}
}
