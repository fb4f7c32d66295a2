// Package runner repeats a body on a fixed interval until stopped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/metrics"
)

const (
	defaultInterval = time.Second
	eventBuffer     = 64
)

var ErrAlreadyRunning = errors.New("runner already running")

type EventKind string

const (
	EventRan     EventKind = "ran"
	EventError   EventKind = "error"
	EventStopped EventKind = "stopped"
)

// Event reports what happened on one tick, or that the loop ended.
type Event struct {
	Kind     EventKind
	Runner   string
	Tick     int
	Err      error
	Duration time.Duration
}

// Body is the work performed on each tick.
type Body func(ctx context.Context) error

// Lock coordinates exclusive ticks across processes.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Params struct {
	Name     string
	Interval time.Duration
	Body     Body
	Logger   *logger.Logger
	Metrics  *metrics.RunnerMetrics
	Lock     Lock
}

// Runner executes Body every Interval. One loop per Runner at a time.
type Runner struct {
	name     string
	interval time.Duration
	body     Body
	logg     *logger.Logger
	metrics  *metrics.RunnerMetrics
	lock     Lock
	events   chan Event

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

func New(params Params) (*Runner, error) {
	if params.Body == nil {
		return nil, fmt.Errorf("runner body is required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	name := params.Name
	if name == "" {
		name = "runner"
	}
	return &Runner{
		name:     name,
		interval: interval,
		body:     params.Body,
		logg:     logg,
		metrics:  params.Metrics,
		lock:     params.Lock,
		events:   make(chan Event, eventBuffer),
	}, nil
}

// Events delivers tick outcomes. Events are dropped when nobody drains the
// channel fast enough.
func (r *Runner) Events() <-chan Event {
	return r.events
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start runs the loop on its own goroutine until Stop or ctx cancellation.
func (r *Runner) Start(ctx context.Context) error {
	stopCtx, done, err := r.begin(ctx)
	if err != nil {
		return err
	}
	go r.loop(ctx, stopCtx, 0, done)
	return nil
}

// Run executes at most n ticks on the calling goroutine; n <= 0 runs until
// Stop. It returns ctx.Err() when the caller's context ended the loop.
func (r *Runner) Run(ctx context.Context, n int) error {
	stopCtx, done, err := r.begin(ctx)
	if err != nil {
		return err
	}
	r.loop(ctx, stopCtx, n, done)
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Stop ends the loop and waits for the in-flight tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stop, done := r.stop, r.done
	r.mu.Unlock()

	stop()
	<-done
}

func (r *Runner) begin(ctx context.Context) (context.Context, chan struct{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, nil, ErrAlreadyRunning
	}
	stopCtx, stop := context.WithCancel(ctx)
	r.running = true
	r.stop = stop
	r.done = make(chan struct{})
	return stopCtx, r.done, nil
}

// loop keeps ticks on the caller's ctx so Stop lets the current tick finish;
// only the rest between ticks watches stopCtx.
func (r *Runner) loop(ctx, stopCtx context.Context, n int, done chan struct{}) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = r.logg.WithField(ctx, "runner", r.name)
	defer func() {
		r.logg.Info(ctx, "runner stopped")
		r.emit(Event{Kind: EventStopped, Runner: r.name})
		r.mu.Lock()
		r.stop()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for i := 0; n <= 0 || i < n; i++ {
		if stopCtx.Err() != nil {
			return
		}
		r.tick(ctx, i)
		if n > 0 && i+1 >= n {
			return
		}

		timer.Reset(r.interval)
		select {
		case <-stopCtx.Done():
			return
		case <-timer.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context, n int) {
	if r.lock != nil {
		locked, err := r.lock.Acquire(ctx)
		if err != nil {
			err = fmt.Errorf("lock acquire: %w", err)
			r.logg.Error(ctx, "runner lock failed", err)
			r.metrics.IncFailure(r.name)
			r.emit(Event{Kind: EventError, Runner: r.name, Tick: n, Err: err})
			return
		}
		if !locked {
			r.logg.Debug(ctx, "another instance holds the lock; skipping tick")
			r.metrics.IncSkipped(r.name)
			return
		}
		defer func() {
			if relErr := r.lock.Release(ctx); relErr != nil {
				r.logg.Error(ctx, "failed to release runner lock", relErr)
			}
		}()
	}

	start := time.Now()
	err := r.safeBody(ctx)
	duration := time.Since(start)
	r.metrics.ObserveDuration(r.name, duration)

	if err != nil {
		r.logg.Error(r.logg.WithField(ctx, "duration_ms", duration.Milliseconds()), "runner tick failed", err)
		r.metrics.IncFailure(r.name)
		r.emit(Event{Kind: EventError, Runner: r.name, Tick: n, Err: err, Duration: duration})
		return
	}
	r.metrics.IncSuccess(r.name)
	r.emit(Event{Kind: EventRan, Runner: r.name, Tick: n, Duration: duration})
}

func (r *Runner) safeBody(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("runner %s panicked: %v", r.name, rec)).
				WithDetails(map[string]string{"stack": string(debug.Stack())})
		}
	}()
	return r.body(ctx)
}

func (r *Runner) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}
