// Package scheduler runs the engine's periodic tasks: rollup, cost
// estimation, retention and the weekly report.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrTaskRunning = errors.New("task is already running")
)

var tracer = otel.Tracer("beacon/scheduler")

// TaskFunc is one execution of a periodic task.
type TaskFunc func(ctx context.Context) error

// MetricsRecorder is an optional interface for recording task metrics.
type MetricsRecorder interface {
	ObserveTask(name, status string, seconds float64)
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	running  atomic.Bool
	trigger  chan struct{}
}

// Runner drives registered tasks on independent tickers. A tick that arrives
// while the previous run of the same task is still going is skipped.
type Runner struct {
	logger  *slog.Logger
	metrics MetricsRecorder

	mu    sync.Mutex
	tasks map[string]*task
	runs  sync.WaitGroup
	loops sync.WaitGroup
}

// NewRunner creates a Runner that logs through logger.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// SetMetrics sets the optional metrics recorder.
func (r *Runner) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// Register adds a task. It must be called before Start.
func (r *Runner) Register(name string, interval time.Duration, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = &task{
		name:     name,
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
	}
}

// Tasks returns the registered task names.
func (r *Runner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	return names
}

// Start launches one ticker loop per task. Loops exit when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		r.loops.Add(1)
		go r.loop(ctx, t)
	}
}

// Wait blocks until every loop has exited and every in-flight run finished.
func (r *Runner) Wait() {
	r.loops.Wait()
	r.runs.Wait()
}

// RunNow asks the named task to run as soon as possible. It returns
// ErrTaskRunning when a run is already in progress.
func (r *Runner) RunNow(name string) error {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if t.running.Load() {
		return ErrTaskRunning
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return nil
}

func (r *Runner) loop(ctx context.Context, t *task) {
	defer r.loops.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.trigger:
		}
		r.dispatch(ctx, t)
	}
}

// dispatch starts a run unless one is already active.
func (r *Runner) dispatch(ctx context.Context, t *task) bool {
	if !t.running.CompareAndSwap(false, true) {
		r.logger.Warn("skipping task tick, previous run still active", "task", t.name)
		if r.metrics != nil {
			r.metrics.ObserveTask(t.name, "skipped", 0)
		}
		return false
	}
	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		defer t.running.Store(false)
		r.execute(ctx, t)
	}()
	return true
}

func (r *Runner) execute(ctx context.Context, t *task) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "task "+t.name,
		trace.WithAttributes(attribute.String("beacon.task", t.name)),
	)
	defer span.End()

	err := r.safeRun(ctx, t)
	elapsed := time.Since(started)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("scheduled task failed",
			"task", t.name,
			"started_at", started.UTC().Format(time.RFC3339),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
	} else {
		r.logger.Debug("scheduled task finished", "task", t.name, "duration_ms", elapsed.Milliseconds())
	}
	if r.metrics != nil {
		r.metrics.ObserveTask(t.name, status, elapsed.Seconds())
	}
}

func (r *Runner) safeRun(ctx context.Context, t *task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.fn(ctx)
}
