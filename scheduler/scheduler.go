// Package scheduler runs the dispatch loop: each tick it matches pending
// jobs to dispatchable workers under the global concurrency cap, claims
// them and hands them to the runner in their own goroutines.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signmaster-com/ComfyExpressMiddleware/fleet"
	"github.com/signmaster-com/ComfyExpressMiddleware/jobs"
	"github.com/signmaster-com/ComfyExpressMiddleware/observability"
)

const (
	defaultMaxConcurrent = 4
	defaultTick          = time.Second
	defaultShutdownGrace = 30 * time.Second
)

// Runner executes one claimed job against one worker and commits the
// outcome to the registry. The executor satisfies this.
type Runner interface {
	Run(ctx context.Context, job jobs.Job, worker *fleet.Worker)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrent caps the number of jobs executing at once across all
// workers.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithTick sets the dispatch loop interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithShutdownGrace sets how long Stop waits for in-flight jobs before
// cancelling their context.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.shutdownGrace = d
		}
	}
}

// WithEvents wires the telemetry event store.
func WithEvents(events *observability.EventLogger) Option {
	return func(s *Scheduler) { s.events = events }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler owns the single dispatch loop. Waiting for capacity or for a
// healthy worker leaves jobs pending; only execution outcomes fail them.
type Scheduler struct {
	registry *jobs.Registry
	balancer *fleet.Balancer
	runner   Runner

	maxConcurrent int
	tick          time.Duration
	shutdownGrace time.Duration

	events *observability.EventLogger
	logger *slog.Logger

	inFlight atomic.Int64
	running  atomic.Bool
	started  atomic.Bool

	// Job goroutines run on jobCtx, detached from the intake context so a
	// cancelled intake does not abort executions before the drain grace.
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds a scheduler over the registry, balancer and runner.
func New(registry *jobs.Registry, balancer *fleet.Balancer, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:      registry,
		balancer:      balancer,
		runner:        runner,
		maxConcurrent: defaultMaxConcurrent,
		tick:          defaultTick,
		shutdownGrace: defaultShutdownGrace,
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the dispatch loop. The loop stops when ctx ends or Stop is
// called; in-flight jobs keep their own detached context either way.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.jobCtx, s.cancelJobs = context.WithCancel(context.Background())
	s.running.Store(true)
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		"max_concurrent", s.maxConcurrent,
		"tick", s.tick)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.running.Store(false)

	s.dispatch(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch runs one matching pass. Pending jobs are considered in creation
// order; the pass ends when the global cap is reached, the pending list is
// exhausted, or no worker can accept work.
func (s *Scheduler) dispatch(ctx context.Context) {
	free := s.maxConcurrent - int(s.inFlight.Load())
	if free <= 0 {
		return
	}
	pending := s.registry.ListByState(jobs.StatePending)
	if len(pending) == 0 {
		return
	}

	for _, job := range pending {
		if free <= 0 {
			return
		}
		worker, err := s.balancer.Pick(ctx)
		if err != nil {
			s.logger.Debug("no dispatchable worker, jobs stay pending", "pending", len(pending))
			return
		}
		if err := worker.Breaker().Allow(); err != nil {
			// Admission closed between pick and claim; the job waits for a
			// later tick.
			s.logger.Debug("breaker refused admission", "worker", worker.ID, "job", job.ID, "error", err)
			continue
		}
		if !worker.TryAcquireSlot() {
			// The granted admission must still be closed out.
			worker.Breaker().RecordSuccess()
			continue
		}
		claimed, err := s.registry.Claim(job.ID, worker.ID)
		if err != nil {
			// Deleted or evicted since the pending snapshot.
			worker.ReleaseSlot()
			worker.Breaker().RecordSuccess()
			s.logger.Debug("job gone before claim", "job", job.ID, "error", err)
			continue
		}

		s.inFlight.Add(1)
		free--
		s.wg.Add(1)
		go func(job jobs.Job, worker *fleet.Worker) {
			defer s.wg.Done()
			defer s.inFlight.Add(-1)
			defer worker.ReleaseSlot()
			s.runner.Run(s.jobCtx, job, worker)
		}(claimed, worker)

		s.logEvent(observability.Event{
			Type:       observability.EventJobDispatched,
			EntityType: "job",
			EntityID:   job.ID,
			WorkerID:   worker.ID,
			JobKind:    string(job.Kind),
			Success:    true,
		})
		s.logger.Info("job dispatched",
			"job", job.ID,
			"kind", string(job.Kind),
			"worker", worker.ID,
			"in_flight", s.inFlight.Load())
	}
}

// Stop halts intake, waits for in-flight jobs up to the shutdown grace and
// then cancels their context. Safe to call more than once; a no-op if the
// scheduler never started.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stop)
		<-s.done

		drained := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(s.shutdownGrace):
			s.logger.Warn("shutdown grace elapsed, cancelling in-flight jobs",
				"in_flight", s.inFlight.Load())
			s.cancelJobs()
			<-drained
		}
		s.cancelJobs()
		s.logger.Info("scheduler stopped")
	})
}

// Running reports whether the dispatch loop is live. The health endpoint
// requires this alongside at least one healthy worker.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// InFlight returns the number of jobs currently executing.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// MaxConcurrent returns the global concurrency cap.
func (s *Scheduler) MaxConcurrent() int {
	return s.maxConcurrent
}

func (s *Scheduler) logEvent(event observability.Event) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(context.Background(), event)
}
