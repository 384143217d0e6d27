package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/signmaster-com/ComfyExpressMiddleware/idgen"
	"github.com/signmaster-com/ComfyExpressMiddleware/workflow"
)

// EvictionFunc is called after a non-terminal job is evicted because it sat
// in the registry past the job timeout. It runs outside the registry lock.
type EvictionFunc func(job Job, reason string)

// entry pairs a job with its cleanup timer and completion signal.
type entry struct {
	job       Job
	timer     *time.Timer
	timerGen  int
	done      chan struct{}
	signalled bool
}

// signal closes the done channel once. Callers hold the registry lock.
func (e *entry) signal() {
	if !e.signalled {
		e.signalled = true
		close(e.done)
	}
}

// Registry owns all live jobs. Every job carries exactly one cleanup timer:
// armed at job timeout on creation, re-armed at the terminal retention window
// when the job finishes, evicting the entry when it fires.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	jobTimeout        time.Duration
	terminalRetention time.Duration

	newID   idgen.Generator
	now     func() time.Time
	logger  *slog.Logger
	onEvict EvictionFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithJobTimeout sets how long a job may exist without reaching a terminal
// state before it is evicted.
func WithJobTimeout(d time.Duration) Option {
	return func(r *Registry) { r.jobTimeout = d }
}

// WithTerminalRetention sets how long completed or failed jobs remain
// readable before eviction.
func WithTerminalRetention(d time.Duration) Option {
	return func(r *Registry) { r.terminalRetention = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(g idgen.Generator) Option {
	return func(r *Registry) { r.newID = g }
}

// WithClock overrides the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEvictionFunc registers a callback for timed-out job evictions.
func WithEvictionFunc(fn EvictionFunc) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:           make(map[string]*entry),
		jobTimeout:        300 * time.Second,
		terminalRetention: 30 * time.Second,
		newID:             idgen.Prefixed("job_", idgen.Default),
		now:               time.Now,
		logger:            slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a new pending job and arms its eviction timer.
func (r *Registry) Create(kind workflow.Kind, input Input) Job {
	id := r.newID()
	now := r.now()

	r.mu.Lock()
	e := &entry{
		job: Job{
			ID:            id,
			Kind:          kind,
			Input:         input,
			Fingerprint:   fmt.Sprintf("%s_%d", id, now.Unix()),
			State:         StatePending,
			CreatedAt:     now,
			LastTouchedAt: now,
		},
		done: make(chan struct{}),
	}
	r.entries[id] = e
	r.rearm(e, id, r.jobTimeout)
	snap := e.job.snapshot()
	r.mu.Unlock()

	r.logger.Debug("job created", "job_id", id, "kind", string(kind))
	return snap
}

// Get returns a copy of a job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Job{}, &ErrNotFound{ID: id}
	}
	return e.job.snapshot(), nil
}

// Claim moves a pending job to processing under the given worker. The
// scheduler is the only caller; it has already secured the worker's
// concurrency slot and breaker admission.
func (r *Registry) Claim(id, workerID string) (Job, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, &ErrNotFound{ID: id}
	}
	if e.job.State != StatePending {
		from := e.job.State
		r.mu.Unlock()
		return Job{}, &ErrBadTransition{ID: id, From: from, To: StateProcessing}
	}
	now := r.now()
	e.job.State = StateProcessing
	e.job.AssignedWorker = workerID
	e.job.StartedAt = &now
	e.job.LastTouchedAt = now
	snap := e.job.snapshot()
	r.mu.Unlock()

	r.logger.Debug("job claimed", "job_id", id, "worker", workerID)
	return snap, nil
}

// RecordSubmission attaches the upstream submission id to a processing job.
func (r *Registry) RecordSubmission(id, submissionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	if e.job.State != StateProcessing {
		return &ErrBadTransition{ID: id, From: e.job.State, To: StateProcessing}
	}
	e.job.SubmissionID = submissionID
	e.job.LastTouchedAt = r.now()
	return nil
}

// Complete moves a processing job to completed with its result and re-arms
// the eviction timer to the terminal retention window.
func (r *Registry) Complete(id string, res Result) error {
	return r.finish(id, StateCompleted, func(j *Job) {
		j.Result = &res
	})
}

// Fail moves a processing job to failed with an error classification and
// re-arms the eviction timer to the terminal retention window.
func (r *Registry) Fail(id, errKind, message string) error {
	return r.finish(id, StateFailed, func(j *Job) {
		j.Error = message
		j.ErrorKind = errKind
	})
}

func (r *Registry) finish(id string, to State, patch func(*Job)) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return &ErrNotFound{ID: id}
	}
	if e.job.State != StateProcessing {
		from := e.job.State
		r.mu.Unlock()
		return &ErrBadTransition{ID: id, From: from, To: to}
	}
	now := r.now()
	e.job.State = to
	e.job.CompletedAt = &now
	e.job.LastTouchedAt = now
	patch(&e.job)
	r.rearm(e, id, r.terminalRetention)
	e.signal()
	r.mu.Unlock()

	r.logger.Debug("job finished", "job_id", id, "state", string(to))
	return nil
}

// Delete removes a job immediately, cancelling its timer. Idempotent;
// reports whether an entry existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		e.timer.Stop()
		e.signal()
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if ok {
		r.logger.Debug("job deleted", "job_id", id)
	}
	return ok
}

// Cleanup evicts every terminal job immediately and returns the count.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	n := 0
	for id, e := range r.entries {
		if e.job.State.Terminal() {
			e.timer.Stop()
			delete(r.entries, id)
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.logger.Info("terminal jobs cleaned up", "count", n)
	}
	return n
}

// Stats counts live jobs by state, kind and assigned worker.
type Stats struct {
	Total    int            `json:"total"`
	ByState  map[string]int `json:"by_state"`
	ByKind   map[string]int `json:"by_kind"`
	ByWorker map[string]int `json:"by_worker"`
}

// Stats returns live job counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Total:    len(r.entries),
		ByState:  make(map[string]int),
		ByKind:   make(map[string]int),
		ByWorker: make(map[string]int),
	}
	for _, e := range r.entries {
		s.ByState[string(e.job.State)]++
		s.ByKind[string(e.job.Kind)]++
		if e.job.AssignedWorker != "" {
			s.ByWorker[e.job.AssignedWorker]++
		}
	}
	return s
}

// Filter restricts List results. Zero values match everything.
type Filter struct {
	State  State
	Kind   workflow.Kind
	Worker string
}

// List returns snapshots of matching jobs ordered by creation time.
func (r *Registry) List(f Filter) []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.entries))
	for _, e := range r.entries {
		if f.State != "" && e.job.State != f.State {
			continue
		}
		if f.Kind != "" && e.job.Kind != f.Kind {
			continue
		}
		if f.Worker != "" && e.job.AssignedWorker != f.Worker {
			continue
		}
		out = append(out, e.job.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListByState returns snapshots in one state ordered by creation time. The
// scheduler reads pending work through this.
func (r *Registry) ListByState(s State) []Job {
	return r.List(Filter{State: s})
}

// Wait blocks until the job reaches a terminal state, is evicted, or the
// context ends, then returns the latest snapshot. An eviction while waiting
// surfaces as ErrNotFound.
func (r *Registry) Wait(ctx context.Context, id string) (Job, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.RUnlock()
		return Job{}, &ErrNotFound{ID: id}
	}
	done := e.done
	r.mu.RUnlock()

	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-done:
	}
	return r.Get(id)
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close cancels every timer and unblocks all waiters. Jobs are not mutated;
// the process is going away.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, e := range r.entries {
		e.timer.Stop()
		e.signal()
	}
	r.mu.Unlock()
}

// rearm replaces the entry's cleanup timer. The generation counter keeps a
// timer that fired concurrently with rescheduling from evicting the entry.
// Callers hold the registry lock.
func (r *Registry) rearm(e *entry, id string, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(d, func() { r.expire(id, gen) })
}

// expire evicts an entry when its cleanup timer fires. A non-terminal entry
// at this point has exceeded the job timeout and counts as stuck.
func (r *Registry) expire(id string, gen int) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.timerGen != gen {
		r.mu.Unlock()
		return
	}
	job := e.job.snapshot()
	stuck := !job.State.Terminal()
	e.signal()
	delete(r.entries, id)
	r.mu.Unlock()

	if stuck {
		r.logger.Warn("job evicted before completion",
			"job_id", id,
			"state", string(job.State),
			"kind", string(job.Kind),
			"age_s", r.now().Sub(job.CreatedAt).Seconds())
		if r.onEvict != nil {
			r.onEvict(job, "stuck")
		}
		return
	}
	r.logger.Debug("job entry expired", "job_id", id, "state", string(job.State))
}
