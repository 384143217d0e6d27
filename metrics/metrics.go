// Package metrics aggregates in-process pipeline counters: job outcomes
// globally and per worker/kind, processing-time statistics over a bounded
// sample window, and a bounded list of recent failures. Optionally persists
// periodic JSON snapshots so operators keep numbers across restarts.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// sampleLimit bounds the processing-time window used for percentiles.
	sampleLimit = 100
	// errorLimit bounds the recent-failure list.
	errorLimit = 100
)

// JobCounts is a created/completed/failed triple for one grouping.
type JobCounts struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// DurationStats summarizes processing times in seconds. Percentiles are
// computed over the bounded recent-sample window; count/sum/min/max run
// since the last reset.
type DurationStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum_seconds"`
	Min   float64 `json:"min_seconds"`
	Max   float64 `json:"max_seconds"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P90   float64 `json:"p90_seconds"`
	P95   float64 `json:"p95_seconds"`
	P99   float64 `json:"p99_seconds"`
}

// ErrorRecord is one remembered failure.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id,omitempty"`
	Kind      string    `json:"kind"`
	Worker    string    `json:"worker,omitempty"`
	Message   string    `json:"message"`
}

// Snapshot is a point-in-time copy of every aggregate, safe to marshal.
type Snapshot struct {
	GeneratedAt       time.Time            `json:"generated_at"`
	Since             time.Time            `json:"since"`
	Jobs              JobCounts            `json:"jobs"`
	ByKind            map[string]JobCounts `json:"by_kind,omitempty"`
	ByWorker          map[string]JobCounts `json:"by_worker,omitempty"`
	Processing        DurationStats        `json:"processing"`
	DispatchFailures  int64                `json:"dispatch_failures"`
	DispatchByWorker  map[string]int64     `json:"dispatch_failures_by_worker,omitempty"`
	RecentErrors      []ErrorRecord        `json:"recent_errors,omitempty"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger used by the snapshot saver.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Aggregator collects counters under one mutex. All record methods are
// cheap and non-blocking; nothing does I/O while holding the lock.
type Aggregator struct {
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	since    time.Time
	jobs     JobCounts
	byKind   map[string]*JobCounts
	byWorker map[string]*JobCounts

	durCount int64
	durSum   float64
	durMin   float64
	durMax   float64
	samples  []float64

	dispatchFails    int64
	dispatchByWorker map[string]int64

	errors []ErrorRecord
}

// New returns an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.resetLocked()
	return a
}

func (a *Aggregator) resetLocked() {
	a.since = a.now()
	a.jobs = JobCounts{}
	a.byKind = make(map[string]*JobCounts)
	a.byWorker = make(map[string]*JobCounts)
	a.durCount = 0
	a.durSum = 0
	a.durMin = 0
	a.durMax = 0
	a.samples = a.samples[:0]
	a.dispatchFails = 0
	a.dispatchByWorker = make(map[string]int64)
	a.errors = a.errors[:0]
}

func group(m map[string]*JobCounts, key string) *JobCounts {
	c, ok := m[key]
	if !ok {
		c = &JobCounts{}
		m[key] = c
	}
	return c
}

// JobCreated counts an accepted job.
func (a *Aggregator) JobCreated(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs.Created++
	group(a.byKind, kind).Created++
}

// JobCompleted counts a successful job and records its processing time.
func (a *Aggregator) JobCompleted(kind, worker string, seconds float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs.Completed++
	group(a.byKind, kind).Completed++
	if worker != "" {
		group(a.byWorker, worker).Completed++
	}
	a.recordDurationLocked(seconds)
}

// JobFailed counts a failure and remembers it in the recent-error window.
// Worker may be empty when the job never reached one.
func (a *Aggregator) JobFailed(jobID, kind, worker, errKind, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs.Failed++
	group(a.byKind, kind).Failed++
	if worker != "" {
		group(a.byWorker, worker).Failed++
	}
	a.errors = append(a.errors, ErrorRecord{
		Timestamp: a.now(),
		JobID:     jobID,
		Kind:      errKind,
		Worker:    worker,
		Message:   message,
	})
	if len(a.errors) > errorLimit {
		a.errors = a.errors[len(a.errors)-errorLimit:]
	}
}

// DispatchFailed counts a worker failing the dispatch-time health gate and
// remembers the failure in the recent-error window. The job itself stays
// pending, so nothing is added to the per-kind outcome counts.
func (a *Aggregator) DispatchFailed(worker, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatchFails++
	a.dispatchByWorker[worker]++
	a.errors = append(a.errors, ErrorRecord{
		Timestamp: a.now(),
		Kind:      "dispatch-probe",
		Worker:    worker,
		Message:   reason,
	})
	if len(a.errors) > errorLimit {
		a.errors = a.errors[len(a.errors)-errorLimit:]
	}
}

func (a *Aggregator) recordDurationLocked(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	if a.durCount == 0 || seconds < a.durMin {
		a.durMin = seconds
	}
	if seconds > a.durMax {
		a.durMax = seconds
	}
	a.durCount++
	a.durSum += seconds
	a.samples = append(a.samples, seconds)
	if len(a.samples) > sampleLimit {
		a.samples = a.samples[len(a.samples)-sampleLimit:]
	}
}

// Reset zeroes every aggregate.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// Snapshot copies the current aggregates and computes percentiles over the
// sample window.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		GeneratedAt: a.now(),
		Since:       a.since,
		Jobs:        a.jobs,
		Processing: DurationStats{
			Count: a.durCount,
			Sum:   a.durSum,
			Min:   a.durMin,
			Max:   a.durMax,
		},
	}
	if a.durCount > 0 {
		snap.Processing.Avg = a.durSum / float64(a.durCount)
	}
	if len(a.byKind) > 0 {
		snap.ByKind = make(map[string]JobCounts, len(a.byKind))
		for k, c := range a.byKind {
			snap.ByKind[k] = *c
		}
	}
	if len(a.byWorker) > 0 {
		snap.ByWorker = make(map[string]JobCounts, len(a.byWorker))
		for k, c := range a.byWorker {
			snap.ByWorker[k] = *c
		}
	}
	snap.DispatchFailures = a.dispatchFails
	if len(a.dispatchByWorker) > 0 {
		snap.DispatchByWorker = make(map[string]int64, len(a.dispatchByWorker))
		for k, n := range a.dispatchByWorker {
			snap.DispatchByWorker[k] = n
		}
	}
	if len(a.samples) > 0 {
		sorted := append([]float64(nil), a.samples...)
		sort.Float64s(sorted)
		snap.Processing.P50 = percentile(sorted, 0.50)
		snap.Processing.P90 = percentile(sorted, 0.90)
		snap.Processing.P95 = percentile(sorted, 0.95)
		snap.Processing.P99 = percentile(sorted, 0.99)
	}
	if len(a.errors) > 0 {
		snap.RecentErrors = append([]ErrorRecord(nil), a.errors...)
	}
	return snap
}

// RecentErrors returns the bounded failure window, newest last.
func (a *Aggregator) RecentErrors() []ErrorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ErrorRecord(nil), a.errors...)
}

// percentile is nearest-rank over an ascending slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SaveTo writes the current snapshot as JSON, atomically: a sibling temp
// file is written first and renamed over the target.
func (a *Aggregator) SaveTo(path string) error {
	snap := a.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create metrics temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write metrics snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close metrics temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename metrics snapshot: %w", err)
	}
	return nil
}

// RunSaver writes a snapshot every interval until ctx ends, then attempts
// one final snapshot. Blocks; run it in a goroutine and cancel ctx after
// the scheduler drained so the last write sees final counts.
func (a *Aggregator) RunSaver(ctx context.Context, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := a.SaveTo(path); err != nil {
				a.logger.Error("final metrics snapshot failed", "path", path, "error", err)
			} else {
				a.logger.Info("final metrics snapshot written", "path", path)
			}
			return
		case <-ticker.C:
			if err := a.SaveTo(path); err != nil {
				a.logger.Error("metrics snapshot failed", "path", path, "error", err)
			} else {
				a.logger.Debug("metrics snapshot written", "path", path)
			}
		}
	}
}
