// Package fleet models the set of upstream workers: identity, per-worker
// concurrency slots, health state and dispatch selection.
package fleet

import (
	"sort"
	"sync/atomic"

	"github.com/signmaster-com/ComfyExpressMiddleware/breaker"
	"github.com/signmaster-com/ComfyExpressMiddleware/comfy"
)

// Worker is one upstream instance. The active counter tracks jobs currently
// executing against it and never exceeds the per-worker cap.
type Worker struct {
	ID   string
	Host string

	client  *comfy.Client
	breaker *breaker.Breaker
	maxJobs int64
	active  atomic.Int64
}

// NewWorker binds a worker identity to its REST client and breaker.
func NewWorker(id, host string, client *comfy.Client, br *breaker.Breaker, maxJobs int) *Worker {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Worker{
		ID:      id,
		Host:    host,
		client:  client,
		breaker: br,
		maxJobs: int64(maxJobs),
	}
}

// Client returns the worker's REST client.
func (w *Worker) Client() *comfy.Client { return w.client }

// Breaker returns the worker's circuit breaker.
func (w *Worker) Breaker() *breaker.Breaker { return w.breaker }

// Active returns the number of jobs currently executing on this worker.
func (w *Worker) Active() int {
	return int(w.active.Load())
}

// MaxJobs returns the per-worker concurrency cap.
func (w *Worker) MaxJobs() int { return int(w.maxJobs) }

// TryAcquireSlot claims one concurrency slot, refusing at the cap.
func (w *Worker) TryAcquireSlot() bool {
	for {
		cur := w.active.Load()
		if cur >= w.maxJobs {
			return false
		}
		if w.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseSlot returns a slot claimed with TryAcquireSlot.
func (w *Worker) ReleaseSlot() {
	w.active.Add(-1)
}

// Fleet is the fixed worker set, built once from configuration.
type Fleet struct {
	workers []*Worker
	byID    map[string]*Worker
}

// New builds a fleet. Worker order is preserved for stable iteration.
func New(workers ...*Worker) *Fleet {
	f := &Fleet{
		workers: workers,
		byID:    make(map[string]*Worker, len(workers)),
	}
	for _, w := range workers {
		f.byID[w.ID] = w
	}
	return f
}

// Workers returns the workers in registration order.
func (f *Fleet) Workers() []*Worker {
	out := make([]*Worker, len(f.workers))
	copy(out, f.workers)
	return out
}

// Get looks a worker up by id.
func (f *Fleet) Get(id string) (*Worker, bool) {
	w, ok := f.byID[id]
	return w, ok
}

// IDs returns the worker ids sorted.
func (f *Fleet) IDs() []string {
	ids := make([]string, 0, len(f.workers))
	for _, w := range f.workers {
		ids = append(ids, w.ID)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the number of workers.
func (f *Fleet) Size() int { return len(f.workers) }
