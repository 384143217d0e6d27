package fleet

import (
	"context"
	"log/slog"
	"sort"

	"github.com/signmaster-com/ComfyExpressMiddleware/breaker"
)

// DispatchFailureFunc observes candidates that fail the dispatch-time
// health gate. It runs on the dispatch path; keep it cheap.
type DispatchFailureFunc func(workerID, reason string)

// Balancer picks the least-loaded dispatchable worker. A worker is a
// candidate when its cached health is good, it has a free concurrency slot
// and its breaker is not open. Half-open breakers stay in rotation so trial
// executions can close them.
type Balancer struct {
	fleet             *Fleet
	monitor           *HealthMonitor
	logger            *slog.Logger
	onDispatchFailure DispatchFailureFunc
}

// BalancerOption configures a Balancer.
type BalancerOption func(*Balancer)

// WithDispatchFailureFunc registers a callback for dispatch-gate failures.
// Wired to the metrics aggregator at startup.
func WithDispatchFailureFunc(fn DispatchFailureFunc) BalancerOption {
	return func(b *Balancer) { b.onDispatchFailure = fn }
}

// NewBalancer builds a balancer over the fleet and its health monitor.
func NewBalancer(f *Fleet, m *HealthMonitor, logger *slog.Logger, opts ...BalancerOption) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Balancer{fleet: f, monitor: m, logger: logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Pick returns the best worker for one job, or ErrNoWorker when none can
// accept work right now. Candidates are ordered by active job count with the
// worker id as tie-break, and each is gated through a dispatch-time health
// check before being returned.
func (b *Balancer) Pick(ctx context.Context) (*Worker, error) {
	var candidates []*Worker
	for _, w := range b.fleet.Workers() {
		if !b.monitor.IsHealthy(w.ID) {
			continue
		}
		if w.Active() >= w.MaxJobs() {
			continue
		}
		if w.Breaker() != nil && w.Breaker().State() == breaker.StateOpen {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil, &ErrNoWorker{}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].Active(), candidates[j].Active()
		if ai == aj {
			return candidates[i].ID < candidates[j].ID
		}
		return ai < aj
	})

	for _, w := range candidates {
		if b.monitor.BeforeDispatch(ctx, w) {
			return w, nil
		}
		b.logger.Debug("dispatch probe failed, trying next worker", "worker", w.ID)
		if b.onDispatchFailure != nil {
			reason := "dispatch probe failed"
			if st, ok := b.monitor.States()[w.ID]; ok && st.LastError != "" {
				reason = st.LastError
			}
			b.onDispatchFailure(w.ID, reason)
		}
	}
	return nil, &ErrNoWorker{}
}
