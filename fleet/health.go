package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChangeFunc is called when a worker's health flips. It runs outside the
// monitor lock.
type ChangeFunc func(workerID string, healthy bool, reason string)

// healthState is the cached probe result for one worker.
type healthState struct {
	healthy          bool
	lastProbe        time.Time
	consecutiveFails int
	lastError        string
}

// HealthState is a read-only copy of a worker's health for status surfaces.
type HealthState struct {
	Healthy          bool      `json:"healthy"`
	LastProbe        time.Time `json:"last_probe"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	LastError        string    `json:"last_error,omitempty"`
}

// HealthMonitor probes workers in the background and answers the scheduler's
// dispatch-time health questions from the cache, re-probing when stale.
type HealthMonitor struct {
	fleet *Fleet

	mu     sync.RWMutex
	states map[string]*healthState

	probeInterval        time.Duration
	dispatchProbeTimeout time.Duration
	bgProbeTimeout       time.Duration
	freshness            time.Duration
	failThreshold        int

	logger   *slog.Logger
	now      func() time.Time
	onChange ChangeFunc

	stop chan struct{}
	done chan struct{}
}

// MonitorOption configures a HealthMonitor.
type MonitorOption func(*HealthMonitor)

// WithProbeInterval sets the background probe cadence.
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) { m.probeInterval = d }
}

// WithProbeTimeouts sets the dispatch-time and background probe deadlines.
func WithProbeTimeouts(dispatch, background time.Duration) MonitorOption {
	return func(m *HealthMonitor) {
		m.dispatchProbeTimeout = dispatch
		m.bgProbeTimeout = background
	}
}

// WithFreshness sets how recent a healthy probe must be for dispatch to skip
// re-probing.
func WithFreshness(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) { m.freshness = d }
}

// WithFailThreshold sets how many consecutive probe failures flip a healthy
// worker to unhealthy.
func WithFailThreshold(n int) MonitorOption {
	return func(m *HealthMonitor) { m.failThreshold = n }
}

// WithMonitorLogger sets a custom logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *HealthMonitor) { m.logger = l }
}

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *HealthMonitor) { m.now = now }
}

// WithChangeFunc registers a callback for health flips.
func WithChangeFunc(fn ChangeFunc) MonitorOption {
	return func(m *HealthMonitor) { m.onChange = fn }
}

// NewHealthMonitor registers every fleet worker. Workers start unhealthy
// until their first successful probe.
func NewHealthMonitor(f *Fleet, opts ...MonitorOption) *HealthMonitor {
	m := &HealthMonitor{
		fleet:                f,
		states:               make(map[string]*healthState, f.Size()),
		probeInterval:        30 * time.Second,
		dispatchProbeTimeout: 2 * time.Second,
		bgProbeTimeout:       5 * time.Second,
		freshness:            2 * time.Second,
		failThreshold:        3,
		logger:               slog.Default(),
		now:                  time.Now,
		stop:                 make(chan struct{}),
		done:                 make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	for _, w := range f.Workers() {
		m.states[w.ID] = &healthState{}
	}
	return m
}

// Start probes every worker once, then keeps probing on the configured
// interval until Stop or context cancellation.
func (m *HealthMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	m.probeAll(ctx)

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// Stop halts the background loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

// probeAll probes workers concurrently so one slow worker cannot delay the
// others past the tick.
func (m *HealthMonitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range m.fleet.Workers() {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			m.Probe(ctx, w, m.bgProbeTimeout)
		}(w)
	}
	wg.Wait()
}

// Probe issues one stats call with the given deadline and folds the result
// into the cached state. Returns whether the worker answered.
func (m *HealthMonitor) Probe(ctx context.Context, w *Worker, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	err := w.Client().SystemStats(probeCtx)
	cancel()

	if err != nil {
		m.recordProbeFailure(w.ID, err)
		return false
	}
	m.recordProbeSuccess(w.ID)
	return true
}

func (m *HealthMonitor) recordProbeSuccess(id string) {
	m.mu.Lock()
	s := m.states[id]
	if s == nil {
		m.mu.Unlock()
		return
	}
	flipped := !s.healthy
	s.healthy = true
	s.consecutiveFails = 0
	s.lastError = ""
	s.lastProbe = m.now()
	m.mu.Unlock()

	if flipped {
		m.logger.Info("worker healthy", "worker", id)
		m.emitChange(id, true, "probe succeeded")
	}
}

func (m *HealthMonitor) recordProbeFailure(id string, err error) {
	m.mu.Lock()
	s := m.states[id]
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.consecutiveFails++
	s.lastError = err.Error()
	s.lastProbe = m.now()
	flipped := s.healthy && s.consecutiveFails >= m.failThreshold
	if flipped {
		s.healthy = false
	}
	fails := s.consecutiveFails
	m.mu.Unlock()

	m.logger.Debug("worker probe failed", "worker", id, "consecutive", fails, "error", err)
	if flipped {
		m.logger.Warn("worker unhealthy", "worker", id, "consecutive_failures", fails, "error", err)
		m.emitChange(id, false, err.Error())
	}
}

// MarkUnhealthy flips a worker unhealthy immediately. The execution path
// calls this on transport-class failures without waiting for probes.
func (m *HealthMonitor) MarkUnhealthy(id, reason string) {
	m.mu.Lock()
	s := m.states[id]
	if s == nil {
		m.mu.Unlock()
		return
	}
	flipped := s.healthy
	s.healthy = false
	s.lastError = reason
	if s.consecutiveFails < m.failThreshold {
		s.consecutiveFails = m.failThreshold
	}
	m.mu.Unlock()

	if flipped {
		m.logger.Warn("worker marked unhealthy", "worker", id, "reason", reason)
		m.emitChange(id, false, reason)
	}
}

// IsHealthy returns the cached health flag.
func (m *HealthMonitor) IsHealthy(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.states[id]
	return s != nil && s.healthy
}

// BeforeDispatch is the real-time gate used while picking a worker: a fresh
// healthy cache answers immediately, anything else costs one short probe.
func (m *HealthMonitor) BeforeDispatch(ctx context.Context, w *Worker) bool {
	m.mu.RLock()
	s := m.states[w.ID]
	fresh := s != nil && s.healthy && m.now().Sub(s.lastProbe) < m.freshness
	m.mu.RUnlock()

	if fresh {
		return true
	}
	return m.Probe(ctx, w, m.dispatchProbeTimeout)
}

// HealthyCount returns how many workers are currently healthy.
func (m *HealthMonitor) HealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.states {
		if s.healthy {
			n++
		}
	}
	return n
}

// States returns a copy of every worker's health for status surfaces.
func (m *HealthMonitor) States() map[string]HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthState, len(m.states))
	for id, s := range m.states {
		out[id] = HealthState{
			Healthy:          s.healthy,
			LastProbe:        s.lastProbe,
			ConsecutiveFails: s.consecutiveFails,
			LastError:        s.lastError,
		}
	}
	return out
}

func (m *HealthMonitor) emitChange(id string, healthy bool, reason string) {
	if m.onChange == nil {
		return
	}
	m.onChange(id, healthy, reason)
}
