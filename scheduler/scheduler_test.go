package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signmaster-com/ComfyExpressMiddleware/breaker"
	"github.com/signmaster-com/ComfyExpressMiddleware/comfy"
	"github.com/signmaster-com/ComfyExpressMiddleware/fleet"
	"github.com/signmaster-com/ComfyExpressMiddleware/jobs"
	"github.com/signmaster-com/ComfyExpressMiddleware/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// steppingClock hands out strictly increasing timestamps so pending-list
// ordering is deterministic.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

// fakeRunner records dispatches and optionally blocks until released or the
// context ends, then runs the outcome hook.
type fakeRunner struct {
	mu       sync.Mutex
	started  []string
	byWorker map[string][]string
	block    chan struct{}
	outcome  func(job jobs.Job, w *fleet.Worker)

	cancelled atomic.Int64
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{byWorker: make(map[string][]string)}
}

func (r *fakeRunner) Run(ctx context.Context, job jobs.Job, w *fleet.Worker) {
	r.mu.Lock()
	r.started = append(r.started, job.ID)
	r.byWorker[w.ID] = append(r.byWorker[w.ID], job.ID)
	block := r.block
	outcome := r.outcome
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			r.cancelled.Add(1)
			return
		}
	}
	if outcome != nil {
		outcome(job, w)
	}
}

func (r *fakeRunner) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func (r *fakeRunner) workerCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byWorker[id])
}

func statsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "{}")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func namedBreakers(n int) []*breaker.Breaker {
	out := make([]*breaker.Breaker, n)
	for i := range out {
		out[i] = breaker.New(fmt.Sprintf("worker-%d", i+1))
	}
	return out
}

type schedFixture struct {
	registry *jobs.Registry
	monitor  *fleet.HealthMonitor
	workers  []*fleet.Worker
	runner   *fakeRunner
	sched    *Scheduler
}

func newSchedFixture(t *testing.T, brs []*breaker.Breaker, maxPerWorker int, opts ...Option) *schedFixture {
	t.Helper()
	logger := testLogger()
	srv := statsServer(t)
	host := srv.Listener.Addr().String()

	workers := make([]*fleet.Worker, len(brs))
	for i, br := range brs {
		id := fmt.Sprintf("worker-%d", i+1)
		workers[i] = fleet.NewWorker(id, host, comfy.NewClient("http", host, time.Second, logger), br, maxPerWorker)
	}
	flt := fleet.New(workers...)
	monitor := fleet.NewHealthMonitor(flt,
		fleet.WithMonitorLogger(logger),
		fleet.WithFreshness(time.Hour))
	registry := jobs.NewRegistry(
		jobs.WithLogger(logger),
		jobs.WithClock(steppingClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))))
	t.Cleanup(registry.Close)
	runner := newFakeRunner()

	base := []Option{
		WithLogger(logger),
		WithTick(10 * time.Millisecond),
		WithShutdownGrace(200 * time.Millisecond),
	}
	sched := New(registry, fleet.NewBalancer(flt, monitor, logger), runner, append(base, opts...)...)
	t.Cleanup(sched.Stop)

	return &schedFixture{registry: registry, monitor: monitor, workers: workers, runner: runner, sched: sched}
}

// warmHealth marks every worker healthy with a fresh probe so dispatch never
// re-probes during the test.
func (fx *schedFixture) warmHealth(t *testing.T) {
	t.Helper()
	for _, w := range fx.workers {
		if !fx.monitor.Probe(context.Background(), w, time.Second) {
			t.Fatalf("warm-up probe failed for %s", w.ID)
		}
	}
}

func (fx *schedFixture) createJob(t *testing.T) string {
	t.Helper()
	job := fx.registry.Create(workflow.KindRemoveBackground, jobs.Input{Image: "aGk=", Format: workflow.FormatPNG})
	return job.ID
}

func TestScheduler_DistributesLeastLoaded(t *testing.T) {
	fx := newSchedFixture(t, namedBreakers(2), 2, WithMaxConcurrent(4))
	fx.warmHealth(t)
	fx.runner.block = make(chan struct{})

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = fx.createJob(t)
	}

	fx.sched.Start(context.Background())
	waitFor(t, "4 jobs in flight", func() bool { return fx.sched.InFlight() == 4 })

	if a, b := fx.workers[0].Active(), fx.workers[1].Active(); a != 2 || b != 2 {
		t.Fatalf("active = %d/%d, want 2/2", a, b)
	}
	for i, id := range ids {
		job, err := fx.registry.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.State != jobs.StateProcessing {
			t.Fatalf("job %d state = %s, want processing", i+1, job.State)
		}
		want := "worker-1"
		if i%2 == 1 {
			want = "worker-2"
		}
		if job.AssignedWorker != want {
			t.Errorf("job %d assigned to %s, want %s", i+1, job.AssignedWorker, want)
		}
	}

	close(fx.runner.block)
	waitFor(t, "drain", func() bool { return fx.sched.InFlight() == 0 })
	if a, b := fx.workers[0].Active(), fx.workers[1].Active(); a != 0 || b != 0 {
		t.Fatalf("slots not released: %d/%d", a, b)
	}
}

func TestScheduler_EnforcesGlobalCap(t *testing.T) {
	fx := newSchedFixture(t, namedBreakers(1), 10, WithMaxConcurrent(2))
	fx.warmHealth(t)
	fx.runner.block = make(chan struct{})

	for i := 0; i < 5; i++ {
		fx.createJob(t)
	}
	fx.sched.Start(context.Background())
	waitFor(t, "2 jobs in flight", func() bool { return fx.sched.InFlight() == 2 })

	// Several ticks later the cap still holds.
	time.Sleep(50 * time.Millisecond)
	if n := fx.sched.InFlight(); n != 2 {
		t.Fatalf("in flight = %d, want 2", n)
	}
	if n := len(fx.registry.ListByState(jobs.StatePending)); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}

	close(fx.runner.block)
	waitFor(t, "all jobs run", func() bool {
		return fx.runner.startedCount() == 5 && fx.sched.InFlight() == 0
	})
}

func TestScheduler_LeavesJobsPendingWithoutHealthyWorkers(t *testing.T) {
	fx := newSchedFixture(t, namedBreakers(1), 2)
	// No warm-up: the worker stays unhealthy.
	id := fx.createJob(t)

	fx.sched.Start(context.Background())
	time.Sleep(60 * time.Millisecond)

	job, err := fx.registry.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != jobs.StatePending {
		t.Fatalf("state = %s, want pending", job.State)
	}
	if n := fx.runner.startedCount(); n != 0 {
		t.Fatalf("runner started %d jobs, want 0", n)
	}
}

func TestScheduler_SkipsOpenBreaker(t *testing.T) {
	brs := namedBreakers(2)
	brs[0].ForceOpen()
	fx := newSchedFixture(t, brs, 2, WithMaxConcurrent(4))
	fx.warmHealth(t)
	fx.runner.block = make(chan struct{})

	ids := []string{fx.createJob(t), fx.createJob(t)}
	fx.sched.Start(context.Background())
	waitFor(t, "2 jobs in flight", func() bool { return fx.sched.InFlight() == 2 })

	for _, id := range ids {
		job, _ := fx.registry.Get(id)
		if job.AssignedWorker != "worker-2" {
			t.Fatalf("job %s assigned to %s, want worker-2", id, job.AssignedWorker)
		}
	}
	close(fx.runner.block)
}

func TestScheduler_HalfOpenAdmitsSingleTrial(t *testing.T) {
	var clockMu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}
	br := breaker.New("worker-1", breaker.WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}))
	br.RecordFailure()
	br.RecordFailure()
	br.RecordFailure()
	if st := br.State(); st != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", st)
	}

	fx := newSchedFixture(t, []*breaker.Breaker{br}, 2, WithMaxConcurrent(4))
	fx.warmHealth(t)
	fx.runner.block = make(chan struct{})
	fx.runner.outcome = func(job jobs.Job, w *fleet.Worker) {
		w.Breaker().RecordSuccess()
	}

	fx.createJob(t)
	fx.createJob(t)
	fx.sched.Start(context.Background())

	// While open nothing dispatches.
	time.Sleep(40 * time.Millisecond)
	if n := fx.runner.startedCount(); n != 0 {
		t.Fatalf("dispatched %d jobs through an open breaker", n)
	}

	advance(16 * time.Second)
	waitFor(t, "single trial dispatch", func() bool { return fx.runner.startedCount() == 1 })

	// One admission at a time while the trial is in flight.
	time.Sleep(40 * time.Millisecond)
	if n := fx.runner.startedCount(); n != 1 {
		t.Fatalf("half-open admitted %d concurrent trials", n)
	}

	close(fx.runner.block)
	waitFor(t, "second trial closes breaker", func() bool {
		return fx.runner.startedCount() == 2 && br.State() == breaker.StateClosed
	})
}

func TestScheduler_StopDrainsInFlight(t *testing.T) {
	fx := newSchedFixture(t, namedBreakers(1), 2, WithShutdownGrace(5*time.Second))
	fx.warmHealth(t)
	fx.runner.block = make(chan struct{})

	fx.createJob(t)
	fx.sched.Start(context.Background())
	waitFor(t, "job in flight", func() bool { return fx.sched.InFlight() == 1 })

	stopped := make(chan struct{})
	go func() {
		fx.sched.Stop()
		close(stopped)
	}()
	waitFor(t, "intake halted", func() bool { return !fx.sched.Running() })

	// Stop keeps waiting while the job runs inside the grace window.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stop returned before the in-flight job finished")
	default:
	}

	close(fx.runner.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after drain")
	}
	if n := fx.runner.cancelled.Load(); n != 0 {
		t.Fatalf("%d jobs were cancelled during a clean drain", n)
	}
}

func TestScheduler_StopCancelsAfterGrace(t *testing.T) {
	fx := newSchedFixture(t, namedBreakers(1), 2, WithShutdownGrace(50*time.Millisecond))
	fx.warmHealth(t)
	fx.runner.block = make(chan struct{}) // never released

	fx.createJob(t)
	fx.sched.Start(context.Background())
	waitFor(t, "job in flight", func() bool { return fx.sched.InFlight() == 1 })

	start := time.Now()
	fx.sched.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %s despite 50ms grace", elapsed)
	}
	if n := fx.runner.cancelled.Load(); n != 1 {
		t.Fatalf("cancelled = %d, want 1", n)
	}
	if n := fx.sched.InFlight(); n != 0 {
		t.Fatalf("in flight = %d after stop", n)
	}
}

func TestScheduler_RunningFlag(t *testing.T) {
	fx := newSchedFixture(t, namedBreakers(1), 2)
	if fx.sched.Running() {
		t.Fatal("running before start")
	}
	fx.sched.Start(context.Background())
	if !fx.sched.Running() {
		t.Fatal("not running after start")
	}
	fx.sched.Stop()
	if fx.sched.Running() {
		t.Fatal("running after stop")
	}

	// Stop without Start is a no-op.
	idle := New(fx.registry, nil, fx.runner)
	idle.Stop()
}
