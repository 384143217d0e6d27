package fleet

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestHealthMonitor_ProbeLifecycle(t *testing.T) {
	s := newFakeWorkerServer(t)
	w := newTestWorker(t, "worker-1", s.host(), 2)
	f := New(w)
	m := monitorForTest(f)

	if m.IsHealthy("worker-1") {
		t.Error("worker healthy before any probe")
	}
	if !m.Probe(context.Background(), w, time.Second) {
		t.Fatal("probe against live server failed")
	}
	if !m.IsHealthy("worker-1") {
		t.Error("worker not healthy after successful probe")
	}

	// Three consecutive failures flip the worker; the first two do not.
	s.srv.Close()
	for i := 1; i <= 2; i++ {
		m.Probe(context.Background(), w, 200*time.Millisecond)
		if !m.IsHealthy("worker-1") {
			t.Fatalf("worker flipped unhealthy after %d failures", i)
		}
	}
	m.Probe(context.Background(), w, 200*time.Millisecond)
	if m.IsHealthy("worker-1") {
		t.Error("worker still healthy after three consecutive probe failures")
	}
}

func TestHealthMonitor_MarkUnhealthy(t *testing.T) {
	s := newFakeWorkerServer(t)
	w := newTestWorker(t, "worker-1", s.host(), 2)
	f := New(w)
	m := monitorForTest(f)

	m.Probe(context.Background(), w, time.Second)
	m.MarkUnhealthy("worker-1", "connection refused during submit")
	if m.IsHealthy("worker-1") {
		t.Error("worker healthy after MarkUnhealthy")
	}

	// A later successful probe restores the worker.
	m.Probe(context.Background(), w, time.Second)
	if !m.IsHealthy("worker-1") {
		t.Error("worker not restored by successful probe")
	}
}

func TestHealthMonitor_BeforeDispatchUsesFreshCache(t *testing.T) {
	now := time.Now()
	s := newFakeWorkerServer(t)
	w := newTestWorker(t, "worker-1", s.host(), 2)
	f := New(w)
	m := monitorForTest(f, WithMonitorClock(func() time.Time { return now }))

	m.Probe(context.Background(), w, time.Second)
	before := s.hitCount()

	if !m.BeforeDispatch(context.Background(), w) {
		t.Fatal("BeforeDispatch refused a fresh healthy worker")
	}
	if s.hitCount() != before {
		t.Error("BeforeDispatch probed despite fresh cache")
	}

	now = now.Add(5 * time.Second)
	if !m.BeforeDispatch(context.Background(), w) {
		t.Fatal("BeforeDispatch refused after re-probe")
	}
	if s.hitCount() != before+1 {
		t.Error("BeforeDispatch did not re-probe a stale cache")
	}
}

func TestHealthMonitor_BackgroundLoop(t *testing.T) {
	s := newFakeWorkerServer(t)
	w := newTestWorker(t, "worker-1", s.host(), 2)
	f := New(w)
	m := monitorForTest(f, WithProbeInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for !m.IsHealthy("worker-1") {
		select {
		case <-deadline:
			t.Fatal("background loop never marked the worker healthy")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if m.HealthyCount() != 1 {
		t.Errorf("healthy count = %d, want 1", m.HealthyCount())
	}

	states := m.States()
	st, ok := states["worker-1"]
	if !ok || !st.Healthy || st.LastProbe.IsZero() {
		t.Errorf("state snapshot = %+v", st)
	}
}

func TestHealthMonitor_ChangeCallback(t *testing.T) {
	s := newFakeWorkerServer(t)
	w := newTestWorker(t, "worker-1", s.host(), 2)
	f := New(w)

	var mu sync.Mutex
	var flips []bool
	m := monitorForTest(f, WithChangeFunc(func(id string, healthy bool, reason string) {
		mu.Lock()
		flips = append(flips, healthy)
		mu.Unlock()
	}))

	m.Probe(context.Background(), w, time.Second)
	m.MarkUnhealthy("worker-1", "transport failure")
	m.MarkUnhealthy("worker-1", "transport failure")
	m.Probe(context.Background(), w, time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if len(flips) != len(want) {
		t.Fatalf("flips = %v, want %v (one event per flip)", flips, want)
	}
	for i := range want {
		if flips[i] != want[i] {
			t.Errorf("flip[%d] = %v, want %v", i, flips[i], want[i])
		}
	}
}
