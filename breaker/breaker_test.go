package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	b := New("w1",
		WithFailureThreshold(3),
		WithResetTimeout(15*time.Second),
		WithClock(clock),
	)

	if b.State() != StateClosed {
		t.Fatal("expected closed")
	}

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatal("expected closed before threshold")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open after 3 failures")
	}

	var oe *ErrOpen
	if err := b.Allow(); !errors.As(err, &oe) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	wantRetry := now.Add(15 * time.Second)
	if !oe.RetryAt.Equal(wantRetry) {
		t.Fatalf("retry at: got %v, want %v", oe.RetryAt, wantRetry)
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := New("w1", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("success must reset the consecutive count")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open after 3 consecutive failures")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	b := New("w1",
		WithFailureThreshold(1),
		WithResetTimeout(15*time.Second),
		WithSuccessThreshold(2),
		WithClock(clock),
	)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	now = now.Add(14 * time.Second)
	if b.State() != StateOpen {
		t.Fatal("expected still open before reset timeout")
	}

	now = now.Add(1 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatal("expected half-open after reset timeout")
	}

	// Two successes close it.
	if err := b.Allow(); err != nil {
		t.Fatalf("first trial should be admitted: %v", err)
	}
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatal("one success should not close yet")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second trial should be admitted: %v", err)
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatal("expected closed after success threshold")
	}
}

func TestBreaker_HalfOpenSingleAdmission(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	b := New("w1", WithFailureThreshold(1), WithResetTimeout(time.Second), WithClock(clock))

	b.RecordFailure()
	now = now.Add(2 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("first caller should be admitted: %v", err)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("second caller must be rejected while trial is in flight")
	}

	// Outcome releases the slot.
	b.RecordSuccess()
	if err := b.Allow(); err != nil {
		t.Fatalf("next caller should be admitted after outcome: %v", err)
	}
}

func TestBreaker_ResetTimeoutGrowsAndRestores(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	b := New("w1",
		WithFailureThreshold(1),
		WithSuccessThreshold(1),
		WithResetTimeout(10*time.Second),
		WithMaxResetTimeout(20*time.Second),
		WithClock(clock),
	)

	b.RecordFailure()
	if got := b.Snapshot().CurrentResetSeconds; got != 10 {
		t.Fatalf("first open reset: got %v", got)
	}

	// Fail the trial: 10s * 1.5 = 15s.
	now = now.Add(10 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial admission: %v", err)
	}
	b.RecordFailure()
	if got := b.Snapshot().CurrentResetSeconds; got != 15 {
		t.Fatalf("grown reset: got %v", got)
	}

	// Fail again: 15s * 1.5 = 22.5s, capped at 20s.
	now = now.Add(15 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial admission: %v", err)
	}
	b.RecordFailure()
	if got := b.Snapshot().CurrentResetSeconds; got != 20 {
		t.Fatalf("capped reset: got %v", got)
	}

	// Close restores the base value.
	now = now.Add(20 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial admission: %v", err)
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatal("expected closed")
	}
	if got := b.Snapshot().CurrentResetSeconds; got != 10 {
		t.Fatalf("reset after close: got %v", got)
	}
}

func TestBreaker_WindowErrorRateTrips(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	b := New("w1",
		WithFailureThreshold(100), // keep the consecutive rule out of the way
		WithWindow(60*time.Second, 10, 50),
		WithClock(clock),
	)

	// 5 failures, 4 successes interleaved: 9 samples, below volume.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		b.RecordSuccess()
	}
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("below volume threshold must not trip")
	}

	// Tenth sample: 6 failures / 10 samples = 60% > 50%.
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open on window error rate, got %v", b.State())
	}
}

func TestBreaker_WindowExpiresOldSamples(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	b := New("w1",
		WithFailureThreshold(100),
		WithWindow(60*time.Second, 10, 50),
		WithClock(clock),
	)

	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	// Move past the window: old samples must not count toward volume.
	now = now.Add(61 * time.Second)
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("expired samples must not trip the breaker")
	}
	if got := b.Snapshot().WindowSamples; got != 1 {
		t.Fatalf("window samples: got %d, want 1", got)
	}
}

func TestBreaker_ForceOpenAndClose(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	var events []string
	b := New("w1",
		WithResetTimeout(time.Second),
		WithClock(clock),
		WithTransitionFunc(func(name string, from, to State, reason string) {
			events = append(events, from.String()+"->"+to.String())
		}),
	)

	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}
	if err := b.Allow(); err == nil {
		t.Fatal("forced open must reject")
	}

	// Forced open ignores the reset timeout.
	now = now.Add(time.Minute)
	if b.State() != StateOpen {
		t.Fatal("forced open must not auto half-open")
	}

	b.ForceClose()
	if b.State() != StateClosed {
		t.Fatal("expected closed")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed must admit: %v", err)
	}

	want := []string{"CLOSED->OPEN", "OPEN->CLOSED"}
	if len(events) != len(want) {
		t.Fatalf("transition events: got %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("transition %d: got %q, want %q", i, events[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	b := New("w1", WithFailureThreshold(1), WithResetTimeout(50*time.Millisecond), WithClock(clock))

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	now = now.Add(100 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatal("expected half-open")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected re-open after failure in half-open")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(New("w2"))
	r.Register(New("w1"))

	if _, ok := r.Get("w1"); !ok {
		t.Fatal("w1 not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("missing should not resolve")
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots: got %d", len(snaps))
	}
	if snaps[0].Name != "w1" || snaps[1].Name != "w2" {
		t.Fatalf("snapshot order: got %s, %s", snaps[0].Name, snaps[1].Name)
	}
	if snaps[0].State != "CLOSED" {
		t.Fatalf("state: got %s", snaps[0].State)
	}
}
