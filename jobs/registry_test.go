package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signmaster-com/ComfyExpressMiddleware/workflow"
)

func testRegistry(opts ...Option) *Registry {
	base := []Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	return NewRegistry(append(base, opts...)...)
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{Image: "QUJD", Format: workflow.FormatPNG})
	if !strings.HasPrefix(j.ID, "job_") {
		t.Errorf("id = %q, want job_ prefix", j.ID)
	}
	if j.State != StatePending {
		t.Errorf("state = %s, want pending", j.State)
	}
	if !strings.HasPrefix(j.Fingerprint, j.ID+"_") {
		t.Errorf("fingerprint = %q, want derived from id", j.Fingerprint)
	}

	got, err := r.Get(j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != j.ID || got.Input.Image != "QUJD" {
		t.Errorf("Get returned %+v", got)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	_, err := r.Get("job_missing")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if nf.ID != "job_missing" {
		t.Errorf("ErrNotFound.ID = %q", nf.ID)
	}
}

func TestRegistry_ClaimLifecycle(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	j := r.Create(workflow.KindUpscaleImage, Input{})
	claimed, err := r.Claim(j.ID, "worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.State != StateProcessing || claimed.AssignedWorker != "worker-1" {
		t.Errorf("claimed = %+v", claimed)
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt not set on claim")
	}

	if _, err := r.Claim(j.ID, "worker-2"); err == nil {
		t.Fatal("second claim accepted")
	}

	if err := r.RecordSubmission(j.ID, "p-1"); err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}

	if err := r.Complete(j.ID, Result{DataURL: "data:image/png;base64,AA==", Filename: "out.png", ContentType: "image/png"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := r.Get(j.ID)
	if err != nil {
		t.Fatalf("Get after complete: %v", err)
	}
	if got.State != StateCompleted || got.Result == nil || got.SubmissionID != "p-1" {
		t.Errorf("completed job = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	var bt *ErrBadTransition
	if err := r.Complete(j.ID, Result{}); !errors.As(err, &bt) {
		t.Errorf("re-complete error = %v, want ErrBadTransition", err)
	}
}

func TestRegistry_FailRequiresProcessing(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{})
	var bt *ErrBadTransition
	if err := r.Fail(j.ID, "transport", "boom"); !errors.As(err, &bt) {
		t.Fatalf("Fail on pending = %v, want ErrBadTransition", err)
	}

	if _, err := r.Claim(j.ID, "worker-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := r.Fail(j.ID, "transport", "connection refused"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := r.Get(j.ID)
	if got.State != StateFailed || got.ErrorKind != "transport" || got.Error != "connection refused" {
		t.Errorf("failed job = %+v", got)
	}
	if got.Result != nil {
		t.Error("failed job carries a result")
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{})
	r.Claim(j.ID, "worker-1")
	r.Complete(j.ID, Result{DataURL: "data:image/png;base64,AA==", Filename: "a.png"})

	snap, _ := r.Get(j.ID)
	snap.Result.Filename = "tampered.png"
	snap.Error = "tampered"

	again, _ := r.Get(j.ID)
	if again.Result.Filename != "a.png" || again.Error != "" {
		t.Errorf("registry state mutated through snapshot: %+v", again)
	}
}

func TestRegistry_DeleteIdempotent(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{})
	if !r.Delete(j.ID) {
		t.Error("first delete reported missing entry")
	}
	if r.Delete(j.ID) {
		t.Error("second delete reported an entry")
	}
	if _, err := r.Get(j.ID); err == nil {
		t.Error("job readable after delete")
	}
}

func TestRegistry_Cleanup(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	a := r.Create(workflow.KindRemoveBackground, Input{})
	b := r.Create(workflow.KindUpscaleImage, Input{})
	c := r.Create(workflow.KindUpscaleImage, Input{})
	r.Claim(a.ID, "worker-1")
	r.Complete(a.ID, Result{})
	r.Claim(b.ID, "worker-1")
	r.Fail(b.ID, "timeout", "execution timed out")

	if n := r.Cleanup(); n != 2 {
		t.Errorf("Cleanup = %d, want 2", n)
	}
	if _, err := r.Get(c.ID); err != nil {
		t.Errorf("pending job evicted by cleanup: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_ListOrderAndFilters(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
	r := testRegistry(WithClock(clock))
	defer r.Close()

	first := r.Create(workflow.KindRemoveBackground, Input{})
	second := r.Create(workflow.KindUpscaleImage, Input{})
	third := r.Create(workflow.KindRemoveBackground, Input{})
	r.Claim(second.ID, "worker-2")

	pending := r.ListByState(StatePending)
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != third.ID {
		t.Errorf("pending order = %v", idsOf(pending))
	}

	byKind := r.List(Filter{Kind: workflow.KindUpscaleImage})
	if len(byKind) != 1 || byKind[0].ID != second.ID {
		t.Errorf("kind filter = %v", idsOf(byKind))
	}

	byWorker := r.List(Filter{Worker: "worker-2"})
	if len(byWorker) != 1 || byWorker[0].ID != second.ID {
		t.Errorf("worker filter = %v", idsOf(byWorker))
	}
}

func idsOf(list []Job) []string {
	out := make([]string, len(list))
	for i, j := range list {
		out[i] = j.ID
	}
	return out
}

func TestRegistry_Stats(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	a := r.Create(workflow.KindRemoveBackground, Input{})
	r.Create(workflow.KindRemoveBackground, Input{})
	r.Claim(a.ID, "worker-1")

	s := r.Stats()
	if s.Total != 2 {
		t.Errorf("total = %d, want 2", s.Total)
	}
	if s.ByState["pending"] != 1 || s.ByState["processing"] != 1 {
		t.Errorf("by state = %v", s.ByState)
	}
	if s.ByKind["remove-background"] != 2 {
		t.Errorf("by kind = %v", s.ByKind)
	}
	if s.ByWorker["worker-1"] != 1 {
		t.Errorf("by worker = %v", s.ByWorker)
	}
}

func TestRegistry_WaitForCompletion(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Claim(j.ID, "worker-1")
		r.Complete(j.ID, Result{Filename: "done.png"})
	}()

	got, err := r.Wait(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.State != StateCompleted || got.Result == nil {
		t.Errorf("Wait returned %+v", got)
	}
}

func TestRegistry_WaitContextCancelled(t *testing.T) {
	r := testRegistry()
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Wait(ctx, j.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want deadline exceeded", err)
	}
}

func TestRegistry_TerminalRetentionEviction(t *testing.T) {
	r := testRegistry(WithTerminalRetention(40 * time.Millisecond))
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{})
	r.Claim(j.ID, "worker-1")
	r.Complete(j.ID, Result{Filename: "out.png"})

	if _, err := r.Get(j.ID); err != nil {
		t.Fatalf("job unreadable inside retention window: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := r.Get(j.ID); err == nil {
		t.Error("job still readable after retention window")
	}
}

func TestRegistry_StuckEviction(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	r := testRegistry(
		WithJobTimeout(40*time.Millisecond),
		WithEvictionFunc(func(j Job, reason string) {
			mu.Lock()
			evicted = append(evicted, j.ID+":"+reason)
			mu.Unlock()
		}),
	)
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{})
	time.Sleep(150 * time.Millisecond)

	if _, err := r.Get(j.ID); err == nil {
		t.Error("stuck job still present past job timeout")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != j.ID+":stuck" {
		t.Errorf("eviction callbacks = %v", evicted)
	}
}

func TestRegistry_CompletionCancelsStuckEviction(t *testing.T) {
	r := testRegistry(
		WithJobTimeout(40*time.Millisecond),
		WithTerminalRetention(time.Minute),
	)
	defer r.Close()

	j := r.Create(workflow.KindRemoveBackground, Input{})
	r.Claim(j.ID, "worker-1")
	r.Complete(j.ID, Result{})

	time.Sleep(120 * time.Millisecond)
	got, err := r.Get(j.ID)
	if err != nil {
		t.Fatalf("completed job evicted by stale stuck timer: %v", err)
	}
	if got.State != StateCompleted {
		t.Errorf("state = %s", got.State)
	}
}
