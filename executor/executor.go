// Package executor drives one claimed job against one worker: graph
// preparation, stream acquisition, submission, event monitoring, result
// retrieval and the final registry commit.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/signmaster-com/ComfyExpressMiddleware/comfy"
	"github.com/signmaster-com/ComfyExpressMiddleware/fleet"
	"github.com/signmaster-com/ComfyExpressMiddleware/jobs"
	"github.com/signmaster-com/ComfyExpressMiddleware/metrics"
	"github.com/signmaster-com/ComfyExpressMiddleware/observability"
	"github.com/signmaster-com/ComfyExpressMiddleware/workflow"
	"github.com/signmaster-com/ComfyExpressMiddleware/wspool"
)

const (
	defaultExecutionTimeout = 60 * time.Second
	defaultSettleDelay      = time.Second
)

// Option configures an Executor.
type Option func(*Executor)

// WithExecutionTimeout bounds the wait for a completion signal, measured
// from stream acquisition.
func WithExecutionTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.executionTimeout = d
		}
	}
}

// WithSettleDelay sets the pause between the completion signal and the
// history fetch.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.settleDelay = d
		}
	}
}

// WithOutputDir enables the disk sink rooted at dir.
func WithOutputDir(dir string) Option {
	return func(e *Executor) {
		e.outputDir = dir
	}
}

// WithMetrics wires outcome counters.
func WithMetrics(agg *metrics.Aggregator) Option {
	return func(e *Executor) {
		e.agg = agg
	}
}

// WithEvents wires the telemetry event store.
func WithEvents(events *observability.EventLogger) Option {
	return func(e *Executor) {
		e.events = events
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor runs execution attempts. One instance serves all workers; state
// lives in the registry, fleet and pools it is handed.
type Executor struct {
	registry *jobs.Registry
	pools    *wspool.Manager
	monitor  *fleet.HealthMonitor

	executionTimeout time.Duration
	settleDelay      time.Duration
	outputDir        string

	agg    *metrics.Aggregator
	events *observability.EventLogger
	logger *slog.Logger
}

// New builds an executor over the shared components.
func New(registry *jobs.Registry, pools *wspool.Manager, monitor *fleet.HealthMonitor, opts ...Option) *Executor {
	e := &Executor{
		registry:         registry,
		pools:            pools,
		monitor:          monitor,
		executionTimeout: defaultExecutionTimeout,
		settleDelay:      defaultSettleDelay,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one attempt for a claimed job and commits the outcome. The
// breaker admission was consumed at claim time; exactly one success or
// failure is recorded here, at the end of the attempt.
func (e *Executor) Run(ctx context.Context, job jobs.Job, worker *fleet.Worker) {
	logger := e.logger.With("job", job.ID, "kind", string(job.Kind), "worker", worker.ID)
	start := time.Now()

	res, submissionID, err := e.attempt(ctx, logger, job, worker)
	elapsed := time.Since(start)
	br := worker.Breaker()

	if err == nil {
		br.RecordSuccess()
		if cerr := e.registry.Complete(job.ID, *res); cerr != nil {
			logger.Warn("completed job could not be committed", "error", cerr)
			return
		}
		if e.agg != nil {
			e.agg.JobCompleted(string(job.Kind), worker.ID, elapsed.Seconds())
		}
		e.logEvent(observability.Event{
			Type:       observability.EventJobCompleted,
			EntityType: "job",
			EntityID:   job.ID,
			WorkerID:   worker.ID,
			JobKind:    string(job.Kind),
			Detail:     fmt.Sprintf(`{"submission_id":%q,"duration_ms":%d}`, submissionID, elapsed.Milliseconds()),
			Success:    true,
		})
		logger.Info("job completed", "submission_id", submissionID, "duration_ms", elapsed.Milliseconds())
		return
	}

	var notFound *jobs.ErrNotFound
	var badTransition *jobs.ErrBadTransition
	if errors.As(err, &notFound) || errors.As(err, &badTransition) {
		// Evicted mid-flight; the worker did nothing wrong.
		br.RecordSuccess()
		logger.Info("job vanished during execution", "error", err)
		return
	}

	kind := Kind(err)
	if kind == KindTransport || kind == KindTimeout {
		br.RecordFailure()
		e.monitor.MarkUnhealthy(worker.ID, err.Error())
	} else {
		br.RecordSuccess()
	}
	if ferr := e.registry.Fail(job.ID, kind, err.Error()); ferr != nil {
		logger.Warn("failed job could not be marked", "error", ferr)
	}
	if e.agg != nil {
		e.agg.JobFailed(job.ID, string(job.Kind), worker.ID, kind, err.Error())
	}
	e.logEvent(observability.Event{
		Type:       observability.EventJobFailed,
		EntityType: "job",
		EntityID:   job.ID,
		WorkerID:   worker.ID,
		JobKind:    string(job.Kind),
		Detail:     fmt.Sprintf(`{"error_kind":%q}`, kind),
	})
	logger.Error("job failed", "error_kind", kind, "duration_ms", elapsed.Milliseconds(), "error", err)
}

func (e *Executor) attempt(ctx context.Context, logger *slog.Logger, job jobs.Job, worker *fleet.Worker) (*jobs.Result, string, error) {
	graph, err := workflow.Build(job.Kind, workflow.Params{
		Image:         job.Input.Image,
		FilenameToken: job.Fingerprint,
		Format:        job.Input.Format,
		Crop:          job.Input.Crop,
	})
	if err != nil {
		return nil, "", &ErrValidation{JobID: job.ID, Detail: err.Error()}
	}

	pool := e.pools.Get(worker.ID)
	if pool == nil {
		return nil, "", &ErrTransport{JobID: job.ID, Op: "stream acquire", Cause: fmt.Errorf("no stream pool for worker %s", worker.ID)}
	}
	stream, err := pool.Acquire(ctx)
	if err != nil {
		return nil, "", err
	}
	defer pool.Release(stream)

	// The execution clock runs from acquisition.
	deadline := time.NewTimer(e.executionTimeout)
	defer deadline.Stop()
	logger.Debug("stream acquired", "stream", stream.ID, "client_id", stream.ClientID)

	client := worker.Client()
	resp, err := client.SubmitPrompt(ctx, graph, stream.ClientID)
	if err != nil {
		var bad *comfy.ErrBadStatus
		if errors.As(err, &bad) && bad.Code == http.StatusBadRequest {
			return nil, "", &ErrValidation{JobID: job.ID, Detail: bad.Body}
		}
		return nil, "", &ErrTransport{JobID: job.ID, Op: "submit", Cause: err}
	}
	if len(resp.NodeErrors) > 0 {
		return nil, "", &ErrValidation{JobID: job.ID, Detail: "node errors on " + strings.Join(nodeErrorKeys(resp.NodeErrors), ", ")}
	}
	submittedAt := time.Now()
	submissionID := resp.PromptID
	if err := e.registry.RecordSubmission(job.ID, submissionID); err != nil {
		return nil, submissionID, err
	}
	logger.Debug("graph submitted", "submission_id", submissionID, "queue_number", resp.Number)

	if err := e.awaitCompletion(ctx, logger, stream, deadline, submissionID, job.ID, submittedAt); err != nil {
		return nil, submissionID, err
	}

	// Give the worker a moment to write history after the signal.
	if e.settleDelay > 0 {
		select {
		case <-time.After(e.settleDelay):
		case <-ctx.Done():
			return nil, submissionID, &ErrTransport{JobID: job.ID, Op: "settle", Cause: ctx.Err()}
		}
	}

	entry, err := client.History(ctx, submissionID)
	if err != nil {
		return nil, submissionID, &ErrTransport{JobID: job.ID, Op: "history", Cause: err}
	}
	ref, ok := pickOutput(job.Kind, entry)
	if !ok {
		return nil, submissionID, &ErrMissingOutput{JobID: job.ID, SubmissionID: submissionID}
	}

	data, contentType, err := client.Download(ctx, ref)
	if err != nil {
		return nil, submissionID, &ErrDownload{JobID: job.ID, Filename: ref.Filename, Cause: err}
	}

	if e.outputDir != "" {
		e.sink(logger, submissionID, ref.Filename, data)
	}

	return &jobs.Result{
		DataURL:     "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Filename:    ref.Filename,
		ContentType: contentType,
	}, submissionID, nil
}

// awaitCompletion consumes stream events until a completion or failure
// signal for this submission arrives. Events for foreign submissions are
// ignored; either an executing event with a null node for our id or a
// queue-drained status suffices as completion. Queue-drained frames received
// before our submission landed describe the pre-submit queue and are skipped.
func (e *Executor) awaitCompletion(ctx context.Context, logger *slog.Logger, stream *wspool.Stream, deadline *time.Timer, submissionID, jobID string, submittedAt time.Time) error {
	cached := make(map[string]struct{})
	running := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return &ErrTransport{JobID: jobID, Op: "monitor", Cause: ctx.Err()}
		case <-deadline.C:
			return &ErrTimeout{JobID: jobID, After: e.executionTimeout}
		case <-stream.Dead():
			return &ErrTransport{JobID: jobID, Op: "stream receive", Cause: stream.Err()}
		case m := <-stream.Events():
			switch m.Type {
			case comfy.EventExecutionCached:
				ev, err := m.ExecutionCached()
				if err != nil || ev.PromptID != submissionID {
					continue
				}
				for _, node := range ev.Nodes {
					cached[node] = struct{}{}
				}
			case comfy.EventExecuting:
				ev, err := m.Executing()
				if err != nil || ev.PromptID != submissionID {
					continue
				}
				if ev.Node == nil {
					logger.Debug("completion signalled",
						"submission_id", submissionID, "cached_nodes", len(cached), "executed_nodes", len(running))
					return nil
				}
				running[*ev.Node] = struct{}{}
			case comfy.EventExecutionError:
				ev, err := m.ExecutionError()
				if err != nil || ev.PromptID != submissionID {
					continue
				}
				return &ErrUpstreamExecution{JobID: jobID, NodeID: ev.NodeID, NodeType: ev.NodeType, Message: ev.ExceptionMessage}
			case comfy.EventStatus:
				ev, err := m.Status()
				if err != nil {
					continue
				}
				if m.ReceivedAt.Before(submittedAt) {
					logger.Debug("ignoring pre-submission status frame",
						"submission_id", submissionID, "queue_remaining", ev.Status.ExecInfo.QueueRemaining)
					continue
				}
				if ev.Status.ExecInfo.QueueRemaining == 0 {
					logger.Debug("queue drained, treating submission as complete",
						"submission_id", submissionID, "cached_nodes", len(cached))
					return nil
				}
			}
		}
	}
}

// pickOutput chooses the kind's designated save node, falling back to the
// lowest-numbered node that produced images.
func pickOutput(kind workflow.Kind, entry *comfy.HistoryEntry) (comfy.ImageRef, bool) {
	if entry == nil {
		return comfy.ImageRef{}, false
	}
	if target, ok := workflow.Targets[kind]; ok {
		if out, ok := entry.Outputs[target]; ok && len(out.Images) > 0 {
			return out.Images[0], true
		}
	}
	nodes := make([]string, 0, len(entry.Outputs))
	for node := range entry.Outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if out := entry.Outputs[node]; len(out.Images) > 0 {
			return out.Images[0], true
		}
	}
	return comfy.ImageRef{}, false
}

// sink writes the image under the submission id. Sink problems are logged
// and swallowed.
func (e *Executor) sink(logger *slog.Logger, submissionID, filename string, data []byte) {
	dir := filepath.Join(e.outputDir, submissionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("output sink mkdir failed", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		logger.Warn("output sink write failed", "path", path, "error", err)
		return
	}
	logger.Debug("output written", "path", path)
}

func (e *Executor) logEvent(event observability.Event) {
	if e.events == nil {
		return
	}
	e.events.LogEvent(context.Background(), event)
}

func nodeErrorKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
