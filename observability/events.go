// Package observability provides a write-only SQLite telemetry store for
// the middleware: job lifecycle events, breaker transitions, worker health
// flips and process heartbeats. Nothing here is read back for pipeline
// decisions; a failing store must never block or fail the caller.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/signmaster-com/ComfyExpressMiddleware/dbopen"
	"github.com/signmaster-com/ComfyExpressMiddleware/idgen"
)

// Event types recorded in job_events.
const (
	EventJobCreated     = "job_created"
	EventJobDispatched  = "job_dispatched"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
	EventJobEvicted     = "job_evicted"
	EventBreakerChanged = "breaker_transition"
	EventWorkerHealth   = "worker_health"
)

// Event represents a domain-level event to record.
type Event struct {
	Type       string
	EntityType string // "job", "worker" or "breaker"
	EntityID   string
	WorkerID   string
	JobKind    string
	Detail     string // optional JSON
	Success    bool
}

// EventLogger writes domain events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records an event. Non-blocking: errors are logged via slog but do
// not propagate, so a failing observability store never blocks the pipeline.
// A nil logger discards the event, letting callers skip the wiring entirely.
func (l *EventLogger) LogEvent(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	eventID := l.newID()
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO job_events (
			event_id, event_type, entity_type, entity_id,
			worker_id, job_kind, detail, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		eventID, event.Type, event.EntityType, event.EntityID,
		event.WorkerID, event.JobKind, event.Detail, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.Type)
	}
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	EventsDays     int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"job_events", "created_at", cfg.EventsDays},
		{"service_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}

// RunCleanup applies retention cleanup once immediately and then on every
// tick until ctx is cancelled. Errors are logged and the loop keeps going.
func RunCleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig, interval time.Duration) {
	if interval <= 0 {
		return
	}
	run := func() {
		if err := Cleanup(ctx, db, cfg); err != nil {
			slog.Error("observability cleanup failed", "error", err)
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
