// Package jobs is the source of truth for job existence, state and results.
// Jobs live in memory only: the registry is rebuilt empty on restart and
// entries are evicted on a per-job timer, so no cleanup sweep is needed.
package jobs

import (
	"time"

	"github.com/signmaster-com/ComfyExpressMiddleware/workflow"
)

// State is a job's lifecycle position. Legal transitions are
// pending -> processing -> {completed, failed}; nothing moves backward.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseState validates a client-supplied state string.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return State(s), true
	}
	return "", false
}

// Input is the payload a job carries to the worker.
type Input struct {
	// Image is the base64 payload without any data-URL prefix.
	Image  string
	Format workflow.Format
	Crop   bool
}

// Result holds the finished image, already wrapped as a data URL.
type Result struct {
	DataURL     string `json:"data_url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// Job is one unit of work. Callers only ever see copies; every mutation
// goes through the Registry.
type Job struct {
	ID   string        `json:"id"`
	Kind workflow.Kind `json:"kind"`

	// Input and Fingerprint are fixed at creation. The fingerprint is the
	// per-submission token injected into save nodes so the worker's result
	// cache never serves a previous job's output.
	Input       Input  `json:"-"`
	Fingerprint string `json:"-"`

	State          State      `json:"state"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	SubmissionID   string     `json:"submission_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastTouchedAt  time.Time  `json:"last_touched_at"`

	Result    *Result `json:"-"`
	Error     string  `json:"error,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
}

// snapshot returns a copy safe to hand outside the registry lock.
func (j *Job) snapshot() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return c
}
