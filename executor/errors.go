package executor

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/signmaster-com/ComfyExpressMiddleware/breaker"
	"github.com/signmaster-com/ComfyExpressMiddleware/comfy"
	"github.com/signmaster-com/ComfyExpressMiddleware/wspool"
)

// Error kind labels stored on failed jobs and mapped to HTTP statuses by
// the server layer.
const (
	KindValidation        = "validation"
	KindTransport         = "transport"
	KindUpstreamExecution = "upstream-execution"
	KindTimeout           = "timeout"
	KindMissingOutput     = "missing-output"
	KindDownloadFailure   = "download-failure"
	KindBreakerOpen       = "breaker-open"
)

// ErrValidation covers bad client input and graphs the worker rejects at
// submission. The worker stays healthy.
type ErrValidation struct {
	JobID  string
	Detail string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("executor: invalid submission for %s: %s", e.JobID, e.Detail)
}

// ErrUpstreamExecution is an execution_error event for our submission. The
// fault lies with the graph or the input, not the worker.
type ErrUpstreamExecution struct {
	JobID    string
	NodeID   string
	NodeType string
	Message  string
}

func (e *ErrUpstreamExecution) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("executor: worker failed node %s (%s) for %s: %s", e.NodeID, e.NodeType, e.JobID, e.Message)
	}
	return fmt.Sprintf("executor: worker failed execution for %s: %s", e.JobID, e.Message)
}

// ErrTransport is a connection-level failure talking to the worker.
type ErrTransport struct {
	JobID string
	Op    string
	Cause error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("executor: %s failed for %s: %v", e.Op, e.JobID, e.Cause)
}

func (e *ErrTransport) Unwrap() error {
	return e.Cause
}

// ErrTimeout means no completion signal arrived within the execution
// timeout.
type ErrTimeout struct {
	JobID string
	After time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("executor: no completion signal for %s within %s", e.JobID, e.After)
}

// ErrMissingOutput means the worker reported completion but its history
// held no downloadable image for the submission.
type ErrMissingOutput struct {
	JobID        string
	SubmissionID string
}

func (e *ErrMissingOutput) Error() string {
	return fmt.Sprintf("executor: no output image for %s (submission %s)", e.JobID, e.SubmissionID)
}

// ErrDownload is a failed retrieval of a produced image.
type ErrDownload struct {
	JobID    string
	Filename string
	Cause    error
}

func (e *ErrDownload) Error() string {
	return fmt.Sprintf("executor: download of %s failed for %s: %v", e.Filename, e.JobID, e.Cause)
}

func (e *ErrDownload) Unwrap() error {
	return e.Cause
}

// Kind maps any error to its taxonomy label. Unknown errors classify as
// transport: an upstream that answers with garbage is treated the same as
// one that does not answer.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	var validation *ErrValidation
	if errors.As(err, &validation) {
		return KindValidation
	}
	var upstream *ErrUpstreamExecution
	if errors.As(err, &upstream) {
		return KindUpstreamExecution
	}
	var timeout *ErrTimeout
	if errors.As(err, &timeout) {
		return KindTimeout
	}
	var missing *ErrMissingOutput
	if errors.As(err, &missing) {
		return KindMissingOutput
	}
	var download *ErrDownload
	if errors.As(err, &download) {
		return KindDownloadFailure
	}
	var open *breaker.ErrOpen
	if errors.As(err, &open) {
		return KindBreakerOpen
	}
	// Pool saturation and stream dial problems surface as transport.
	var acquire *wspool.ErrAcquireTimeout
	var poolClosed *wspool.ErrPoolClosed
	var dial *wspool.ErrDial
	if errors.As(err, &acquire) || errors.As(err, &poolClosed) || errors.As(err, &dial) {
		return KindTransport
	}
	var badStatus *comfy.ErrBadStatus
	if errors.As(err, &badStatus) {
		if badStatus.Code == http.StatusBadRequest {
			return KindValidation
		}
		return KindTransport
	}
	return KindTransport
}
