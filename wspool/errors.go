package wspool

import (
	"fmt"
	"time"
)

// ErrAcquireTimeout is returned when no stream became available within the
// acquire timeout.
type ErrAcquireTimeout struct {
	Worker string
	Waited time.Duration
}

func (e *ErrAcquireTimeout) Error() string {
	return fmt.Sprintf("wspool: no stream to %s within %s", e.Worker, e.Waited)
}

// ErrPoolClosed is returned when acquiring from a pool that has shut down.
type ErrPoolClosed struct {
	Worker string
}

func (e *ErrPoolClosed) Error() string {
	return fmt.Sprintf("wspool: pool for %s is closed", e.Worker)
}

// ErrDial is returned when opening a new stream fails.
type ErrDial struct {
	Worker string
	Cause  error
}

func (e *ErrDial) Error() string {
	return fmt.Sprintf("wspool: dial stream to %s: %v", e.Worker, e.Cause)
}

func (e *ErrDial) Unwrap() error {
	return e.Cause
}
