package jobs

import "fmt"

// ErrNotFound is returned when an operation targets a job id that is not in
// the registry: never created, already evicted, or deleted.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("jobs: job not found: %s", e.ID)
}

// ErrBadTransition is returned when a state change would violate the job
// lifecycle.
type ErrBadTransition struct {
	ID   string
	From State
	To   State
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("jobs: illegal transition %s -> %s for job %s", e.From, e.To, e.ID)
}
