package fleet

// ErrNoWorker is returned by the balancer when no healthy worker can accept
// a job right now. Callers leave the job pending and retry later.
type ErrNoWorker struct{}

func (e *ErrNoWorker) Error() string {
	return "fleet: no healthy worker available"
}
