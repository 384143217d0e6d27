// Package breaker implements the circuit breaker guarding upstream workers.
//
// A breaker opens after a run of consecutive failures or when the rolling
// error rate over a short window is too high, rejects calls while open,
// admits a single trial call at a time once the reset timeout elapses, and
// closes again after enough consecutive trial successes. The reset timeout
// grows on each reopen and snaps back to its base value on close.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrOpen is returned by Allow while the breaker rejects calls.
type ErrOpen struct {
	Name    string
	RetryAt time.Time
}

func (e *ErrOpen) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("breaker: circuit open: %s", e.Name)
	}
	return fmt.Sprintf("breaker: circuit open: %s, retry at %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// TransitionFunc observes state changes. Called outside the breaker lock.
type TransitionFunc func(name string, from, to State, reason string)

type sample struct {
	at time.Time
	ok bool
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string

	mu                sync.Mutex
	state             State
	failures          int // consecutive, while closed
	successes         int // consecutive, while half-open
	window            []sample
	openedAt          time.Time
	currentReset      time.Duration
	halfOpenInFlight  bool
	forced            bool
	failureThreshold  int
	successThreshold  int
	volumeThreshold   int
	errorThresholdPct float64
	windowSize        time.Duration
	resetTimeout      time.Duration
	maxResetTimeout   time.Duration

	now          func() time.Time // injectable clock for testing
	onTransition TransitionFunc
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive-failure count that opens the
// breaker. Default: 3.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) { b.failureThreshold = n }
}

// WithSuccessThreshold sets the consecutive half-open successes required to
// close the breaker. Default: 2.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) { b.successThreshold = n }
}

// WithResetTimeout sets the base open-to-half-open delay. Default: 15s.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithMaxResetTimeout caps the grown reset timeout. Default: 120s.
func WithMaxResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.maxResetTimeout = d }
}

// WithWindow tunes the rolling error-rate trip condition: at least volume
// samples within size, with a failure percentage strictly above pct.
// Defaults: 60s window, 10 samples, 50 percent.
func WithWindow(size time.Duration, volume int, pct float64) Option {
	return func(b *Breaker) {
		b.windowSize = size
		b.volumeThreshold = volume
		b.errorThresholdPct = pct
	}
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) { b.now = fn }
}

// WithTransitionFunc registers a state-transition observer.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a closed breaker with the given name.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:              name,
		state:             StateClosed,
		failureThreshold:  3,
		successThreshold:  2,
		volumeThreshold:   10,
		errorThresholdPct: 50,
		windowSize:        60 * time.Second,
		resetTimeout:      15 * time.Second,
		maxResetTimeout:   120 * time.Second,
		now:               time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.currentReset = b.resetTimeout
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. In HALF_OPEN exactly one caller
// is admitted at a time; the admitted caller must report the outcome via
// RecordSuccess or RecordFailure to release the slot.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	trans := b.maybeTransition()
	var err error
	switch b.state {
	case StateClosed:
	case StateOpen:
		err = &ErrOpen{Name: b.name, RetryAt: b.openedAt.Add(b.currentReset)}
	case StateHalfOpen:
		if b.halfOpenInFlight {
			err = &ErrOpen{Name: b.name}
		} else {
			b.halfOpenInFlight = true
		}
	}
	b.mu.Unlock()
	b.emit(trans)
	return err
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	trans := b.maybeTransition()
	b.record(true)
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.successes++
		if b.successes >= b.successThreshold {
			trans = append(trans, b.setState(StateClosed, "success threshold reached"))
			b.failures = 0
			b.successes = 0
			b.currentReset = b.resetTimeout
		}
	case StateOpen:
		// Late result from a call admitted before opening; window only.
	}
	b.mu.Unlock()
	b.emit(trans)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	trans := b.maybeTransition()
	b.record(false)
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			trans = append(trans, b.open("consecutive failures"))
		} else if reason, tripped := b.windowTripped(); tripped {
			trans = append(trans, b.open(reason))
		}
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.successes = 0
		b.currentReset = min(time.Duration(float64(b.currentReset)*1.5), b.maxResetTimeout)
		trans = append(trans, b.setState(StateOpen, "half-open trial failed"))
		b.openedAt = b.now()
	case StateOpen:
	}
	b.mu.Unlock()
	b.emit(trans)
}

// State returns the current state, applying any due auto-transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	trans := b.maybeTransition()
	s := b.state
	b.mu.Unlock()
	b.emit(trans)
	return s
}

// ForceOpen pins the breaker open until ForceClose. Counters are bypassed;
// the usual transition events still fire.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	var trans []transition
	if b.state != StateOpen || !b.forced {
		trans = append(trans, b.setState(StateOpen, "forced open"))
		b.openedAt = b.now()
	}
	b.forced = true
	b.halfOpenInFlight = false
	b.mu.Unlock()
	b.emit(trans)
}

// ForceClose clears a forced or organic open and resets counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	var trans []transition
	if b.state != StateClosed {
		trans = append(trans, b.setState(StateClosed, "forced close"))
	}
	b.forced = false
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = false
	b.currentReset = b.resetTimeout
	b.mu.Unlock()
	b.emit(trans)
}

// Snapshot is a point-in-time view of the breaker for the admin surface.
type Snapshot struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	HalfOpenSuccesses   int        `json:"half_open_successes"`
	WindowSamples       int        `json:"window_samples"`
	WindowErrorRatePct  float64    `json:"window_error_rate_pct"`
	CurrentResetSeconds float64    `json:"current_reset_timeout_seconds"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty"`
	Forced              bool       `json:"forced"`
}

// Snapshot returns the current counters and state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	trans := b.maybeTransition()
	b.prune()
	fails := 0
	for _, s := range b.window {
		if !s.ok {
			fails++
		}
	}
	rate := 0.0
	if len(b.window) > 0 {
		rate = float64(fails) / float64(len(b.window)) * 100
	}
	snap := Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.successes,
		WindowSamples:       len(b.window),
		WindowErrorRatePct:  rate,
		CurrentResetSeconds: b.currentReset.Seconds(),
		Forced:              b.forced,
	}
	if b.state == StateOpen {
		at := b.openedAt.Add(b.currentReset)
		snap.NextAttemptAt = &at
	}
	b.mu.Unlock()
	b.emit(trans)
	return snap
}

type transition struct {
	from, to State
	reason   string
}

// maybeTransition flips OPEN to HALF_OPEN once the reset timeout has elapsed.
// Callers must hold b.mu. Returned transitions must be emitted after unlock.
func (b *Breaker) maybeTransition() []transition {
	if b.state == StateOpen && !b.forced && b.now().Sub(b.openedAt) >= b.currentReset {
		t := b.setState(StateHalfOpen, "reset timeout elapsed")
		b.successes = 0
		b.halfOpenInFlight = false
		return []transition{t}
	}
	return nil
}

// open transitions to OPEN from CLOSED. Callers must hold b.mu.
func (b *Breaker) open(reason string) transition {
	t := b.setState(StateOpen, reason)
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	return t
}

// setState swaps the state and returns the transition record.
// Callers must hold b.mu.
func (b *Breaker) setState(to State, reason string) transition {
	from := b.state
	b.state = to
	return transition{from: from, to: to, reason: reason}
}

// record appends an outcome sample and prunes the window.
// Callers must hold b.mu.
func (b *Breaker) record(ok bool) {
	b.window = append(b.window, sample{at: b.now(), ok: ok})
	b.prune()
}

// prune drops samples older than the window. Callers must hold b.mu.
func (b *Breaker) prune() {
	cutoff := b.now().Add(-b.windowSize)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// windowTripped reports whether the rolling error rate trips the breaker.
// Callers must hold b.mu.
func (b *Breaker) windowTripped() (string, bool) {
	b.prune()
	if len(b.window) < b.volumeThreshold {
		return "", false
	}
	fails := 0
	for _, s := range b.window {
		if !s.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(len(b.window)) * 100
	if rate > b.errorThresholdPct {
		return fmt.Sprintf("error rate %.0f%% over window", rate), true
	}
	return "", false
}

// emit fires the transition observer outside the lock.
func (b *Breaker) emit(trans []transition) {
	if b.onTransition == nil {
		return
	}
	for _, t := range trans {
		if t.from != t.to {
			b.onTransition(b.name, t.from, t.to, t.reason)
		}
	}
}
