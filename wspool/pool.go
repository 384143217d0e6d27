// Package wspool maintains per-worker pools of persistent websocket streams.
//
// Each stream is a registered client session on the worker: messages about a
// submission are only delivered to the socket whose clientId made it, so the
// executor borrows a stream first and submits under its client id. Streams
// are single-tenant while lent and returned to the idle set afterwards.
package wspool

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signmaster-com/ComfyExpressMiddleware/idgen"
)

const (
	defaultMaxStreams     = 3
	defaultAcquireTimeout = 30 * time.Second
	defaultOpenTimeout    = 10 * time.Second
	defaultHealthTick     = 30 * time.Second
	defaultMaxReconnect   = 5

	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second

	pingWriteWait = 5 * time.Second
)

// Option configures a Pool.
type Option func(*Pool)

// WithMaxStreams caps the number of concurrent streams to the worker.
func WithMaxStreams(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxStreams = n
		}
	}
}

// WithAcquireTimeout bounds how long Acquire waits for a stream at capacity.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.acquireTimeout = d
		}
	}
}

// WithOpenTimeout bounds the websocket handshake.
func WithOpenTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.openTimeout = d
		}
	}
}

// WithHealthTick sets the idle-stream ping interval.
func WithHealthTick(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.healthTick = d
		}
	}
}

// WithMaxReconnectAttempts caps reconnection attempts after an unexpected
// stream death.
func WithMaxReconnectAttempts(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.maxReconnect = n
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPingFailureFunc registers a callback invoked whenever an idle-stream
// ping fails. Wired to the worker's circuit breaker at startup.
func WithPingFailureFunc(fn func()) Option {
	return func(p *Pool) {
		p.onPingFailure = fn
	}
}

// WithStreamIDs overrides stream ID generation.
func WithStreamIDs(gen idgen.Generator) Option {
	return func(p *Pool) {
		if gen != nil {
			p.newStreamID = gen
		}
	}
}

// WithClientIDs overrides upstream client ID generation.
func WithClientIDs(gen idgen.Generator) Option {
	return func(p *Pool) {
		if gen != nil {
			p.newClientID = gen
		}
	}
}

// Pool owns the websocket streams to a single worker. Acquire prefers an
// idle stream, dials a fresh one while under capacity, and otherwise queues
// the caller FIFO until a Release or the acquire timeout.
type Pool struct {
	worker string
	scheme string
	host   string

	maxStreams     int
	acquireTimeout time.Duration
	openTimeout    time.Duration
	healthTick     time.Duration
	maxReconnect   int

	dialer        *websocket.Dialer
	newStreamID   idgen.Generator
	newClientID   idgen.Generator
	logger        *slog.Logger
	onPingFailure func()
	backoff       func(attempt int) time.Duration

	mu      sync.Mutex
	idle    []*Stream
	lent    map[string]*Stream
	waiters []chan *Stream
	open    int
	dialing int
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Worker     string `json:"worker"`
	Open       int    `json:"open_streams"`
	Idle       int    `json:"idle_streams"`
	Lent       int    `json:"lent_streams"`
	Waiters    int    `json:"waiting_acquires"`
	MaxStreams int    `json:"max_streams"`
}

// New builds a pool for one worker. Streams are dialed lazily on first
// Acquire, never at construction.
func New(workerID, scheme, host string, opts ...Option) *Pool {
	p := &Pool{
		worker:         workerID,
		scheme:         scheme,
		host:           host,
		maxStreams:     defaultMaxStreams,
		acquireTimeout: defaultAcquireTimeout,
		openTimeout:    defaultOpenTimeout,
		healthTick:     defaultHealthTick,
		maxReconnect:   defaultMaxReconnect,
		newStreamID:    idgen.Prefixed("ws_", idgen.Default),
		newClientID:    idgen.Prefixed("mw_", idgen.NanoID(12)),
		logger:         slog.Default(),
		lent:           make(map[string]*Stream),
		stop:           make(chan struct{}),
	}
	p.backoff = func(attempt int) time.Duration {
		wait := reconnectBase * (1 << uint(attempt-1))
		if wait > reconnectCap {
			wait = reconnectCap
		}
		return wait
	}
	for _, opt := range opts {
		opt(p)
	}
	p.dialer = &websocket.Dialer{HandshakeTimeout: p.openTimeout}
	return p
}

// Worker returns the worker ID this pool serves.
func (p *Pool) Worker() string {
	return p.worker
}

// readDeadline is generous enough that two missed health ticks plus slack
// are needed before an idle connection is declared dead.
func (p *Pool) readDeadline() time.Duration {
	return 2*p.healthTick + 15*time.Second
}

// Acquire lends a stream for exclusive use. The buffered event backlog is
// drained first so the borrower only sees messages from its own session
// onwards. Callers must Release exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Stream, error) {
	start := time.Now()
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, &ErrPoolClosed{Worker: p.worker}
		}
		if s := p.popIdleLocked(); s != nil {
			p.lent[s.ID] = s
			p.mu.Unlock()
			p.lend(s)
			return s, nil
		}
		if p.open+p.dialing < p.maxStreams {
			p.dialing++
			p.mu.Unlock()

			s, err := p.dial(ctx)

			p.mu.Lock()
			p.dialing--
			if err != nil {
				// The failed dial held a capacity slot; hand it to the head
				// waiter so the freed slot is not wasted on its timeout.
				p.wakeRetryLocked()
				p.mu.Unlock()
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				s.shutdown()
				return nil, &ErrPoolClosed{Worker: p.worker}
			}
			p.open++
			p.lent[s.ID] = s
			p.watchLocked(s)
			p.mu.Unlock()
			p.lend(s)
			return s, nil
		}

		ch := make(chan *Stream, 1)
		p.waiters = append(p.waiters, ch)
		waiting := len(p.waiters)
		p.mu.Unlock()

		p.logger.Debug("stream pool at capacity, queueing",
			"worker", p.worker, "position", waiting)

		select {
		case s, ok := <-ch:
			if !ok {
				return nil, &ErrPoolClosed{Worker: p.worker}
			}
			if s == nil {
				// Capacity freed without a stream attached; retry the dial
				// path.
				continue
			}
			p.lend(s)
			return s, nil
		case <-timer.C:
			if s, ok := p.abandonWait(ch); ok {
				// A release won the race with the timer; take the stream.
				p.lend(s)
				return s, nil
			}
			return nil, &ErrAcquireTimeout{Worker: p.worker, Waited: time.Since(start).Round(time.Millisecond)}
		case <-ctx.Done():
			if s, ok := p.abandonWait(ch); ok {
				p.Release(s)
			}
			return nil, ctx.Err()
		}
	}
}

// wakeRetryLocked pops the head waiter and delivers a nil token, telling it a
// capacity slot opened up without a stream to go with it. Callers hold p.mu.
func (p *Pool) wakeRetryLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	ch <- nil
}

// abandonWait removes ch from the waiter queue. When the queue no longer
// holds it, a concurrent Release already delivered a stream; the second
// return reports that case and hands the stream over.
func (p *Pool) abandonWait(ch chan *Stream) (*Stream, bool) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return nil, false
		}
	}
	p.mu.Unlock()
	s, ok := <-ch
	if !ok {
		return nil, false
	}
	if s == nil {
		// A retry token, not a stream; pass the freed slot along.
		p.mu.Lock()
		p.wakeRetryLocked()
		p.mu.Unlock()
		return nil, false
	}
	return s, true
}

// lend finalizes a handout: clears stale backlog and bumps usage.
func (p *Pool) lend(s *Stream) {
	if n := s.drain(); n > 0 {
		p.logger.Debug("drained stale stream backlog",
			"worker", p.worker, "stream", s.ID, "messages", n)
	}
	s.useCount.Add(1)
}

// Release returns a lent stream. A queued acquirer gets it directly,
// otherwise it rejoins the idle set. Dead streams are left to the watcher.
func (p *Pool) Release(s *Stream) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.lent[s.ID]; !ok {
		p.mu.Unlock()
		return
	}
	if p.closed {
		delete(p.lent, s.ID)
		p.mu.Unlock()
		s.shutdown()
		return
	}
	select {
	case <-s.Dead():
		// The watcher handles accounting and reconnection.
		p.mu.Unlock()
		return
	default:
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- s
		return
	}
	delete(p.lent, s.ID)
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

func (p *Pool) popIdleLocked() *Stream {
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		select {
		case <-s.Dead():
			// Reaped by the watcher momentarily; skip it.
			continue
		default:
			return s
		}
	}
	return nil
}

// dial opens one stream under a fresh client id.
func (p *Pool) dial(ctx context.Context) (*Stream, error) {
	clientID := p.newClientID()
	u := url.URL{
		Scheme:   p.scheme,
		Host:     p.host,
		Path:     "/ws",
		RawQuery: url.Values{"clientId": {clientID}}.Encode(),
	}
	conn, resp, err := p.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		p.logger.Warn("stream dial failed",
			"worker", p.worker, "url", u.String(), "error", err)
		return nil, &ErrDial{Worker: p.worker, Cause: err}
	}
	s := newStream(p.newStreamID(), clientID, p.worker, conn, p.readDeadline(), p.logger)
	p.logger.Info("stream opened",
		"worker", p.worker, "stream", s.ID, "client_id", clientID)
	return s, nil
}

// watchLocked starts the death watcher for s. Callers hold p.mu.
func (p *Pool) watchLocked(s *Stream) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-s.Dead()
		p.handleDeath(s)
	}()
}

// handleDeath removes a dead stream from the books and, unless the close was
// requested, replaces it.
func (p *Pool) handleDeath(s *Stream) {
	p.mu.Lock()
	for i, c := range p.idle {
		if c == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	delete(p.lent, s.ID)
	p.open--
	stopped := p.closed || s.requestedShutdown()
	p.mu.Unlock()

	if stopped {
		return
	}
	p.logger.Warn("stream died unexpectedly",
		"worker", p.worker, "stream", s.ID, "error", s.closeErr)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reconnect()
	}()
}

// reconnect tries to restore a lost stream with exponential backoff. It
// gives up after maxReconnect attempts; the next Acquire dials from scratch
// with a fresh count.
func (p *Pool) reconnect() {
	for attempt := 1; attempt <= p.maxReconnect; attempt++ {
		wait := p.backoff(attempt)
		select {
		case <-p.stop:
			return
		case <-time.After(wait):
		}

		p.mu.Lock()
		if p.closed || p.open+p.dialing >= p.maxStreams {
			p.mu.Unlock()
			return
		}
		p.dialing++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.openTimeout)
		s, err := p.dial(ctx)
		cancel()

		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("stream reconnect failed",
				"worker", p.worker, "attempt", attempt, "backoff_ms", wait.Milliseconds(), "error", err)
			continue
		}
		if p.closed {
			p.mu.Unlock()
			s.shutdown()
			return
		}
		p.open++
		p.homeLocked(s)
		p.watchLocked(s)
		p.mu.Unlock()
		p.logger.Info("stream reconnected",
			"worker", p.worker, "stream", s.ID, "attempt", attempt)
		return
	}
	p.logger.Error("stream reconnect abandoned",
		"worker", p.worker, "attempts", p.maxReconnect)
}

// homeLocked places a fresh stream with a queued acquirer when one is
// waiting, otherwise in the idle set. Callers hold p.mu.
func (p *Pool) homeLocked(s *Stream) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.lent[s.ID] = s
		ch <- s
		return
	}
	p.idle = append(p.idle, s)
}

// Start runs idle-stream health pings until ctx is cancelled or the pool
// closes.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.healthTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.pingIdle()
			}
		}
	}()
}

// pingIdle sends a control ping to every idle stream. A failed ping kills
// the socket so the watcher reconnects, and counts against the worker's
// breaker via the configured callback.
func (p *Pool) pingIdle() {
	p.mu.Lock()
	snapshot := append([]*Stream(nil), p.idle...)
	p.mu.Unlock()

	for _, s := range snapshot {
		if err := s.ping(pingWriteWait); err != nil {
			p.logger.Warn("idle stream ping failed",
				"worker", p.worker, "stream", s.ID, "error", err)
			s.kill()
			if p.onPingFailure != nil {
				p.onPingFailure()
			}
		}
	}
}

// Close shuts the pool down: queued acquirers fail with ErrPoolClosed, all
// streams send a close frame, and background goroutines are joined.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		waiters := p.waiters
		p.waiters = nil
		streams := append([]*Stream(nil), p.idle...)
		for _, s := range p.lent {
			streams = append(streams, s)
		}
		p.idle = nil
		p.mu.Unlock()

		close(p.stop)
		for _, ch := range waiters {
			close(ch)
		}
		for _, s := range streams {
			s.shutdown()
		}
		p.wg.Wait()
		p.logger.Info("stream pool closed", "worker", p.worker)
	})
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Worker:     p.worker,
		Open:       p.open,
		Idle:       len(p.idle),
		Lent:       len(p.lent),
		Waiters:    len(p.waiters),
		MaxStreams: p.maxStreams,
	}
}

// Manager groups the per-worker pools and preserves registration order for
// status reporting.
type Manager struct {
	pools map[string]*Pool
	order []string
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// Add registers a pool under its worker ID.
func (m *Manager) Add(p *Pool) {
	if _, ok := m.pools[p.worker]; !ok {
		m.order = append(m.order, p.worker)
	}
	m.pools[p.worker] = p
}

// Get returns the pool for a worker, or nil.
func (m *Manager) Get(workerID string) *Pool {
	return m.pools[workerID]
}

// StartAll launches health maintenance on every pool.
func (m *Manager) StartAll(ctx context.Context) {
	for _, id := range m.order {
		m.pools[id].Start(ctx)
	}
}

// CloseAll closes every pool.
func (m *Manager) CloseAll() {
	for _, id := range m.order {
		m.pools[id].Close()
	}
}

// Stats returns per-pool occupancy in registration order.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.pools[id].Stats())
	}
	return out
}
