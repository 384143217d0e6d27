package wspool

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signmaster-com/ComfyExpressMiddleware/comfy"
)

// eventBuffer bounds the per-stream parsed message backlog. An idle stream
// has no consumer, so the read loop drops the oldest message when full and
// Acquire drains whatever is left before lending.
const eventBuffer = 256

// Stream is one long-lived websocket to a worker. Single-tenant while lent:
// the borrower reads parsed events from Events and submits work under
// ClientID so the worker routes per-session messages to this very socket.
// The borrower never touches the connection itself.
type Stream struct {
	ID       string
	ClientID string
	WorkerID string

	conn   *websocket.Conn
	events chan comfy.Message
	logger *slog.Logger

	createdAt time.Time

	// closed is closed when the read loop exits; closeErr holds the reason
	// and is safe to read afterwards.
	closed   chan struct{}
	closeErr error

	shuttingDown atomic.Bool
	binaryFrames atomic.Int64
	useCount     atomic.Int64
}

func newStream(id, clientID, workerID string, conn *websocket.Conn, idleDeadline time.Duration, logger *slog.Logger) *Stream {
	s := &Stream{
		ID:        id,
		ClientID:  clientID,
		WorkerID:  workerID,
		conn:      conn,
		events:    make(chan comfy.Message, eventBuffer),
		logger:    logger,
		createdAt: time.Now(),
		closed:    make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(idleDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleDeadline))
	})
	go s.readLoop(idleDeadline)
	return s
}

// Events delivers parsed textual messages in arrival order.
func (s *Stream) Events() <-chan comfy.Message {
	return s.events
}

// Dead reports stream termination; read the channel to wait for it.
func (s *Stream) Dead() <-chan struct{} {
	return s.closed
}

// Err returns the read-loop exit reason once the stream is dead, else nil.
func (s *Stream) Err() error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
		return nil
	}
}

// UseCount returns how many times the stream has been lent.
func (s *Stream) UseCount() int64 {
	return s.useCount.Load()
}

// readLoop pumps frames until the connection dies. Binary frames are preview
// snapshots and are counted then dropped.
func (s *Stream) readLoop(idleDeadline time.Duration) {
	defer close(s.closed)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeErr = err
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idleDeadline))

		if msgType != websocket.TextMessage {
			s.binaryFrames.Add(1)
			continue
		}
		m, err := comfy.ParseMessage(data)
		if err != nil {
			s.logger.Debug("dropping unparseable stream message",
				"worker", s.WorkerID, "stream", s.ID, "error", err)
			continue
		}
		m.ReceivedAt = time.Now()
		s.push(m)
	}
}

// push enqueues without blocking, evicting the oldest buffered message when
// the consumer is absent or slow.
func (s *Stream) push(m comfy.Message) {
	select {
	case s.events <- m:
		return
	default:
	}
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- m:
	default:
	}
}

// drain discards buffered messages so a borrower starts from a clean slate,
// returning how many were thrown away.
func (s *Stream) drain() int {
	n := 0
	for {
		select {
		case <-s.events:
			n++
		default:
			return n
		}
	}
}

// ping sends a control ping; any error means the peer is gone or the socket
// is wedged.
func (s *Stream) ping(writeWait time.Duration) error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// shutdown closes the stream on purpose: a close frame is offered to the
// peer and no reconnect will follow.
func (s *Stream) shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
	s.conn.Close()
}

// kill drops the connection without the courtesy close frame. The read loop
// exits and the pool's watcher decides about reconnection.
func (s *Stream) kill() {
	s.conn.Close()
}

// requestedShutdown reports whether the stream was closed on purpose.
func (s *Stream) requestedShutdown() bool {
	return s.shuttingDown.Load()
}
