package comfy

import (
	"encoding/json"
	"fmt"
	"time"
)

// Websocket event types of interest. Everything else (progress bars,
// execution_start, crystools monitors) is ignorable at this layer.
const (
	EventExecutionCached = "execution_cached"
	EventExecuting       = "executing"
	EventExecuted        = "executed"
	EventExecutionError  = "execution_error"
	EventStatus          = "status"
)

// Message is the envelope of a textual websocket frame. ReceivedAt is
// stamped by the stream's read loop, not decoded from the wire.
type Message struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}

// ParseMessage decodes a textual frame into its envelope.
func ParseMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("parse stream message: %w", err)
	}
	return m, nil
}

// ExecutingEvent reports that a node started executing. A nil Node with a
// matching PromptID signals normal completion of the whole graph.
type ExecutingEvent struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// ExecutionCachedEvent lists nodes the worker will serve from cache.
type ExecutionCachedEvent struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

// ExecutedEvent reports per-node outputs as they are produced.
type ExecutedEvent struct {
	Node     string          `json:"node"`
	PromptID string          `json:"prompt_id"`
	Output   json.RawMessage `json:"output"`
}

// ExecutionErrorEvent reports a node failure that aborts the submission.
type ExecutionErrorEvent struct {
	PromptID         string   `json:"prompt_id"`
	NodeID           string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type"`
	Traceback        []string `json:"traceback"`
}

// StatusEvent carries the worker's queue depth. A zero remaining queue after
// submission means our graph is no longer queued (completion by cache when no
// per-node events were seen).
type StatusEvent struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

// Executing decodes the payload of an "executing" message.
func (m Message) Executing() (ExecutingEvent, error) {
	var e ExecutingEvent
	if err := json.Unmarshal(m.Data, &e); err != nil {
		return e, fmt.Errorf("decode executing event: %w", err)
	}
	return e, nil
}

// ExecutionCached decodes the payload of an "execution_cached" message.
func (m Message) ExecutionCached() (ExecutionCachedEvent, error) {
	var e ExecutionCachedEvent
	if err := json.Unmarshal(m.Data, &e); err != nil {
		return e, fmt.Errorf("decode execution_cached event: %w", err)
	}
	return e, nil
}

// Executed decodes the payload of an "executed" message.
func (m Message) Executed() (ExecutedEvent, error) {
	var e ExecutedEvent
	if err := json.Unmarshal(m.Data, &e); err != nil {
		return e, fmt.Errorf("decode executed event: %w", err)
	}
	return e, nil
}

// ExecutionError decodes the payload of an "execution_error" message.
func (m Message) ExecutionError() (ExecutionErrorEvent, error) {
	var e ExecutionErrorEvent
	if err := json.Unmarshal(m.Data, &e); err != nil {
		return e, fmt.Errorf("decode execution_error event: %w", err)
	}
	return e, nil
}

// Status decodes the payload of a "status" message.
func (m Message) Status() (StatusEvent, error) {
	var e StatusEvent
	if err := json.Unmarshal(m.Data, &e); err != nil {
		return e, fmt.Errorf("decode status event: %w", err)
	}
	return e, nil
}
