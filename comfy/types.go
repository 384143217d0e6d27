// Package comfy speaks the upstream worker protocol: the REST surface used
// to enqueue graphs and fetch results, and the websocket event vocabulary
// used to observe execution progress. The contract is treated as fixed.
package comfy

import "encoding/json"

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

// PromptResponse is the reply to POST /prompt. A non-empty NodeErrors map
// means the worker rejected the graph without executing it.
type PromptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// ImageRef locates one produced file on the worker.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the per-node output entry in a history record.
type NodeOutput struct {
	Images []ImageRef `json:"images"`
}

// HistoryEntry is one completed submission in GET /history/<id>.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// History is the full reply shape of GET /history/<id>, keyed by prompt id.
type History map[string]HistoryEntry
