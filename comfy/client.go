package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBadStatus is returned when the worker answers with a non-success HTTP
// status. The body is kept so callers can surface node validation details.
type ErrBadStatus struct {
	Host string
	Path string
	Code int
	Body string
}

func (e *ErrBadStatus) Error() string {
	return fmt.Sprintf("comfy: worker %s returned %d for %s: %s", e.Host, e.Code, e.Path, e.Body)
}

// Client talks to a single worker's REST surface. One instance per worker,
// shared by probes and executions.
type Client struct {
	http    *http.Client
	baseURL string
	host    string
	logger  *slog.Logger
}

// NewClient builds a client bound to one worker host. The timeout caps every
// call; callers pass tighter deadlines through the context when probing.
func NewClient(scheme, host string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: scheme + "://" + host,
		host:    host,
		logger:  logger,
	}
}

// Host returns the host:port this client is bound to.
func (c *Client) Host() string { return c.host }

// SubmitPrompt queues a graph on the worker under the given client id and
// returns the assigned prompt id.
func (c *Client) SubmitPrompt(ctx context.Context, graph map[string]any, clientID string) (*PromptResponse, error) {
	body, err := json.Marshal(PromptRequest{Prompt: graph, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit prompt to %s: %w", c.host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "/prompt")
	}

	var pr PromptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode prompt response from %s: %w", c.host, err)
	}
	c.logger.Debug("prompt submitted",
		"host", c.host,
		"prompt_id", pr.PromptID,
		"queue_number", pr.Number,
		"duration_ms", time.Since(start).Milliseconds())
	return &pr, nil
}

// History fetches the execution record for a prompt. Workers answer with an
// empty object while the prompt is unknown or still running, which comes back
// as (nil, nil).
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history from %s: %w", c.host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "/history")
	}

	var hist History
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		return nil, fmt.Errorf("decode history from %s: %w", c.host, err)
	}
	entry, ok := hist[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Download fetches one produced image and returns its bytes along with the
// Content-Type reported by the worker.
func (c *Client) Download(ctx context.Context, ref ImageRef) ([]byte, string, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build view request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s from %s: %w", ref.Filename, c.host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", c.statusError(resp, "/view")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image %s from %s: %w", ref.Filename, c.host, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.logger.Debug("image downloaded",
		"host", c.host,
		"filename", ref.Filename,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())
	return data, contentType, nil
}

// SystemStats asks the worker for its stats endpoint. Any 200 means the
// worker process is up; the payload itself is not inspected.
func (c *Client) SystemStats(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("build stats request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", c.host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ErrBadStatus{Host: c.host, Path: "/system_stats", Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) statusError(resp *http.Response, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := strings.TrimSpace(string(body))
	c.logger.Error("worker request failed",
		"host", c.host,
		"path", path,
		"status", resp.StatusCode,
		"body", msg)
	return &ErrBadStatus{Host: c.host, Path: path, Code: resp.StatusCode, Body: msg}
}
