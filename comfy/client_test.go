package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func clientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient("http", srv.Listener.Addr().String(), 5*time.Second, testLogger())
}

func TestClient_SubmitPrompt(t *testing.T) {
	var gotBody PromptRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"prompt_id":   "p-123",
			"number":      7,
			"node_errors": map[string]any{},
		})
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	graph := map[string]any{"1": map[string]any{"class_type": "SaveImage"}}
	resp, err := c.SubmitPrompt(context.Background(), graph, "mw_abc")
	if err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	if resp.PromptID != "p-123" {
		t.Errorf("prompt id = %q, want p-123", resp.PromptID)
	}
	if resp.Number != 7 {
		t.Errorf("number = %d, want 7", resp.Number)
	}
	if gotBody.ClientID != "mw_abc" {
		t.Errorf("client_id sent = %q, want mw_abc", gotBody.ClientID)
	}
	if _, ok := gotBody.Prompt["1"]; !ok {
		t.Error("graph not forwarded in prompt body")
	}
}

func TestClient_SubmitPromptRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"invalid_prompt"},"node_errors":{"3":{}}}`)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	_, err := c.SubmitPrompt(context.Background(), map[string]any{}, "mw_abc")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	var se *ErrBadStatus
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *ErrBadStatus", err)
	}
	if se.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", se.Code)
	}
	if se.Body == "" {
		t.Error("body not captured in ErrBadStatus")
	}
}

func TestClient_History(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/p-123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{
			"p-123": {
				"outputs": {
					"9": {"images": [{"filename":"out_00001_.png","subfolder":"","type":"output"}]}
				}
			}
		}`)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	entry, err := c.History(context.Background(), "p-123")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if entry == nil {
		t.Fatal("entry is nil, want populated record")
	}
	images := entry.Outputs["9"].Images
	if len(images) != 1 || images[0].Filename != "out_00001_.png" {
		t.Errorf("outputs = %+v, want one image out_00001_.png", entry.Outputs)
	}
}

func TestClient_HistoryPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	entry, err := c.History(context.Background(), "p-unknown")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if entry != nil {
		t.Errorf("entry = %+v, want nil for unrecorded prompt", entry)
	}
}

func TestClient_Download(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filename") != "out.png" || q.Get("subfolder") != "sub" || q.Get("type") != "output" {
			t.Errorf("unexpected query %v", q)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	data, contentType, err := c.Download(context.Background(), ImageRef{Filename: "out.png", Subfolder: "sub", Type: "output"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("data = %v, want %v", data, payload)
	}
	if contentType != "image/png" {
		t.Errorf("content type = %q, want image/png", contentType)
	}
}

func TestClient_SystemStats(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"system":{}}`)
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	if err := c.SystemStats(context.Background()); err != nil {
		t.Fatalf("SystemStats on healthy worker: %v", err)
	}

	healthy = false
	err := c.SystemStats(context.Background())
	var se *ErrBadStatus
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("error = %v, want ErrBadStatus 500", err)
	}
}

func TestClient_SystemStatsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := srv.Listener.Addr().String()
	srv.Close()

	c := NewClient("http", host, time.Second, testLogger())
	if err := c.SystemStats(context.Background()); err == nil {
		t.Fatal("expected error probing a closed listener")
	}
}
