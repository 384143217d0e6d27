package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/signmaster-com/ComfyExpressMiddleware/jobs"
	"github.com/signmaster-com/ComfyExpressMiddleware/observability"
	"github.com/signmaster-com/ComfyExpressMiddleware/workflow"
)

// uploadField is the multipart form field carrying the image bytes.
const uploadField = "imageFile"

type processResponse struct {
	Success               bool    `json:"success"`
	JobID                 string  `json:"job_id"`
	Image                 string  `json:"image,omitempty"`
	Format                string  `json:"format,omitempty"`
	ContentType           string  `json:"content_type,omitempty"`
	Filename              string  `json:"filename,omitempty"`
	Worker                string  `json:"worker,omitempty"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

type acceptedResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	StatusURL string `json:"status_url"`
	ResultURL string `json:"result_url"`
}

type failedResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"job_id"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type submission struct {
	input jobs.Input
	async bool
}

// handleProcess accepts an upload for the given workflow, enqueues it, and
// either blocks until the job settles or answers 202 in async mode.
func (s *Server) handleProcess(kind workflow.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := s.parseSubmission(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		job := s.createJob(kind, sub.input)
		if sub.async {
			s.writeAccepted(w, job)
			return
		}
		s.respondWhenDone(w, r, job.ID)
	}
}

// handleAsync is the explicit fire-and-forget variant, with the workflow
// kind in the path.
func (s *Server) handleAsync(w http.ResponseWriter, r *http.Request) {
	kind, err := workflow.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	sub, err := s.parseSubmission(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job := s.createJob(kind, sub.input)
	s.writeAccepted(w, job)
}

// parseSubmission decodes the multipart upload into job input. The image
// arrives as raw bytes and is stored base64 encoded, the way the workflow
// templates consume it.
func (s *Server) parseSubmission(r *http.Request) (submission, error) {
	var sub submission

	file, _, err := r.FormFile(uploadField)
	if err != nil {
		return sub, fmt.Errorf("multipart field %q is required", uploadField)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		return sub, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return sub, errors.New("uploaded image is empty")
	}
	if int64(len(data)) > s.maxUpload {
		return sub, fmt.Errorf("uploaded image exceeds %d bytes", s.maxUpload)
	}

	format, err := workflow.ParseFormat(r.FormValue("format"))
	if err != nil {
		return sub, err
	}
	crop, _ := strconv.ParseBool(r.FormValue("crop"))

	if v := r.FormValue("async"); v != "" {
		sub.async, _ = strconv.ParseBool(v)
	}
	if r.FormValue("mode") == "async" {
		sub.async = true
	}

	sub.input = jobs.Input{
		Image:  base64.StdEncoding.EncodeToString(data),
		Format: format,
		Crop:   crop,
	}
	return sub, nil
}

func (s *Server) createJob(kind workflow.Kind, input jobs.Input) jobs.Job {
	job := s.registry.Create(kind, input)
	if s.agg != nil {
		s.agg.JobCreated(string(kind))
	}
	s.logEvent(observability.Event{
		Type:       observability.EventJobCreated,
		EntityType: "job",
		EntityID:   job.ID,
		JobKind:    string(kind),
		Success:    true,
	})
	return job
}

func (s *Server) writeAccepted(w http.ResponseWriter, job jobs.Job) {
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{
		Success:   true,
		JobID:     job.ID,
		State:     string(job.State),
		StatusURL: "/api/jobs/" + job.ID + "/status",
		ResultURL: "/api/jobs/" + job.ID + "/result",
	})
}

// respondWhenDone blocks until the job reaches a terminal state, the sync
// wait elapses, or the client goes away.
func (s *Server) respondWhenDone(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.syncWait)
	defer cancel()

	job, err := s.registry.Wait(ctx, id)
	if err != nil {
		var notFound *jobs.ErrNotFound
		switch {
		case errors.As(err, &notFound):
			s.writeJSON(w, http.StatusGatewayTimeout, failedResponse{
				JobID: id,
				Error: "job evicted before completion",
			})
		case errors.Is(err, context.DeadlineExceeded):
			s.writeJSON(w, http.StatusGatewayTimeout, failedResponse{
				JobID: id,
				Error: "processing timed out",
			})
		default:
			// Client cancelled; nothing left to answer.
		}
		return
	}
	s.writeTerminal(w, job)
}

func (s *Server) writeTerminal(w http.ResponseWriter, job jobs.Job) {
	switch job.State {
	case jobs.StateCompleted:
		s.writeJSON(w, http.StatusOK, completedPayload(job))
	case jobs.StateFailed:
		s.writeJSON(w, statusForErrorKind(job.ErrorKind), failedResponse{
			JobID:     job.ID,
			Error:     job.Error,
			ErrorKind: job.ErrorKind,
		})
	default:
		// Only reachable when the registry shuts down mid-wait.
		s.writeError(w, http.StatusServiceUnavailable, "service shutting down")
	}
}

func completedPayload(job jobs.Job) processResponse {
	resp := processResponse{
		Success:               true,
		JobID:                 job.ID,
		Format:                string(job.Input.Format),
		Worker:                job.AssignedWorker,
		ProcessingTimeSeconds: processingSeconds(job, time.Now()),
	}
	if job.Result != nil {
		resp.Image = job.Result.DataURL
		resp.ContentType = job.Result.ContentType
		resp.Filename = job.Result.Filename
	}
	return resp
}
