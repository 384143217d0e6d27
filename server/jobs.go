package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/signmaster-com/ComfyExpressMiddleware/jobs"
	"github.com/signmaster-com/ComfyExpressMiddleware/workflow"
)

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp := map[string]any{
		"id":           job.ID,
		"state":        string(job.State),
		"kind":         string(job.Kind),
		"created_time": job.CreatedAt,
		"updated_time": job.LastTouchedAt,
	}
	if job.StartedAt != nil {
		resp["processing_time_seconds"] = processingSeconds(job, time.Now())
	}
	switch job.State {
	case jobs.StatePending:
		resp["queue_position"] = s.queuePosition(job.ID)
	case jobs.StateProcessing:
		resp["worker"] = job.AssignedWorker
		resp["started_time"] = job.StartedAt
	case jobs.StateCompleted:
		resp["worker"] = job.AssignedWorker
		resp["submission_id"] = job.SubmissionID
		resp["has_result"] = job.Result != nil
	case jobs.StateFailed:
		resp["worker"] = job.AssignedWorker
		resp["error"] = job.Error
		resp["error_kind"] = job.ErrorKind
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// queuePosition reports the 1-based FIFO rank among pending jobs, 0 when the
// job left the queue between lookups.
func (s *Server) queuePosition(id string) int {
	for i, pending := range s.registry.ListByState(jobs.StatePending) {
		if pending.ID == id {
			return i + 1
		}
	}
	return 0
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	switch job.State {
	case jobs.StateCompleted:
		s.writeJSON(w, http.StatusOK, completedPayload(job))
	case jobs.StateFailed:
		s.writeJSON(w, http.StatusUnprocessableEntity, failedResponse{
			JobID:     job.ID,
			Error:     job.Error,
			ErrorKind: job.ErrorKind,
		})
	default:
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"job_id":  job.ID,
			"state":   string(job.State),
			"error":   "result not ready",
		})
	}
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	var filter jobs.Filter

	if v := r.URL.Query().Get("state"); v != "" {
		state, ok := jobs.ParseState(v)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(v))
			return
		}
		filter.State = state
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		kind, err := workflow.ParseKind(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Kind = kind
	}
	filter.Worker = r.URL.Query().Get("worker")

	list := s.registry.List(filter)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(list),
		"jobs":    list,
	})
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	s.registry.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.registry.Cleanup()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": removed,
	})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"total":          stats.Total,
		"by_state":       stats.ByState,
		"by_kind":        stats.ByKind,
		"by_worker":      stats.ByWorker,
		"in_flight":      s.sched.InFlight(),
		"max_concurrent": s.sched.MaxConcurrent(),
	})
}
