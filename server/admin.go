package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/signmaster-com/ComfyExpressMiddleware/breaker"
	"github.com/signmaster-com/ComfyExpressMiddleware/fleet"
	"github.com/signmaster-com/ComfyExpressMiddleware/observability"
	"github.com/signmaster-com/ComfyExpressMiddleware/wspool"
)

// serviceName labels the status page.
const serviceName = "comfy-express-middleware"

type workerStatus struct {
	ID      string            `json:"id"`
	Host    string            `json:"host"`
	Health  fleet.HealthState `json:"health"`
	Active  int               `json:"active_jobs"`
	MaxJobs int               `json:"max_jobs"`
	Breaker breaker.Snapshot  `json:"breaker"`
	Pool    *wspool.Stats     `json:"pool,omitempty"`
}

// handleHealth answers the load-balancer probe: 200 only while at least one
// worker is healthy and the scheduler is running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.monitor.HealthyCount()
	running := s.sched.Running()

	code := http.StatusOK
	status := "ok"
	if healthy == 0 || !running {
		code = http.StatusServiceUnavailable
		status = "unavailable"
	}
	s.writeJSON(w, code, map[string]any{
		"status":            status,
		"healthy_workers":   healthy,
		"total_workers":     s.fleet.Size(),
		"scheduler_running": running,
		"in_flight":         s.sched.InFlight(),
		"workers":           s.monitor.States(),
	})
}

// handleStatus is the operator view: per-worker health, slots, breaker and
// stream-pool state, plus registry and scheduler gauges.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	states := s.monitor.States()
	workers := make([]workerStatus, 0, s.fleet.Size())
	for _, worker := range s.fleet.Workers() {
		ws := workerStatus{
			ID:      worker.ID,
			Host:    worker.Host,
			Health:  states[worker.ID],
			Active:  worker.Active(),
			MaxJobs: worker.MaxJobs(),
			Breaker: worker.Breaker().Snapshot(),
		}
		if pool := s.pools.Get(worker.ID); pool != nil {
			stats := pool.Stats()
			ws.Pool = &stats
		}
		workers = append(workers, ws)
	}

	payload := map[string]any{
		"service":        serviceName,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"workers":        workers,
		"jobs":           s.registry.Stats(),
		"scheduler": map[string]any{
			"running":        s.sched.Running(),
			"in_flight":      s.sched.InFlight(),
			"max_concurrent": s.sched.MaxConcurrent(),
		},
	}
	if s.obsDB != nil {
		hb, err := observability.LatestHeartbeat(r.Context(), s.obsDB, serviceName, s.obsStaleness)
		if err != nil {
			s.logger.Warn("latest heartbeat lookup failed", "error", err)
		} else if hb != nil {
			payload["heartbeat"] = hb
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agg.Snapshot())
}

func (s *Server) handleMetricsPerformance(w http.ResponseWriter, r *http.Request) {
	snap := s.agg.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"jobs":       snap.Jobs,
		"processing": snap.Processing,
		"by_kind":    snap.ByKind,
		"by_worker":  snap.ByWorker,
	})
}

func (s *Server) handleMetricsErrors(w http.ResponseWriter, r *http.Request) {
	recent := s.agg.RecentErrors()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(recent),
		"errors":  recent,
	})
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	s.agg.Reset()
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleBreakerList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"breakers": s.breakers.Snapshots(),
	})
}

func (s *Server) handleBreakerOpen(w http.ResponseWriter, r *http.Request) {
	s.forceBreaker(w, r, func(b *breaker.Breaker) { b.ForceOpen() })
}

func (s *Server) handleBreakerClose(w http.ResponseWriter, r *http.Request) {
	s.forceBreaker(w, r, func(b *breaker.Breaker) { b.ForceClose() })
}

func (s *Server) forceBreaker(w http.ResponseWriter, r *http.Request, apply func(*breaker.Breaker)) {
	name := chi.URLParam(r, "name")
	b, ok := s.breakers.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown breaker "+name)
		return
	}
	apply(b)
	s.logger.Info("breaker forced", "breaker", name, "state", b.State().String())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"breaker": b.Snapshot(),
	})
}
