// Command comfymw fronts a fleet of ComfyUI workers with queueing,
// per-worker circuit breaking and pooled websocket monitoring.
//
// Usage:
//
//	comfymw                       # defaults, single worker on 127.0.0.1:8188
//	comfymw -config config.yaml   # run with config file
//	comfymw config.yaml           # same, positional
//
// PORT, WORKER_HOSTS, LOG_LEVEL and OBSERVABILITY_DB override the file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signmaster-com/ComfyExpressMiddleware/breaker"
	"github.com/signmaster-com/ComfyExpressMiddleware/comfy"
	"github.com/signmaster-com/ComfyExpressMiddleware/config"
	"github.com/signmaster-com/ComfyExpressMiddleware/dbopen"
	"github.com/signmaster-com/ComfyExpressMiddleware/executor"
	"github.com/signmaster-com/ComfyExpressMiddleware/fleet"
	"github.com/signmaster-com/ComfyExpressMiddleware/jobs"
	"github.com/signmaster-com/ComfyExpressMiddleware/metrics"
	"github.com/signmaster-com/ComfyExpressMiddleware/observability"
	"github.com/signmaster-com/ComfyExpressMiddleware/scheduler"
	"github.com/signmaster-com/ComfyExpressMiddleware/server"
	"github.com/signmaster-com/ComfyExpressMiddleware/wspool"
)

const (
	serviceName       = "comfy-express-middleware"
	heartbeatInterval = 60 * time.Second
	cleanupInterval   = time.Hour
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	path := *configPath
	if path == "" && flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	if path == "" {
		path = os.Getenv("CONFIG")
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "comfymw:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("comfymw: fatal", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Optional SQLite-backed event log and heartbeats.
	var (
		obsDB     *sql.DB
		events    *observability.EventLogger
		heartbeat *observability.HeartbeatWriter
	)
	if cfg.ObservabilityDB != "" {
		db, err := dbopen.Open(cfg.ObservabilityDB, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("observability db: %w", err)
		}
		if err := observability.Init(db); err != nil {
			db.Close()
			return fmt.Errorf("observability schema: %w", err)
		}
		obsDB = db
		defer obsDB.Close()
		events = observability.NewEventLogger(db)
		heartbeat = observability.NewHeartbeatWriter(db, serviceName, heartbeatInterval)
	}

	agg := metrics.New(metrics.WithLogger(logger))

	breakers := breaker.NewRegistry()
	pools := wspool.NewManager()
	workers := make([]*fleet.Worker, 0, len(cfg.WorkerHosts))
	for i, host := range cfg.WorkerHosts {
		id := fmt.Sprintf("worker-%d", i+1)

		br := breaker.New(id,
			breaker.WithFailureThreshold(cfg.FailureThreshold),
			breaker.WithSuccessThreshold(cfg.SuccessThreshold),
			breaker.WithResetTimeout(cfg.ResetTimeout.Std()),
			breaker.WithMaxResetTimeout(cfg.MaxResetTimeout.Std()),
			breaker.WithWindow(cfg.WindowSize.Std(), cfg.VolumeThreshold, cfg.ErrorThresholdPct),
			breaker.WithTransitionFunc(func(name string, from, to breaker.State, reason string) {
				logger.Warn("breaker transition",
					"breaker", name, "from", from.String(), "to", to.String(), "reason", reason)
				if events != nil {
					events.LogEvent(context.Background(), observability.Event{
						Type:       observability.EventBreakerChanged,
						EntityType: "breaker",
						EntityID:   name,
						WorkerID:   name,
						Detail:     fmt.Sprintf("%s -> %s: %s", from, to, reason),
						Success:    to == breaker.StateClosed,
					})
				}
			}))
		breakers.Register(br)

		client := comfy.NewClient(cfg.WorkerScheme(), host, cfg.CallTimeout.Std(), logger)
		workers = append(workers, fleet.NewWorker(id, host, client, br, cfg.MaxJobsPerWorker))

		pools.Add(wspool.New(id, cfg.StreamScheme(), host,
			wspool.WithMaxStreams(cfg.MaxStreamsPerWorker),
			wspool.WithAcquireTimeout(cfg.AcquireTimeout.Std()),
			wspool.WithOpenTimeout(cfg.StreamOpenTimeout.Std()),
			wspool.WithHealthTick(cfg.StreamHealthTick.Std()),
			wspool.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
			wspool.WithPingFailureFunc(br.RecordFailure),
			wspool.WithLogger(logger)))
	}

	flt := fleet.New(workers...)
	monitor := fleet.NewHealthMonitor(flt,
		fleet.WithProbeInterval(cfg.ProbeInterval.Std()),
		fleet.WithProbeTimeouts(cfg.DispatchProbeTimeout.Std(), cfg.BgProbeTimeout.Std()),
		fleet.WithMonitorLogger(logger),
		fleet.WithChangeFunc(func(workerID string, healthy bool, reason string) {
			if events == nil {
				return
			}
			events.LogEvent(context.Background(), observability.Event{
				Type:       observability.EventWorkerHealth,
				EntityType: "worker",
				EntityID:   workerID,
				WorkerID:   workerID,
				Detail:     reason,
				Success:    healthy,
			})
		}))

	registry := jobs.NewRegistry(
		jobs.WithJobTimeout(cfg.JobTimeout.Std()),
		jobs.WithTerminalRetention(cfg.TerminalRetention.Std()),
		jobs.WithLogger(logger),
		jobs.WithEvictionFunc(func(job jobs.Job, reason string) {
			agg.JobFailed(job.ID, string(job.Kind), job.AssignedWorker, executor.KindTimeout, reason)
			if events != nil {
				events.LogEvent(context.Background(), observability.Event{
					Type:       observability.EventJobEvicted,
					EntityType: "job",
					EntityID:   job.ID,
					WorkerID:   job.AssignedWorker,
					JobKind:    string(job.Kind),
					Detail:     reason,
				})
			}
		}))

	execOpts := []executor.Option{
		executor.WithExecutionTimeout(cfg.ExecutionTimeout.Std()),
		executor.WithSettleDelay(cfg.SettleDelay.Std()),
		executor.WithMetrics(agg),
		executor.WithLogger(logger),
	}
	if events != nil {
		execOpts = append(execOpts, executor.WithEvents(events))
	}
	if cfg.OutputFiles {
		execOpts = append(execOpts, executor.WithOutputDir(cfg.OutputsDir))
	}
	exec := executor.New(registry, pools, monitor, execOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithMaxConcurrent(cfg.MaxConcurrentGlobal),
		scheduler.WithTick(cfg.SchedulerTickInterval.Std()),
		scheduler.WithShutdownGrace(cfg.ShutdownGrace.Std()),
		scheduler.WithLogger(logger),
	}
	if events != nil {
		schedOpts = append(schedOpts, scheduler.WithEvents(events))
	}
	balancer := fleet.NewBalancer(flt, monitor, logger,
		fleet.WithDispatchFailureFunc(agg.DispatchFailed))
	sched := scheduler.New(registry, balancer, exec, schedOpts...)

	// Background loops get their own context so a shutdown signal does not
	// kill probes and stream pools while in-flight jobs drain.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	monitor.Start(runCtx)
	pools.StartAll(runCtx)
	sched.Start(ctx)
	if heartbeat != nil {
		heartbeat.Start(runCtx)
	}
	if obsDB != nil && cfg.ObservabilityRetentionDays > 0 {
		go observability.RunCleanup(runCtx, obsDB, observability.RetentionConfig{
			EventsDays:     cfg.ObservabilityRetentionDays,
			HeartbeatsDays: cfg.ObservabilityRetentionDays,
		}, cleanupInterval)
	}

	var saverDone chan struct{}
	var stopSaver context.CancelFunc
	if cfg.MetricsFilePath != "" {
		saverCtx, cancel := context.WithCancel(context.Background())
		stopSaver = cancel
		saverDone = make(chan struct{})
		go func() {
			defer close(saverDone)
			agg.RunSaver(saverCtx, cfg.MetricsFilePath, cfg.MetricsSaveInterval.Std())
		}()
	}

	serverOpts := []server.Option{server.WithSyncWait(cfg.JobTimeout.Std())}
	if obsDB != nil {
		serverOpts = append(serverOpts, server.WithObservabilityDB(obsDB, 3*heartbeatInterval))
	}
	srv := server.New(server.Deps{
		Registry:  registry,
		Scheduler: sched,
		Fleet:     flt,
		Monitor:   monitor,
		Pools:     pools,
		Metrics:   agg,
		Breakers:  breakers,
		Events:    events,
		Logger:    logger,
	}, serverOpts...)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Synchronous requests may legitimately block for a full job
		// timeout before answering.
		WriteTimeout: cfg.JobTimeout.Std() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", httpSrv.Addr,
			"workers", len(cfg.WorkerHosts),
			"max_concurrent", cfg.MaxConcurrentGlobal)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	// Drain in-flight jobs before tearing down the transport they use.
	sched.Stop()
	monitor.Stop()
	pools.CloseAll()
	registry.Close()

	if stopSaver != nil {
		stopSaver()
		<-saverDone
	}
	if heartbeat != nil {
		heartbeat.Stop()
	}

	logger.Info("stopped")
	return nil
}
