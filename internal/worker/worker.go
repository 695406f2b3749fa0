// Package worker runs the durable job claim loop shared by all Chronocast
// worker processes. A Worker blocks on the queue's LISTEN/NOTIFY wakeup (with
// a poll fallback), claims one job at a time under a lease, dispatches it to
// the registered handler for its type, and reports the outcome back to the
// queue. Long handlers get their lease extended in the background; crashes
// are covered by the stale-lock sweeper.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chronocast/chronocast/internal/observe"
	"github.com/chronocast/chronocast/internal/queue"
)

// Defaults for the claim loop.
const (
	DefaultMaxConcurrent     = 2
	DefaultPollInterval      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDrainTimeout      = 60 * time.Second
)

// Handler processes one claimed job payload. A nil return completes the job;
// an error fails it (the queue decides between retry and dead-letter).
type Handler func(ctx context.Context, payload json.RawMessage) error

// Jobs is the queue surface the worker drives.
type Jobs interface {
	Claim(ctx context.Context, workerID string, types []string, lease time.Duration) (*queue.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID, reason, details string) error
}

var _ Jobs = (*queue.Queue)(nil)

// Waiter blocks until a job of interest may be available. [queue.Listener]
// is the production implementation; a nil Waiter degrades to pure polling.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) (string, error)
}

var _ Waiter = (*queue.Listener)(nil)

// Health receives liveness heartbeats. Nil disables them.
type Health interface {
	Heartbeat(ctx context.Context, workerType, instanceID, status string) error
}

// Config wires a Worker.
type Config struct {
	Jobs     Jobs
	Listener Waiter
	Health   Health
	Metrics  *observe.Metrics
	Logger   *slog.Logger

	// WorkerType names this process kind in heartbeats ("generator",
	// "mastering", ...).
	WorkerType string

	// InstanceID distinguishes replicas and owns job locks. Empty means a
	// fresh UUID.
	InstanceID string

	// Types are the job types this worker claims. Required.
	Types []string

	// MaxConcurrent bounds handlers running at once. Zero means 2.
	MaxConcurrent int

	// PollInterval is the claim cadence when no notification arrives.
	// Zero means 5s.
	PollInterval time.Duration

	// Lease is how long a claim holds a job between extensions. Zero means
	// [queue.DefaultLease].
	Lease time.Duration

	// HeartbeatInterval is the liveness reporting cadence. Zero means 30s.
	HeartbeatInterval time.Duration

	// DrainTimeout bounds the wait for in-flight handlers on shutdown.
	// Zero means 60s.
	DrainTimeout time.Duration
}

// Worker claims and dispatches jobs until its context is cancelled.
type Worker struct {
	jobs     Jobs
	listener Waiter
	health   Health
	metrics  *observe.Metrics
	logger   *slog.Logger

	workerType string
	instanceID string
	types      []string
	handlers   map[string]Handler

	sem           *semaphore.Weighted
	maxConcurrent int64
	poll          time.Duration
	lease         time.Duration
	heartbeat     time.Duration
	drain         time.Duration
}

// New creates a Worker from cfg. Handlers are registered afterwards with
// [Worker.Register]; Run refuses to start until every configured type has one.
func New(cfg Config) (*Worker, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("worker: Jobs must not be nil")
	}
	if len(cfg.Types) == 0 {
		return nil, errors.New("worker: at least one job type required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = queue.DefaultLease
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &Worker{
		jobs:          cfg.Jobs,
		listener:      cfg.Listener,
		health:        cfg.Health,
		metrics:       metrics,
		logger:        logger.With("worker_type", cfg.WorkerType, "instance", instanceID),
		workerType:    cfg.WorkerType,
		instanceID:    instanceID,
		types:         cfg.Types,
		handlers:      make(map[string]Handler),
		sem:           semaphore.NewWeighted(maxConcurrent),
		maxConcurrent: maxConcurrent,
		poll:          poll,
		lease:         lease,
		heartbeat:     hb,
		drain:         drain,
	}, nil
}

// Register binds a handler to a job type.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// InstanceID returns the lock-owner identity of this worker.
func (w *Worker) InstanceID() string {
	return w.instanceID
}

// Run claims and dispatches jobs until ctx is cancelled, then drains in-flight
// handlers. It returns nil on a clean drain.
func (w *Worker) Run(ctx context.Context) error {
	for _, typ := range w.types {
		if _, ok := w.handlers[typ]; !ok {
			return fmt.Errorf("worker: no handler registered for job type %q", typ)
		}
	}

	if w.health != nil {
		go w.heartbeatLoop(ctx)
	}
	w.logger.Info("worker started", "types", w.types, "max_concurrent", w.maxConcurrent)

	for {
		// A semaphore slot is taken before claiming so a saturated worker
		// does not claim jobs it cannot start.
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}

		job, err := w.jobs.Claim(ctx, w.instanceID, w.types, w.lease)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("claiming job failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sem.Release(1)
			w.wait(ctx)
			continue
		}

		go func() {
			defer w.sem.Release(1)
			w.process(ctx, job)
		}()

		if ctx.Err() != nil {
			break
		}
	}

	return w.drainInFlight()
}

// wait blocks until a notification arrives or the poll interval elapses.
func (w *Worker) wait(ctx context.Context) {
	if w.listener == nil {
		w.sleep(ctx)
		return
	}
	if _, err := w.listener.Wait(ctx, w.poll); err != nil && ctx.Err() == nil {
		w.logger.Warn("listener wait failed, falling back to poll", "error", err)
		w.sleep(ctx)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.poll):
	}
}

// process runs one claimed job to completion. The handler gets a context
// detached from the claim loop's cancellation so a shutdown drains instead of
// aborting mid-job; the lease extender keeps ownership alive meanwhile.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	log := w.logger.With("job", job.ID, "type", job.Type, "attempt", job.Attempts)
	log.Info("job started")

	if w.metrics.JobsInFlight != nil {
		w.metrics.JobsInFlight.Add(ctx, 1)
	}
	defer func() {
		if w.metrics.JobsInFlight != nil {
			w.metrics.JobsInFlight.Add(context.WithoutCancel(ctx), -1)
		}
	}()

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go w.extendLease(jobCtx, job.ID)

	start := time.Now()
	err := w.handlers[job.Type](jobCtx, job.Payload)
	elapsed := time.Since(start)
	cancel()

	if err != nil {
		log.Error("job failed", "error", err, "duration", elapsed)
		w.metrics.RecordJob(jobCtx, job.Type, "failed", elapsed.Seconds())
		if ferr := w.jobs.Fail(jobCtx, job.ID, w.instanceID, err.Error(), fmt.Sprintf("%+v", err)); ferr != nil {
			log.Error("reporting job failure failed", "error", ferr)
		}
		return
	}

	log.Info("job completed", "duration", elapsed)
	w.metrics.RecordJob(jobCtx, job.Type, "completed", elapsed.Seconds())
	if cerr := w.jobs.Complete(jobCtx, job.ID, w.instanceID); cerr != nil {
		log.Error("reporting job completion failed", "error", cerr)
	}
}

// extendLease renews the job lock at half the lease interval until the job
// context is cancelled.
func (w *Worker) extendLease(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.ExtendLease(ctx, jobID, w.instanceID, w.lease); err != nil {
				if errors.Is(err, queue.ErrNotOwner) {
					w.logger.Warn("lost job lease", "job", jobID)
					return
				}
				w.logger.Warn("extending lease failed", "job", jobID, "error", err)
			}
		}
	}
}

// heartbeatLoop reports liveness until ctx is cancelled.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	beat := func() {
		if err := w.health.Heartbeat(ctx, w.workerType, w.instanceID, "healthy"); err != nil {
			w.logger.Warn("heartbeat failed", "error", err)
		}
	}
	beat()
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// drainInFlight waits for running handlers to finish, up to the drain
// timeout. Jobs still running after that keep their lease and are recovered
// by the stale-lock sweeper.
func (w *Worker) drainInFlight() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), w.drain)
	defer cancel()

	if err := w.sem.Acquire(drainCtx, w.maxConcurrent); err != nil {
		w.logger.Warn("drain timeout, abandoning in-flight jobs to the sweeper")
		return fmt.Errorf("worker: drain: %w", err)
	}
	w.sem.Release(w.maxConcurrent)
	w.logger.Info("worker stopped")
	return nil
}
