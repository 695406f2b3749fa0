// Package queue implements the durable PostgreSQL-backed job queue that
// coordinates Chronocast's worker fleet. Jobs are typed, prioritised,
// leased with expiring locks, retried with exponential backoff, and moved to
// a dead-letter table when their attempt budget is exhausted.
//
// Claiming uses FOR UPDATE SKIP LOCKED so any number of workers can pull
// concurrently without double-delivery, and fresh enqueues fire a
// LISTEN/NOTIFY wakeup (channel "new_job_<type>") so idle workers react
// without tight polling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Job types dispatched through the queue.
const (
	TypeSegmentMake   = "segment_make"   // generate one segment end-to-end
	TypeAudioFinalize = "audio_finalize" // master a rendered asset
	TypeKBIndex       = "kb_index"       // chunk and embed a knowledge source
	TypeSchedule      = "schedule"       // materialise a broadcast day
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
)

const (
	// DefaultPriority is assigned when an enqueue leaves priority zero.
	DefaultPriority = 5

	// DefaultMaxAttempts bounds retries before dead-lettering.
	DefaultMaxAttempts = 3

	// DefaultLease is how long a claim holds a job before the stale-lock
	// sweep may hand it to another worker.
	DefaultLease = 10 * time.Minute

	// backoffBase is the first retry delay; each further attempt doubles it.
	backoffBase = 300 * time.Second
)

// ErrNotOwner is returned when a worker reports completion or failure for a
// job whose lease it no longer holds.
var ErrNotOwner = errors.New("queue: job is not locked by this worker")

// Job is one unit of queued work.
type Job struct {
	ID           string
	Type         string
	Payload      json.RawMessage
	State        JobState
	Priority     int // 1 (lowest) to 10 (highest)
	ScheduledFor time.Time
	LockedUntil  *time.Time
	LockedBy     string
	Attempts     int
	MaxAttempts  int
	StartedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeadLetter is a job that exhausted its attempts, parked for operator
// review.
type DeadLetter struct {
	ID             string
	OriginalJobID  string
	Type           string
	Payload        json.RawMessage
	FailureReason  string
	FailureDetails string
	AttemptsMade   int
	ReviewedAt     *time.Time
	Resolution     string
	CreatedAt      time.Time
}

// DB is the database interface used by [Queue]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Queue is the PostgreSQL job queue. Safe for concurrent use.
type Queue struct {
	db DB
}

// New creates a Queue on the given connection or pool. The jobs and
// dead_letter_queue tables must already exist (the store migration creates
// them).
func New(db DB) *Queue {
	return &Queue{db: db}
}

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	Type     string
	Payload  any           // marshalled to JSONB; nil stores {}
	Priority int           // must be in [1, 10]; callers wanting the default pass DefaultPriority
	Delay    time.Duration // postpone eligibility; 0 = immediate
}

// Enqueue inserts a job and, when it is immediately eligible, notifies the
// job type's wakeup channel. Delayed jobs skip the notify — the claim poll
// picks them up once scheduled_for passes.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.Type == "" {
		return nil, errors.New("queue: enqueue: type must not be empty")
	}
	if req.Priority < 1 || req.Priority > 10 {
		return nil, fmt.Errorf("queue: enqueue: priority %d is out of range [1, 10]", req.Priority)
	}
	if req.Delay < 0 {
		return nil, fmt.Errorf("queue: enqueue: delay must not be negative")
	}

	payload := []byte("{}")
	if req.Payload != nil {
		var err error
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal payload: %w", err)
		}
	}

	job := &Job{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Payload:      payload,
		State:        StatePending,
		Priority:     req.Priority,
		ScheduledFor: time.Now().Add(req.Delay),
		MaxAttempts:  DefaultMaxAttempts,
	}

	err := q.db.QueryRow(ctx, `
		INSERT INTO jobs (id, type, payload, state, priority, scheduled_for, max_attempts)
		VALUES ($1,$2,$3,$4,$5, now() + $6::interval, $7)
		RETURNING scheduled_for, created_at, updated_at`,
		job.ID, job.Type, payload, job.State, job.Priority,
		req.Delay.String(), job.MaxAttempts,
	).Scan(&job.ScheduledFor, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", req.Type, err)
	}

	if req.Delay == 0 {
		if _, err := q.db.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel(req.Type), job.ID); err != nil {
			// The job is durably queued; a lost wakeup only delays pickup
			// until the next poll tick.
			return job, nil
		}
	}
	return job, nil
}

// NotifyChannel returns the LISTEN/NOTIFY channel name for a job type.
func NotifyChannel(jobType string) string {
	return "new_job_" + jobType
}

const jobColumns = `
	id, type, payload, state, priority, scheduled_for, locked_until, locked_by,
	attempts, max_attempts, started_at, created_at, updated_at`

// Claim atomically leases the highest-priority eligible job of the given
// types for workerID. Eligibility means pending state and scheduled_for in
// the past; ties break oldest-first. Returns (nil, nil) when no job is
// eligible.
//
// The claim increments the attempt counter and holds the job until
// now()+lease; a worker that dies without completing loses the job to
// [Queue.SweepStaleLocks] after the lease expires. started_at is stamped on
// the first claim only, so it records when work on the job began rather than
// when the latest retry did. Jobs whose attempt budget is spent are never
// claimed; the requeue path dead-letters them instead.
func (q *Queue) Claim(ctx context.Context, workerID string, types []string, lease time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("queue: claim: workerID must not be empty")
	}
	if len(types) == 0 {
		return nil, errors.New("queue: claim: at least one job type required")
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	row := q.db.QueryRow(ctx, `
		UPDATE jobs
		SET state = $1, locked_by = $2, locked_until = now() + $3::interval,
		    attempts = attempts + 1, started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = $4 AND type = ANY($5) AND scheduled_for <= now()
			  AND attempts < max_attempts
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING`+jobColumns,
		StateRunning, workerID, lease.String(), StatePending, types)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return job, nil
}

// ExtendLease pushes a running job's lock further into the future. Long
// handlers call this periodically so the stale sweep does not reclaim work
// that is merely slow.
func (q *Queue) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET locked_until = now() + $3::interval, updated_at = now()
		WHERE id = $1 AND locked_by = $2 AND state = $4`,
		jobID, workerID, lease.String(), StateRunning)
	if err != nil {
		return fmt.Errorf("queue: extend lease on %q: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotOwner, jobID)
	}
	return nil
}

// Complete marks a job done. Completing an already-completed job is a no-op
// so handlers can be safely re-run after a partial failure.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET state = $3, locked_until = NULL, updated_at = now()
		WHERE id = $1 AND locked_by = $2 AND state = $4`,
		jobID, workerID, StateCompleted, StateRunning)
	if err != nil {
		return fmt.Errorf("queue: complete %q: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var state JobState
	err = q.db.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, jobID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Completed jobs may already be pruned; treat as done.
			return nil
		}
		return fmt.Errorf("queue: complete %q: %w", jobID, err)
	}
	if state == StateCompleted {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrNotOwner, jobID)
}

// Fail records a handler failure. Jobs with attempts left return to pending
// with exponential backoff (300 s, 600 s, 1200 s, …); jobs out of attempts
// move to the dead-letter queue and are removed from jobs.
func (q *Queue) Fail(ctx context.Context, jobID, workerID, reason, details string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("queue: fail: job %q not found", jobID)
	}
	if job.LockedBy != workerID || job.State != StateRunning {
		return fmt.Errorf("%w: %q", ErrNotOwner, jobID)
	}

	if job.Attempts >= job.MaxAttempts {
		return q.deadLetter(ctx, job, reason, details)
	}

	backoff := Backoff(job.Attempts)
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET state = $3, locked_by = '', locked_until = NULL,
		    scheduled_for = now() + $4::interval, updated_at = now()
		WHERE id = $1 AND locked_by = $2`,
		jobID, workerID, StatePending, backoff.String())
	if err != nil {
		return fmt.Errorf("queue: fail %q: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotOwner, jobID)
	}
	return nil
}

// Backoff returns the retry delay after the given number of attempts:
// 300 s doubling per attempt, so attempt 1 retries after 5 minutes,
// attempt 2 after 10, attempt 3 after 20.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return backoffBase * time.Duration(math.Pow(2, float64(attempts-1)))
}

// deadLetter parks an exhausted job and removes it from the live table.
func (q *Queue) deadLetter(ctx context.Context, job *Job, reason, details string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO dead_letter_queue
			(id, original_job_id, type, payload, failure_reason, failure_details, attempts_made)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), job.ID, job.Type, job.Payload, reason, details, job.Attempts)
	if err != nil {
		return fmt.Errorf("queue: dead-letter %q: %w", job.ID, err)
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
		return fmt.Errorf("queue: remove dead-lettered job %q: %w", job.ID, err)
	}
	return nil
}

// Get retrieves a job by ID. Returns (nil, nil) when it does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: get %q: %w", id, err)
	}
	return job, nil
}

// SweepStaleLocks returns expired running jobs to pending so another worker
// can claim them. Returns the number of jobs recovered. A recovered job
// keeps its attempt count, so repeated crashes still converge on the
// dead-letter queue.
func (q *Queue) SweepStaleLocks(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET state = $1, locked_by = '', locked_until = NULL, updated_at = now()
		WHERE state = $2 AND locked_until IS NOT NULL AND locked_until < now()`,
		StatePending, StateRunning)
	if err != nil {
		return 0, fmt.Errorf("queue: sweep stale locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneCompleted deletes completed jobs older than the cutoff. Returns the
// number removed.
func (q *Queue) PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM jobs WHERE state = $1 AND updated_at < $2`,
		StateCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: prune completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Depth reports the number of pending jobs per type, for metrics and the
// readiness probe.
func (q *Queue) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.Query(ctx, `
		SELECT type, count(*) FROM jobs WHERE state = $1 GROUP BY type`,
		StatePending)
	if err != nil {
		return nil, fmt.Errorf("queue: depth: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("queue: scan depth row: %w", err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.State, &j.Priority,
		&j.ScheduledFor, &j.LockedUntil, &j.LockedBy, &j.Attempts,
		&j.MaxAttempts, &j.StartedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
