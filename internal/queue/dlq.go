package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ResolutionRetried marks a dead letter that was replayed back onto the
// queue.
const ResolutionRetried = "retried"

const deadLetterColumns = `
	id, original_job_id, type, payload, failure_reason, failure_details,
	attempts_made, reviewed_at, resolution, created_at`

// ListDeadLetters returns dead letters newest-first, up to limit. When
// unreviewedOnly is set, letters that already carry a reviewed_at stamp are
// skipped.
func (q *Queue) ListDeadLetters(ctx context.Context, unreviewedOnly bool, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT` + deadLetterColumns + ` FROM dead_letter_queue`
	if unreviewedOnly {
		query += ` WHERE reviewed_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := q.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.OriginalJobID, &d.Type, &d.Payload,
			&d.FailureReason, &d.FailureDetails, &d.AttemptsMade,
			&d.ReviewedAt, &d.Resolution, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("queue: scan dead letter: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// GetDeadLetter retrieves one dead letter. Returns (nil, nil) when it does
// not exist.
func (q *Queue) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	var d DeadLetter
	err := q.db.QueryRow(ctx,
		`SELECT`+deadLetterColumns+` FROM dead_letter_queue WHERE id = $1`, id,
	).Scan(&d.ID, &d.OriginalJobID, &d.Type, &d.Payload, &d.FailureReason,
		&d.FailureDetails, &d.AttemptsMade, &d.ReviewedAt, &d.Resolution, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: get dead letter %q: %w", id, err)
	}
	return &d, nil
}

// MarkReviewed stamps a dead letter as seen by an operator and records the
// chosen resolution (e.g. "discarded", "fixed upstream").
func (q *Queue) MarkReviewed(ctx context.Context, id, resolution string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE dead_letter_queue
		SET reviewed_at = now(), resolution = $2
		WHERE id = $1`,
		id, resolution)
	if err != nil {
		return fmt.Errorf("queue: mark dead letter %q reviewed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue: dead letter %q not found", id)
	}
	return nil
}

// Replay re-enqueues a dead letter as a fresh job at default priority with a
// reset attempt budget, and marks the letter reviewed with resolution
// "retried". Already-replayed letters are rejected.
func (q *Queue) Replay(ctx context.Context, id string) (*Job, error) {
	d, err := q.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("queue: dead letter %q not found", id)
	}
	if d.Resolution == ResolutionRetried {
		return nil, fmt.Errorf("queue: dead letter %q was already replayed", id)
	}

	job, err := q.Enqueue(ctx, EnqueueRequest{
		Type:     d.Type,
		Payload:  d.Payload,
		Priority: DefaultPriority,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: replay dead letter %q: %w", id, err)
	}
	if err := q.MarkReviewed(ctx, id, ResolutionRetried); err != nil {
		return nil, err
	}
	return job, nil
}
