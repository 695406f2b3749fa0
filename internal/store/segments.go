package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Sentinel errors returned by segment operations.
var (
	// ErrNotFound is returned when the referenced segment does not exist.
	ErrNotFound = errors.New("store: segment not found")

	// ErrInvalidTransition is returned when a requested state change is not
	// an edge of the segment lifecycle DAG.
	ErrInvalidTransition = errors.New("store: invalid segment state transition")

	// ErrRetriesExhausted is returned when failed → queued is requested for a
	// segment whose retry budget is spent.
	ErrRetriesExhausted = errors.New("store: segment retries exhausted")
)

const segmentColumns = `
	id, program_id, slot_type, state, scheduled_start_ts, title, script,
	citations, asset_id, conversation_format, participant_count, language,
	target_duration_sec, duration_sec, tone_score, tone_breakdown, model,
	prompt_tokens, completion_tokens, retry_count, max_retries, last_error,
	idempotency_key, aired_at, created_at, updated_at`

// CreateSegment inserts a new segment, in [StateQueued] unless the caller
// sets a state (the scheduler creates music slots ready). A missing ID is
// generated. When IdempotencyKey is set and a segment with the same key
// already exists, the existing segment's ID and timestamps are copied into
// seg and no new row is created.
func (s *Store) CreateSegment(ctx context.Context, seg *Segment) error {
	if seg.ProgramID == "" {
		return errors.New("store: create segment: program_id must not be empty")
	}
	if seg.SlotType == "" {
		return errors.New("store: create segment: slot_type must not be empty")
	}
	if seg.ScheduledStartTS.IsZero() {
		return errors.New("store: create segment: scheduled_start_ts must be set")
	}
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	if seg.State == "" {
		seg.State = StateQueued
	}
	if seg.MaxRetries == 0 {
		seg.MaxRetries = 3
	}
	if seg.ParticipantCount == 0 {
		seg.ParticipantCount = 1
	}
	if seg.Language == "" {
		seg.Language = "en"
	}

	citJSON, err := json.Marshal(emptySlice(seg.Citations))
	if err != nil {
		return fmt.Errorf("store: marshal citations: %w", err)
	}

	const query = `
		INSERT INTO segments (
			id, program_id, slot_type, state, scheduled_start_ts, title,
			conversation_format, participant_count, language, citations,
			target_duration_sec, max_retries, idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		seg.ID, seg.ProgramID, seg.SlotType, seg.State, seg.ScheduledStartTS,
		seg.Title, seg.ConversationFormat, seg.ParticipantCount, seg.Language,
		citJSON, seg.TargetDurationSec, seg.MaxRetries, seg.IdempotencyKey,
	).Scan(&seg.CreatedAt, &seg.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) && seg.IdempotencyKey != nil {
			existing, gerr := s.GetSegmentByIdempotencyKey(ctx, *seg.IdempotencyKey)
			if gerr != nil {
				return gerr
			}
			if existing != nil {
				*seg = *existing
				return nil
			}
		}
		return fmt.Errorf("store: create segment: %w", err)
	}
	return nil
}

// GetSegment retrieves a segment by ID. Returns (nil, nil) when it does not
// exist.
func (s *Store) GetSegment(ctx context.Context, id string) (*Segment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+segmentColumns+` FROM segments WHERE id = $1`, id)
	seg, err := scanSegment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get segment %q: %w", id, err)
	}
	return seg, nil
}

// GetSegmentByIdempotencyKey retrieves a segment by its idempotency key.
// Returns (nil, nil) when no segment carries the key.
func (s *Store) GetSegmentByIdempotencyKey(ctx context.Context, key string) (*Segment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+segmentColumns+` FROM segments WHERE idempotency_key = $1`, key)
	seg, err := scanSegment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get segment by key %q: %w", key, err)
	}
	return seg, nil
}

// Transition advances a segment to the target state, enforcing the lifecycle
// DAG with a single conditional UPDATE so concurrent workers cannot race a
// segment into an illegal state.
//
// Special cases handled in SQL:
//   - to == StateQueued (retry after failure) also requires
//     retry_count < max_retries and increments retry_count; when the budget
//     is spent, [ErrRetriesExhausted] is returned.
//   - to == StateAired stamps aired_at.
//
// Returns [ErrInvalidTransition] when the segment exists but is not in an
// allowed source state, and [ErrNotFound] when it does not exist.
func (s *Store) Transition(ctx context.Context, id string, to SegmentState) error {
	sources, ok := allowedSources[to]
	if !ok {
		return fmt.Errorf("%w: no transitions lead to %q", ErrInvalidTransition, to)
	}
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}

	var query string
	switch to {
	case StateQueued:
		query = `
			UPDATE segments
			SET state = $2, retry_count = retry_count + 1, updated_at = now()
			WHERE id = $1 AND state = ANY($3) AND retry_count < max_retries`
	case StateAired:
		// aired_at is normally stamped by MarkAiring from the broadcaster's
		// now-playing report; now() is the fallback for segments that never
		// got one.
		query = `
			UPDATE segments
			SET state = $2, aired_at = COALESCE(aired_at, now()), updated_at = now()
			WHERE id = $1 AND state = ANY($3)`
	default:
		query = `
			UPDATE segments
			SET state = $2, updated_at = now()
			WHERE id = $1 AND state = ANY($3)`
	}

	tag, err := s.db.Exec(ctx, query, id, to, from)
	if err != nil {
		return fmt.Errorf("store: transition segment %q to %q: %w", id, to, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows: distinguish missing, wrong state, and spent retry budget.
	seg, err := s.GetSegment(ctx, id)
	if err != nil {
		return err
	}
	if seg == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if to == StateQueued && seg.State == StateFailed && seg.RetryCount >= seg.MaxRetries {
		return fmt.Errorf("%w: segment %q used %d of %d retries",
			ErrRetriesExhausted, id, seg.RetryCount, seg.MaxRetries)
	}
	return fmt.Errorf("%w: segment %q is %q, cannot move to %q",
		ErrInvalidTransition, id, seg.State, to)
}

// MarkAiring moves a ready segment on air and stamps aired_at with the
// playback start instant the broadcaster reported. A zero airedAt means the
// report carried no timestamp; the database clock is used instead.
func (s *Store) MarkAiring(ctx context.Context, id string, airedAt time.Time) error {
	var at *time.Time
	if !airedAt.IsZero() {
		at = &airedAt
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE segments
		SET state = $2, aired_at = COALESCE($3, now()), updated_at = now()
		WHERE id = $1 AND state = $4`,
		id, StateAiring, at, StateReady)
	if err != nil {
		return fmt.Errorf("store: mark segment %q airing: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		seg, gerr := s.GetSegment(ctx, id)
		if gerr != nil {
			return gerr
		}
		if seg == nil {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return fmt.Errorf("%w: segment %q is %q, cannot move to %q",
			ErrInvalidTransition, id, seg.State, StateAiring)
	}
	return nil
}

// MarkFailed moves a segment to [StateFailed] and records the error message.
// Only in-flight states (retrieving, generating, rendering, normalizing) may
// fail.
func (s *Store) MarkFailed(ctx context.Context, id string, cause string) error {
	sources := allowedSources[StateFailed]
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE segments
		SET state = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND state = ANY($4)`,
		id, StateFailed, cause, from)
	if err != nil {
		return fmt.Errorf("store: mark segment %q failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		seg, gerr := s.GetSegment(ctx, id)
		if gerr != nil {
			return gerr
		}
		if seg == nil {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return fmt.Errorf("%w: segment %q is %q, cannot move to %q",
			ErrInvalidTransition, id, seg.State, StateFailed)
	}
	return nil
}

// SetGenerationResult stores the script-generation outcome produced while the
// segment was in generating state.
func (s *Store) SetGenerationResult(ctx context.Context, id string, title, script string,
	citations []Citation, tone *ToneBreakdown, toneScore float64,
	model string, promptTokens, completionTokens int) error {

	citJSON, err := json.Marshal(emptySlice(citations))
	if err != nil {
		return fmt.Errorf("store: marshal citations: %w", err)
	}
	var toneJSON []byte
	if tone != nil {
		toneJSON, err = json.Marshal(tone)
		if err != nil {
			return fmt.Errorf("store: marshal tone breakdown: %w", err)
		}
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE segments
		SET title = $2, script = $3, citations = $4, tone_breakdown = $5,
		    tone_score = $6, model = $7, prompt_tokens = $8,
		    completion_tokens = $9, updated_at = now()
		WHERE id = $1`,
		id, title, script, citJSON, toneJSON, toneScore, model, promptTokens, completionTokens)
	if err != nil {
		return fmt.Errorf("store: set generation result for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return nil
}

// AttachAsset links a stored audio asset to the segment and records the
// rendered duration.
func (s *Store) AttachAsset(ctx context.Context, id, assetID string, durationSec float64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE segments
		SET asset_id = $2, duration_sec = $3, updated_at = now()
		WHERE id = $1`,
		id, assetID, durationSec)
	if err != nil {
		return fmt.Errorf("store: attach asset %q to segment %q: %w", assetID, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return nil
}

// ListSegmentsByState returns up to limit segments in the given state,
// ordered by scheduled start ascending.
func (s *Store) ListSegmentsByState(ctx context.Context, state SegmentState, limit int) ([]*Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT`+segmentColumns+`
		FROM segments
		WHERE state = $1
		ORDER BY scheduled_start_ts ASC
		LIMIT $2`,
		state, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list segments in state %q: %w", state, err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

// NextReadySegments returns up to limit ready segments whose broadcast time
// falls at or after the cutoff, ordered by scheduled start ascending. This is
// the playout pull query.
func (s *Store) NextReadySegments(ctx context.Context, after time.Time, limit int) ([]*Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT`+segmentColumns+`
		FROM segments
		WHERE state = $1 AND scheduled_start_ts >= $2
		ORDER BY scheduled_start_ts ASC
		LIMIT $3`,
		StateReady, after, limit)
	if err != nil {
		return nil, fmt.Errorf("store: next ready segments: %w", err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

// ReadyFraction reports what share of segments scheduled inside [from, to)
// have reached ready or a later non-failed state. Returns 0 when no segments
// exist in the window; the boolean is false in that case so the scheduler can
// tell "empty day" from "nothing ready".
func (s *Store) ReadyFraction(ctx context.Context, from, to time.Time) (float64, bool, error) {
	var total, done int
	err := s.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE state IN ('ready','airing','aired','archived'))
		FROM segments
		WHERE scheduled_start_ts >= $1 AND scheduled_start_ts < $2`,
		from, to).Scan(&total, &done)
	if err != nil {
		return 0, false, fmt.Errorf("store: ready fraction: %w", err)
	}
	if total == 0 {
		return 0, false, nil
	}
	return float64(done) / float64(total), true, nil
}

// ArchiveAiredBefore moves aired segments older than the cutoff to archived.
// Returns the number of segments archived.
func (s *Store) ArchiveAiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE segments
		SET state = $1, updated_at = now()
		WHERE state = $2 AND aired_at IS NOT NULL AND aired_at < $3`,
		StateArchived, StateAired, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: archive aired segments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteArchivedBefore removes archived segments created before the cutoff.
// Participants and turns cascade; assets are left for the asset sweep.
func (s *Store) DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM segments
		WHERE state = $1 AND created_at < $2`,
		StateArchived, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete archived segments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSegment(row pgx.Row) (*Segment, error) {
	var seg Segment
	var citJSON, toneJSON []byte
	err := row.Scan(
		&seg.ID, &seg.ProgramID, &seg.SlotType, &seg.State, &seg.ScheduledStartTS,
		&seg.Title, &seg.Script, &citJSON, &seg.AssetID, &seg.ConversationFormat,
		&seg.ParticipantCount, &seg.Language, &seg.TargetDurationSec,
		&seg.DurationSec, &seg.ToneScore, &toneJSON, &seg.Model,
		&seg.PromptTokens, &seg.CompletionTokens, &seg.RetryCount,
		&seg.MaxRetries, &seg.LastError, &seg.IdempotencyKey,
		&seg.AiredAt, &seg.CreatedAt, &seg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(citJSON) > 0 {
		if err := json.Unmarshal(citJSON, &seg.Citations); err != nil {
			return nil, fmt.Errorf("store: unmarshal citations: %w", err)
		}
	}
	if len(toneJSON) > 0 {
		seg.ToneBreakdown = &ToneBreakdown{}
		if err := json.Unmarshal(toneJSON, seg.ToneBreakdown); err != nil {
			return nil, fmt.Errorf("store: unmarshal tone breakdown: %w", err)
		}
	}
	return &seg, nil
}

func scanSegments(rows pgx.Rows) ([]*Segment, error) {
	var out []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan segment row: %w", err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate segment rows: %w", err)
	}
	return out, nil
}
