package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	execs []string // recorded Exec SQL, in order
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return nil, errors.New("unexpected Query")
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, sql)
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func tagRows(n int) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n))
}

// insertRow satisfies the Enqueue RETURNING scan.
func insertRow() pgx.Row {
	return &mockRow{scanFunc: func(dest ...any) error {
		now := time.Now()
		*(dest[0].(*time.Time)) = now
		*(dest[1].(*time.Time)) = now
		*(dest[2].(*time.Time)) = now
		return nil
	}}
}

// jobScan fills a full job row into scanJob destinations.
func jobScan(id, typ string, state JobState, lockedBy string, attempts, maxAttempts int) func(dest ...any) error {
	return func(dest ...any) error {
		now := time.Now()
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = typ
		*(dest[2].(*json.RawMessage)) = json.RawMessage(`{"segment_id":"s1"}`)
		*(dest[3].(*JobState)) = state
		*(dest[4].(*int)) = DefaultPriority
		*(dest[5].(*time.Time)) = now
		*(dest[6].(**time.Time)) = &now
		*(dest[7].(*string)) = lockedBy
		*(dest[8].(*int)) = attempts
		*(dest[9].(*int)) = maxAttempts
		*(dest[10].(**time.Time)) = &now
		*(dest[11].(*time.Time)) = now
		*(dest[12].(*time.Time)) = now
		return nil
	}
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

func TestEnqueue_PriorityRange(t *testing.T) {
	t.Parallel()

	q := New(&mockDB{})
	ctx := context.Background()

	for _, p := range []int{-1, 0, 11, 100} {
		_, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeSegmentMake, Priority: p})
		if err == nil || !strings.Contains(err.Error(), "priority") {
			t.Errorf("Enqueue(priority=%d) error = %v, want priority range error", p, err)
		}
	}
}

func TestEnqueue_ImmediateNotifies(t *testing.T) {
	t.Parallel()

	var notifyChannel string
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return insertRow()
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "pg_notify") {
				notifyChannel = args[0].(string)
			}
			return pgconn.CommandTag{}, nil
		},
	}
	q := New(db)

	job, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:     TypeSegmentMake,
		Payload:  map[string]string{"segment_id": "s1"},
		Priority: DefaultPriority,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if job.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", job.Priority, DefaultPriority)
	}
	if notifyChannel != "new_job_segment_make" {
		t.Errorf("notify channel = %q, want new_job_segment_make", notifyChannel)
	}
}

func TestEnqueue_DelayedSkipsNotify(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return insertRow()
		},
	}
	q := New(db)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		Type:     TypeAudioFinalize,
		Priority: DefaultPriority,
		Delay:    5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	for _, sql := range db.execs {
		if strings.Contains(sql, "pg_notify") {
			t.Error("delayed enqueue must not notify")
		}
	}
}

// ---------------------------------------------------------------------------
// Claim
// ---------------------------------------------------------------------------

func TestClaim_UsesSkipLocked(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			gotSQL = sql
			return &mockRow{scanFunc: jobScan("j1", TypeSegmentMake, StateRunning, "w1", 1, 3)}
		},
	}
	q := New(db)

	job, err := q.Claim(context.Background(), "w1", []string{TypeSegmentMake}, 0)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("Claim() = %+v, want job j1", job)
	}
	for _, want := range []string{
		"FOR UPDATE SKIP LOCKED",
		"ORDER BY priority DESC, created_at ASC",
		"attempts = attempts + 1",
		"scheduled_for <= now()",
		"attempts < max_attempts",
		"started_at = COALESCE(started_at, now())",
	} {
		if !strings.Contains(gotSQL, want) {
			t.Errorf("claim SQL missing %q:\n%s", want, gotSQL)
		}
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	t.Parallel()

	q := New(&mockDB{}) // default QueryRow returns ErrNoRows

	job, err := q.Claim(context.Background(), "w1", []string{TypeSegmentMake}, 0)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if job != nil {
		t.Errorf("Claim() = %+v, want nil on empty queue", job)
	}
}

// ---------------------------------------------------------------------------
// Complete / Fail
// ---------------------------------------------------------------------------

func TestComplete_Idempotent(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return tagRows(0), nil // already completed, no row matched
		},
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*JobState)) = StateCompleted
				return nil
			}}
		},
	}
	q := New(db)

	if err := q.Complete(context.Background(), "j1", "w1"); err != nil {
		t.Fatalf("Complete() on completed job error = %v, want nil", err)
	}
}

func TestComplete_WrongOwner(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return tagRows(0), nil
		},
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*JobState)) = StateRunning
				return nil
			}}
		},
	}
	q := New(db)

	err := q.Complete(context.Background(), "j1", "intruder")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Complete() error = %v, want ErrNotOwner", err)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 300 * time.Second},
		{2, 600 * time.Second},
		{3, 1200 * time.Second},
		{4, 2400 * time.Second},
		{0, 300 * time.Second}, // clamps to the first step
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestFail_RequeuesWithBackoff(t *testing.T) {
	t.Parallel()

	var requeueSQL string
	var requeueArgs []any
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: jobScan("j1", TypeSegmentMake, StateRunning, "w1", 1, 3)}
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "scheduled_for = now()") {
				requeueSQL = sql
				requeueArgs = args
			}
			return tagRows(1), nil
		},
	}
	q := New(db)

	if err := q.Fail(context.Background(), "j1", "w1", "llm timeout", ""); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if requeueSQL == "" {
		t.Fatal("Fail() did not requeue the job")
	}
	if got := requeueArgs[3].(string); got != (300 * time.Second).String() {
		t.Errorf("backoff interval = %q, want %q", got, (300 * time.Second).String())
	}
}

func TestFail_ExhaustedMovesToDeadLetter(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: jobScan("j1", TypeSegmentMake, StateRunning, "w1", 3, 3)}
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return tagRows(1), nil
		},
	}
	q := New(db)

	if err := q.Fail(context.Background(), "j1", "w1", "lore check failed", "major inconsistency"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	var sawInsert, sawDelete bool
	for _, sql := range db.execs {
		if strings.Contains(sql, "INSERT INTO dead_letter_queue") {
			sawInsert = true
		}
		if strings.Contains(sql, "DELETE FROM jobs") {
			sawDelete = true
		}
	}
	if !sawInsert || !sawDelete {
		t.Errorf("exhausted Fail() insert=%t delete=%t, want both", sawInsert, sawDelete)
	}
}

func TestSweepStaleLocks(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return tagRows(2), nil
		},
	}
	q := New(db)

	n, err := q.SweepStaleLocks(context.Background())
	if err != nil {
		t.Fatalf("SweepStaleLocks() error = %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}
	if !strings.Contains(gotSQL, "locked_until < now()") {
		t.Errorf("sweep SQL missing lease check: %s", gotSQL)
	}
}

func TestNotifyChannel(t *testing.T) {
	t.Parallel()

	if got := NotifyChannel(TypeSegmentMake); got != "new_job_segment_make" {
		t.Errorf("NotifyChannel = %q", got)
	}
}
