package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestSegmentState_IsValid(t *testing.T) {
	t.Parallel()

	for _, s := range []SegmentState{
		StateQueued, StateRetrieving, StateGenerating, StateRendering,
		StateNormalizing, StateReady, StateAiring, StateAired, StateArchived, StateFailed,
	} {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", s)
		}
	}
	if SegmentState("broadcasting").IsValid() {
		t.Error(`IsValid("broadcasting") = true, want false`)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to SegmentState
		want     bool
	}{
		{StateQueued, StateRetrieving, true},
		{StateRetrieving, StateGenerating, true},
		{StateGenerating, StateRendering, true},
		{StateRendering, StateNormalizing, true},
		{StateNormalizing, StateReady, true},
		{StateReady, StateAiring, true},
		{StateAiring, StateAired, true},
		{StateAired, StateArchived, true},
		{StateGenerating, StateFailed, true},
		{StateFailed, StateQueued, true},

		// No skipping stages.
		{StateQueued, StateGenerating, false},
		{StateQueued, StateReady, false},
		{StateRetrieving, StateReady, false},
		// No moving backwards.
		{StateReady, StateQueued, false},
		{StateAired, StateAiring, false},
		// Terminal content states never fail.
		{StateReady, StateFailed, false},
		{StateAired, StateFailed, false},
		{StateQueued, StateFailed, false},
		// Archived is final.
		{StateArchived, StateQueued, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %t, want %t", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCreateSegment_Validation(t *testing.T) {
	t.Parallel()

	s := NewWithDB(&mockDB{})
	ctx := context.Background()

	tests := []struct {
		name    string
		seg     Segment
		wantErr string
	}{
		{
			name:    "missing program",
			seg:     Segment{SlotType: "news", ScheduledStartTS: time.Now()},
			wantErr: "program_id",
		},
		{
			name:    "missing slot type",
			seg:     Segment{ProgramID: "p1", ScheduledStartTS: time.Now()},
			wantErr: "slot_type",
		},
		{
			name:    "missing schedule",
			seg:     Segment{ProgramID: "p1", SlotType: "news"},
			wantErr: "scheduled_start_ts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CreateSegment(ctx, &tt.seg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("CreateSegment() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCreateSegment_Defaults(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			gotArgs = args
			return &mockRow{scanFunc: func(dest ...any) error {
				now := time.Now()
				*(dest[0].(*time.Time)) = now
				*(dest[1].(*time.Time)) = now
				return nil
			}}
		},
	}
	s := NewWithDB(db)

	seg := Segment{ProgramID: "p1", SlotType: "news", ScheduledStartTS: time.Now()}
	if err := s.CreateSegment(context.Background(), &seg); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}

	if seg.ID == "" {
		t.Error("ID not generated")
	}
	if seg.State != StateQueued {
		t.Errorf("State = %q, want %q", seg.State, StateQueued)
	}
	if seg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", seg.MaxRetries)
	}
	if seg.ParticipantCount != 1 {
		t.Errorf("ParticipantCount = %d, want 1", seg.ParticipantCount)
	}
	if seg.Language != "en" {
		t.Errorf("Language = %q, want en", seg.Language)
	}
	if len(gotArgs) != 13 {
		t.Errorf("insert arg count = %d, want 13", len(gotArgs))
	}
}

func TestCreateSegment_IdempotencyKeyConflict(t *testing.T) {
	t.Parallel()

	key := "sched:2525-03-15T08"
	existingID := "seg-existing"

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if strings.Contains(sql, "INSERT INTO segments") {
				return &mockRow{scanFunc: func(dest ...any) error {
					return &pgconn.PgError{Code: "23505"}
				}}
			}
			// Lookup by idempotency key returns the existing row.
			rows := &mockRows{data: [][]any{segmentRow(existingID, StateReady, 0, 3)}}
			rows.Next()
			return rows
		},
	}
	s := NewWithDB(db)

	seg := Segment{
		ProgramID:        "p1",
		SlotType:         "news",
		ScheduledStartTS: time.Now(),
		IdempotencyKey:   &key,
	}
	if err := s.CreateSegment(context.Background(), &seg); err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if seg.ID != existingID {
		t.Errorf("ID = %q, want existing %q", seg.ID, existingID)
	}
	if seg.State != StateReady {
		t.Errorf("State = %q, want existing state %q", seg.State, StateReady)
	}
}

func TestTransition_Allowed(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			gotArgs = args
			return tagRows(1), nil
		},
	}
	s := NewWithDB(db)

	if err := s.Transition(context.Background(), "seg-1", StateRetrieving); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !strings.Contains(gotSQL, "state = ANY($3)") {
		t.Errorf("transition SQL missing source-state guard: %s", gotSQL)
	}
	from, ok := gotArgs[2].([]string)
	if !ok || len(from) != 1 || from[0] != "queued" {
		t.Errorf("source states = %v, want [queued]", gotArgs[2])
	}
}

func TestTransition_RetryIncrementsCounter(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return tagRows(1), nil
		},
	}
	s := NewWithDB(db)

	if err := s.Transition(context.Background(), "seg-1", StateQueued); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !strings.Contains(gotSQL, "retry_count = retry_count + 1") {
		t.Errorf("retry transition does not increment counter: %s", gotSQL)
	}
	if !strings.Contains(gotSQL, "retry_count < max_retries") {
		t.Errorf("retry transition missing budget guard: %s", gotSQL)
	}
}

func TestTransition_AiredStampsTime(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return tagRows(1), nil
		},
	}
	s := NewWithDB(db)

	if err := s.Transition(context.Background(), "seg-1", StateAired); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	// The now-playing report normally stamps aired_at; now() only fills in
	// for segments that never got one.
	if !strings.Contains(gotSQL, "aired_at = COALESCE(aired_at, now())") {
		t.Errorf("aired transition does not stamp aired_at: %s", gotSQL)
	}
}

func TestMarkAiring_StampsReportedTime(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			gotArgs = args
			return tagRows(1), nil
		},
	}
	s := NewWithDB(db)

	started := time.Date(2525, 3, 15, 6, 0, 5, 0, time.UTC)
	if err := s.MarkAiring(context.Background(), "seg-1", started); err != nil {
		t.Fatalf("MarkAiring() error = %v", err)
	}
	if !strings.Contains(gotSQL, "aired_at = COALESCE($3, now())") {
		t.Errorf("MarkAiring SQL does not stamp aired_at: %s", gotSQL)
	}
	at, ok := gotArgs[2].(*time.Time)
	if !ok || at == nil || !at.Equal(started) {
		t.Errorf("aired_at arg = %v, want %v", gotArgs[2], started)
	}
	if gotArgs[3] != StateReady {
		t.Errorf("source state = %v, want ready", gotArgs[3])
	}
}

func TestMarkAiring_ZeroTimeUsesDatabaseClock(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotArgs = args
			return tagRows(1), nil
		},
	}
	s := NewWithDB(db)

	if err := s.MarkAiring(context.Background(), "seg-1", time.Time{}); err != nil {
		t.Fatalf("MarkAiring() error = %v", err)
	}
	if at := gotArgs[2].(*time.Time); at != nil {
		t.Errorf("aired_at arg = %v, want nil so now() applies", at)
	}
}

func TestMarkAiring_WrongState(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return tagRows(0), nil
		},
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			rows := &mockRows{data: [][]any{segmentRow("seg-1", StateQueued, 0, 3)}}
			rows.Next()
			return rows
		},
	}
	s := NewWithDB(db)

	err := s.MarkAiring(context.Background(), "seg-1", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkAiring() error = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkAiring_NotFound(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return tagRows(0), nil
		},
	}
	s := NewWithDB(db)

	err := s.MarkAiring(context.Background(), "missing", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkAiring() error = %v, want ErrNotFound", err)
	}
}

func TestTransition_InvalidState(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return tagRows(0), nil
		},
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			rows := &mockRows{data: [][]any{segmentRow("seg-1", StateQueued, 0, 3)}}
			rows.Next()
			return rows
		},
	}
	s := NewWithDB(db)

	err := s.Transition(context.Background(), "seg-1", StateReady)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition() error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransition_RetriesExhausted(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return tagRows(0), nil
		},
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			rows := &mockRows{data: [][]any{segmentRow("seg-1", StateFailed, 3, 3)}}
			rows.Next()
			return rows
		},
	}
	s := NewWithDB(db)

	err := s.Transition(context.Background(), "seg-1", StateQueued)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Transition() error = %v, want ErrRetriesExhausted", err)
	}
}

func TestTransition_NotFound(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return tagRows(0), nil
		},
		// Default queryRowFunc returns ErrNoRows.
	}
	s := NewWithDB(db)

	err := s.Transition(context.Background(), "missing", StateRetrieving)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Transition() error = %v, want ErrNotFound", err)
	}
}

func TestMarkFailed_OnlyInFlightStates(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotArgs = args
			return tagRows(1), nil
		},
	}
	s := NewWithDB(db)

	if err := s.MarkFailed(context.Background(), "seg-1", "tts timeout"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	from, ok := gotArgs[3].([]string)
	if !ok {
		t.Fatalf("source states arg = %T, want []string", gotArgs[3])
	}
	want := map[string]bool{"retrieving": true, "generating": true, "rendering": true, "normalizing": true}
	if len(from) != len(want) {
		t.Fatalf("source states = %v, want the four in-flight states", from)
	}
	for _, st := range from {
		if !want[st] {
			t.Errorf("unexpected failable source state %q", st)
		}
	}
}

func TestReadyFraction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		total     int
		done      int
		wantFrac  float64
		wantFound bool
	}{
		{"empty window", 0, 0, 0, false},
		{"all ready", 24, 24, 1.0, true},
		{"four fifths", 10, 8, 0.8, true},
		{"nothing ready", 24, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDB{
				queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
					return &mockRow{scanFunc: func(dest ...any) error {
						*(dest[0].(*int)) = tt.total
						*(dest[1].(*int)) = tt.done
						return nil
					}}
				},
			}
			s := NewWithDB(db)

			frac, found, err := s.ReadyFraction(context.Background(), time.Now(), time.Now().Add(24*time.Hour))
			if err != nil {
				t.Fatalf("ReadyFraction() error = %v", err)
			}
			if found != tt.wantFound {
				t.Errorf("found = %t, want %t", found, tt.wantFound)
			}
			if frac != tt.wantFrac {
				t.Errorf("fraction = %v, want %v", frac, tt.wantFrac)
			}
		})
	}
}
