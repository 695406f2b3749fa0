package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestValidClockTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"00:00", true},
		{"08:30", true},
		{"23:59", true},
		{"24:00", false},
		{"12:60", false},
		{"9:00", false},
		{"09-00", false},
		{"", false},
		{"ab:cd", false},
	}
	for _, tt := range tests {
		if got := validClockTime(tt.in); got != tt.want {
			t.Errorf("validClockTime(%q) = %t, want %t", tt.in, got, tt.want)
		}
	}
}

func TestCreateDJ_SpeechSpeedRange(t *testing.T) {
	t.Parallel()

	s := NewWithDB(&mockDB{})
	ctx := context.Background()

	for _, speed := range []float64{0.4, 2.1, -1} {
		dj := DJ{Name: "Nova", VoiceID: "v1", SpeechSpeed: speed}
		err := s.CreateDJ(ctx, &dj)
		if err == nil || !strings.Contains(err.Error(), "speech_speed") {
			t.Errorf("CreateDJ(speed=%v) error = %v, want speech_speed range error", speed, err)
		}
	}
}

func TestCreateDJ_DefaultsSpeed(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error { return nil }}
		},
	}
	s := NewWithDB(db)

	dj := DJ{Name: "Nova", VoiceID: "v1"}
	if err := s.CreateDJ(context.Background(), &dj); err != nil {
		t.Fatalf("CreateDJ() error = %v", err)
	}
	if dj.SpeechSpeed != 1.0 {
		t.Errorf("SpeechSpeed = %v, want default 1.0", dj.SpeechSpeed)
	}
	if dj.ID == "" {
		t.Error("ID not generated")
	}
}

func TestDeleteDJ_RefusesWhenReferenced(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*int)) = 2
				return nil
			}}
		},
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			t.Fatal("DELETE must not run when references exist")
			return pgconn.CommandTag{}, nil
		},
	}
	s := NewWithDB(db)

	err := s.DeleteDJ(context.Background(), "dj-1")
	if !errors.Is(err, ErrInUse) {
		t.Fatalf("DeleteDJ() error = %v, want ErrInUse", err)
	}
}

func TestCreateScheduleEntry_Validation(t *testing.T) {
	t.Parallel()

	s := NewWithDB(&mockDB{})
	ctx := context.Background()

	bad := ScheduleEntry{ProgramID: "p1", StartTime: "8:00", EndTime: "10:00"}
	if err := s.CreateScheduleEntry(ctx, &bad); err == nil {
		t.Error("CreateScheduleEntry() accepted malformed start time")
	}

	day := 7
	badDay := ScheduleEntry{ProgramID: "p1", StartTime: "08:00", EndTime: "10:00", DayOfWeek: &day}
	if err := s.CreateScheduleEntry(ctx, &badDay); err == nil {
		t.Error("CreateScheduleEntry() accepted day_of_week 7")
	}
}

func TestCreateFormatClock_ComputesTotal(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, nil
		},
	}
	s := NewWithDB(db)

	clock := FormatClock{
		Name: "Morning Drive",
		Slots: []FormatSlot{
			{SlotType: "news", DurationSec: 600},
			{SlotType: "music", DurationSec: 2400},
			{SlotType: "culture", DurationSec: 600},
		},
	}
	if err := s.CreateFormatClock(context.Background(), &clock); err != nil {
		t.Fatalf("CreateFormatClock() error = %v", err)
	}
	if clock.TotalSec != 3600 {
		t.Errorf("TotalSec = %d, want 3600", clock.TotalSec)
	}
	for i, slot := range clock.Slots {
		if slot.ID == "" {
			t.Errorf("slot %d: ID not generated", i)
		}
		if slot.ClockID != clock.ID {
			t.Errorf("slot %d: ClockID = %q, want %q", i, slot.ClockID, clock.ID)
		}
	}
}
