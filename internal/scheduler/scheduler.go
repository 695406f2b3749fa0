// Package scheduler materialises broadcast days: it walks the station's
// schedule grid hour by hour, expands each program's format clock into
// concrete segments, and enqueues generation jobs for them.
//
// All scheduled timestamps live in the station's broadcast calendar, which
// runs a fixed number of years ahead of the wall clock. A plan run on
// 2025-03-15 produces segments dated 2525-03-15; everything downstream (the
// generator's prompts, retrieval filters, playout) works exclusively with the
// shifted instant.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chronocast/chronocast/internal/queue"
	"github.com/chronocast/chronocast/internal/store"
)

// SlotTypeMusic marks format slots filled from the licensed music library at
// playout time. Their segments are born ready; nothing is generated.
const SlotTypeMusic = "music"

// Store is the subset of the state store the scheduler uses.
type Store interface {
	ListActiveScheduleEntries(ctx context.Context) ([]*store.ScheduleEntry, error)
	GetProgram(ctx context.Context, id string) (*store.Program, error)
	FirstActiveProgram(ctx context.Context) (*store.Program, error)
	GetFormatClock(ctx context.Context, id string) (*store.FormatClock, error)
	CreateSegment(ctx context.Context, seg *store.Segment) error
	ReadyFraction(ctx context.Context, from, to time.Time) (float64, bool, error)
}

// Jobs is the subset of the queue the scheduler uses.
type Jobs interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
}

// Config tunes a Scheduler.
type Config struct {
	// FutureYearOffset is added to the wall-clock year to obtain broadcast
	// time. Defaults to 500.
	FutureYearOffset int

	// Location is the station timezone broadcast days align to.
	// Defaults to UTC.
	Location *time.Location

	// RunAt is the local "HH:MM" the continuous loop fires. Defaults to
	// "02:00".
	RunAt string

	// ReadySkipFraction skips re-planning a day whose segments are already
	// at least this fraction ready. Defaults to 0.8.
	ReadySkipFraction float64
}

// Scheduler plans broadcast days. Safe for concurrent use, though typically a
// single instance runs station-wide.
type Scheduler struct {
	store Store
	jobs  Jobs
	cfg   Config
	log   *slog.Logger
}

// New creates a Scheduler.
func New(st Store, jobs Jobs, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.FutureYearOffset == 0 {
		cfg.FutureYearOffset = 500
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RunAt == "" {
		cfg.RunAt = "02:00"
	}
	if cfg.ReadySkipFraction == 0 {
		cfg.ReadySkipFraction = 0.8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{store: st, jobs: jobs, cfg: cfg, log: log}
}

// ToBroadcastTime shifts a wall-clock instant into the station's broadcast
// calendar by adding the configured year offset. Feb 29 in a wall year whose
// shifted counterpart is not a leap year normalises to Mar 1, per time.Time
// AddDate semantics.
func (s *Scheduler) ToBroadcastTime(wall time.Time) time.Time {
	return wall.In(s.cfg.Location).AddDate(s.cfg.FutureYearOffset, 0, 0)
}

// PlanResult summarises one planning run.
type PlanResult struct {
	BroadcastDay  time.Time // midnight of the planned day, broadcast calendar
	Created       int       // segments newly created
	Existing      int       // segments already present (idempotent replans)
	HoursFallback int       // unassigned hours filled by the fallback program
	HoursOffAir   int       // hours no program could cover at all
	Skipped       bool      // day was already sufficiently ready
}

// PlanDay materialises the broadcast day corresponding to the given
// wall-clock date. The run is idempotent: segments carry an idempotency key
// derived from program, slot and broadcast instant, so replanning after a
// crash never duplicates work.
func (s *Scheduler) PlanDay(ctx context.Context, wallDate time.Time) (*PlanResult, error) {
	local := wallDate.In(s.cfg.Location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
	bDayStart := s.ToBroadcastTime(dayStart)
	bDayEnd := bDayStart.AddDate(0, 0, 1)

	res := &PlanResult{BroadcastDay: bDayStart}

	frac, found, err := s.store.ReadyFraction(ctx, bDayStart, bDayEnd)
	if err != nil {
		return nil, err
	}
	if found && frac >= s.cfg.ReadySkipFraction {
		s.log.Info("broadcast day already planned, skipping",
			"day", bDayStart.Format("2006-01-02"), "ready_fraction", frac)
		res.Skipped = true
		return res, nil
	}

	entries, err := s.store.ListActiveScheduleEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		s.log.Warn("no active schedule entries; station has nothing to plan")
	}

	weekday := int(bDayStart.Weekday())

	// Cache programs and clocks across the 24-hour walk.
	programs := map[string]*store.Program{}
	clocks := map[string]*store.FormatClock{}

	var fallback *store.Program
	fallbackLoaded := false

	for hour := 0; hour < 24; hour++ {
		var prog *store.Program
		if entry := ResolveHour(entries, weekday, hour); entry != nil {
			p, err := s.program(ctx, programs, entry.ProgramID)
			if err != nil {
				return nil, err
			}
			if p != nil && p.Active {
				prog = p
			}
		}
		if prog == nil {
			// An unassigned hour falls back to the first active program;
			// dead air is worse than a repeat.
			if !fallbackLoaded {
				fallbackLoaded = true
				var err error
				if fallback, err = s.store.FirstActiveProgram(ctx); err != nil {
					return nil, err
				}
			}
			if fallback == nil {
				res.HoursOffAir++
				continue
			}
			prog = fallback
			res.HoursFallback++
			s.log.Warn("hour has no scheduled program, filling with fallback",
				"hour", hour, "program", prog.Name)
		}
		clock, err := s.clock(ctx, clocks, prog.FormatClockID)
		if err != nil {
			return nil, err
		}
		if clock == nil {
			s.log.Warn("program references missing format clock",
				"program", prog.Name, "clock_id", prog.FormatClockID)
			res.HoursOffAir++
			continue
		}

		hourStart := bDayStart.Add(time.Duration(hour) * time.Hour)
		created, existing, err := s.planHour(ctx, prog, clock, hourStart)
		if err != nil {
			return nil, err
		}
		res.Created += created
		res.Existing += existing
	}

	s.log.Info("broadcast day planned",
		"day", bDayStart.Format("2006-01-02"),
		"created", res.Created,
		"existing", res.Existing,
		"hours_fallback", res.HoursFallback,
		"hours_off_air", res.HoursOffAir)
	return res, nil
}

// planHour expands one program hour into segments following the format
// clock's slot order. The cursor advances on a minute grid, each slot taking
// its duration rounded up to whole minutes, matching the clock's notation.
func (s *Scheduler) planHour(ctx context.Context, prog *store.Program, clock *store.FormatClock, hourStart time.Time) (created, existing int, err error) {
	cursor := hourStart
	for _, slot := range clock.Slots {
		minutes := (slot.DurationSec + 59) / 60
		slotStart := cursor
		cursor = cursor.Add(time.Duration(minutes) * time.Minute)

		key := idempotencyKey(prog.ID, slot.SlotType, slotStart)
		seg := &store.Segment{
			ID:                 uuid.NewString(),
			ProgramID:          prog.ID,
			SlotType:           slot.SlotType,
			ScheduledStartTS:   slotStart,
			TargetDurationSec:  float64(slot.DurationSec),
			ConversationFormat: prog.ConversationFormat,
			ParticipantCount:   max(len(prog.DJs), 1),
			IdempotencyKey:     &key,
		}
		if slot.SlotType == SlotTypeMusic {
			// Music plays straight from the library: the segment exists so
			// playout sees the slot, but nothing needs generating.
			seg.State = store.StateReady
		}
		wantID := seg.ID
		if err := s.store.CreateSegment(ctx, seg); err != nil {
			return created, existing, fmt.Errorf("scheduler: create segment for %s at %s: %w",
				slot.SlotType, slotStart.Format(time.RFC3339), err)
		}
		if seg.ID != wantID {
			// Idempotency key matched an earlier plan; its job is already
			// queued or done.
			existing++
			continue
		}
		created++

		if slot.SlotType == SlotTypeMusic {
			continue
		}
		_, err := s.jobs.Enqueue(ctx, queue.EnqueueRequest{
			Type:     queue.TypeSegmentMake,
			Payload:  map[string]string{"segment_id": seg.ID},
			Priority: queue.DefaultPriority,
		})
		if err != nil {
			return created, existing, fmt.Errorf("scheduler: enqueue generation for %q: %w", seg.ID, err)
		}
	}
	return created, existing, nil
}

// Run executes the continuous planning loop. At startup it catches up on
// today's broadcast day and plans tomorrow's, then materialises the next day
// once per day at the configured local time. The station stays a full day
// ahead of the clock. Returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.PlanDay(ctx, time.Now()); err != nil {
		s.log.Error("catch-up planning run failed", "error", err)
	}
	if _, err := s.PlanDay(ctx, time.Now().AddDate(0, 0, 1)); err != nil {
		s.log.Error("initial planning run failed", "error", err)
	}

	for {
		next := s.nextRun(time.Now())
		s.log.Info("next planning run scheduled", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := s.PlanDay(ctx, time.Now().AddDate(0, 0, 1)); err != nil {
			s.log.Error("planning run failed", "error", err)
		}
	}
}

// nextRun returns the next RunAt instant strictly after now, in the station
// timezone.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	local := now.In(s.cfg.Location)
	h, m := parseClock(s.cfg.RunAt)
	next := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, s.cfg.Location)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ResolveHour picks the schedule entry governing the given hour on the given
// weekday. Entries must be pre-sorted by priority descending (the store
// query guarantees that); the first match wins. Returns nil when the hour is
// off-air.
func ResolveHour(entries []*store.ScheduleEntry, weekday, hour int) *store.ScheduleEntry {
	for _, e := range entries {
		if e.DayOfWeek != nil && *e.DayOfWeek != weekday {
			continue
		}
		startH, _ := parseClock(e.StartTime)
		endH, endM := parseClock(e.EndTime)
		end := endH
		if endM > 0 {
			end++ // partial final hour still belongs to the entry
		}

		if end <= startH {
			// Wraps past midnight, e.g. 22:00-02:00.
			if hour >= startH || hour < end {
				return e
			}
			continue
		}
		if hour >= startH && hour < end {
			return e
		}
	}
	return nil
}

// parseClock splits "HH:MM" into hour and minute. Malformed input yields 0,0;
// the config and store layers validate formats before they get here.
func parseClock(t string) (hour, minute int) {
	if len(t) != 5 || t[2] != ':' {
		return 0, 0
	}
	h, err1 := strconv.Atoi(t[:2])
	m, err2 := strconv.Atoi(t[3:])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return h, m
}

// idempotencyKey derives the stable key a planned segment carries.
func idempotencyKey(programID, slotType string, start time.Time) string {
	return "plan:" + programID + ":" + slotType + ":" + start.UTC().Format(time.RFC3339)
}

func (s *Scheduler) program(ctx context.Context, cache map[string]*store.Program, id string) (*store.Program, error) {
	if p, ok := cache[id]; ok {
		return p, nil
	}
	p, err := s.store.GetProgram(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = p
	return p, nil
}

func (s *Scheduler) clock(ctx context.Context, cache map[string]*store.FormatClock, id string) (*store.FormatClock, error) {
	if c, ok := cache[id]; ok {
		return c, nil
	}
	c, err := s.store.GetFormatClock(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = c
	return c, nil
}
