package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInUse is returned when a catalog entity cannot be deleted because other
// rows still reference it. Deactivate instead.
var ErrInUse = errors.New("store: entity is referenced and cannot be deleted")

// ─────────────────────────────────────────────────────────────────────────────
// Voices
// ─────────────────────────────────────────────────────────────────────────────

// CreateVoice registers a TTS voice model.
func (s *Store) CreateVoice(ctx context.Context, v *Voice) error {
	if v.Name == "" || v.ModelID == "" {
		return errors.New("store: create voice: name and model_id must not be empty")
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Language == "" {
		v.Language = "en"
	}
	if v.Quality == "" {
		v.Quality = "medium"
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO voices (id, name, model_id, language, locale, gender, quality, available)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		v.ID, v.Name, v.ModelID, v.Language, v.Locale, v.Gender, v.Quality, v.Available,
	).Scan(&v.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create voice: %w", err)
	}
	return nil
}

// GetVoice retrieves a voice by ID. Returns (nil, nil) when it does not exist.
func (s *Store) GetVoice(ctx context.Context, id string) (*Voice, error) {
	var v Voice
	err := s.db.QueryRow(ctx, `
		SELECT id, name, model_id, language, locale, gender, quality, available, created_at
		FROM voices WHERE id = $1`, id,
	).Scan(&v.ID, &v.Name, &v.ModelID, &v.Language, &v.Locale, &v.Gender,
		&v.Quality, &v.Available, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get voice %q: %w", id, err)
	}
	return &v, nil
}

// ListVoices returns all voices, available first, then by name.
func (s *Store) ListVoices(ctx context.Context) ([]*Voice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, model_id, language, locale, gender, quality, available, created_at
		FROM voices ORDER BY available DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list voices: %w", err)
	}
	defer rows.Close()

	var out []*Voice
	for rows.Next() {
		var v Voice
		if err := rows.Scan(&v.ID, &v.Name, &v.ModelID, &v.Language, &v.Locale,
			&v.Gender, &v.Quality, &v.Available, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan voice row: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// SetVoiceAvailable toggles a voice's availability. Voices referenced by DJs
// are never deleted, only marked unavailable.
func (s *Store) SetVoiceAvailable(ctx context.Context, id string, available bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE voices SET available = $2 WHERE id = $1`, id, available)
	if err != nil {
		return fmt.Errorf("store: set voice %q available=%t: %w", id, available, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: voice %q", ErrNotFound, id)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// DJs
// ─────────────────────────────────────────────────────────────────────────────

// CreateDJ registers an on-air personality. The referenced voice must exist.
func (s *Store) CreateDJ(ctx context.Context, dj *DJ) error {
	if dj.Name == "" {
		return errors.New("store: create dj: name must not be empty")
	}
	if dj.VoiceID == "" {
		return errors.New("store: create dj: voice_id must not be empty")
	}
	if dj.SpeechSpeed != 0 && (dj.SpeechSpeed < 0.5 || dj.SpeechSpeed > 2.0) {
		return fmt.Errorf("store: create dj: speech_speed %.2f is out of range [0.5, 2.0]", dj.SpeechSpeed)
	}
	if dj.ID == "" {
		dj.ID = uuid.NewString()
	}
	if dj.SpeechSpeed == 0 {
		dj.SpeechSpeed = 1.0
	}
	if dj.Language == "" {
		dj.Language = "en"
	}

	specJSON, err := json.Marshal(emptySlice(dj.Specializations))
	if err != nil {
		return fmt.Errorf("store: marshal specializations: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO djs (id, name, bio, personality, specializations, voice_id,
		                 speech_speed, language, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		dj.ID, dj.Name, dj.Bio, dj.Personality, specJSON, dj.VoiceID,
		dj.SpeechSpeed, dj.Language, dj.Active,
	).Scan(&dj.CreatedAt, &dj.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create dj: %w", err)
	}
	return nil
}

// GetDJ retrieves a DJ by ID. Returns (nil, nil) when it does not exist.
func (s *Store) GetDJ(ctx context.Context, id string) (*DJ, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, bio, personality, specializations, voice_id,
		       speech_speed, language, active, created_at, updated_at
		FROM djs WHERE id = $1`, id)
	dj, err := scanDJ(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get dj %q: %w", id, err)
	}
	return dj, nil
}

// SetDJActive soft-activates or deactivates a DJ. Deactivated DJs stay
// referenced by past segments and programs but are skipped for new rosters.
func (s *Store) SetDJActive(ctx context.Context, id string, active bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE djs SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("store: set dj %q active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dj %q", ErrNotFound, id)
	}
	return nil
}

// DeleteDJ removes a DJ that is not referenced by any program or segment
// participant. Referenced DJs return [ErrInUse]; deactivate those instead.
func (s *Store) DeleteDJ(ctx context.Context, id string) error {
	var refs int
	err := s.db.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM program_djs WHERE dj_id = $1)
		     + (SELECT count(*) FROM conversation_participants WHERE dj_id = $1)`,
		id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("store: count dj references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w: dj %q has %d references", ErrInUse, id, refs)
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM djs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete dj %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dj %q", ErrNotFound, id)
	}
	return nil
}

func scanDJ(row pgx.Row) (*DJ, error) {
	var dj DJ
	var specJSON []byte
	err := row.Scan(&dj.ID, &dj.Name, &dj.Bio, &dj.Personality, &specJSON,
		&dj.VoiceID, &dj.SpeechSpeed, &dj.Language, &dj.Active,
		&dj.CreatedAt, &dj.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(specJSON) > 0 {
		if err := json.Unmarshal(specJSON, &dj.Specializations); err != nil {
			return nil, fmt.Errorf("store: unmarshal specializations: %w", err)
		}
	}
	return &dj, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Format clocks
// ─────────────────────────────────────────────────────────────────────────────

// CreateFormatClock stores a clock template with its ordered slots. Slot
// durations that do not sum to one hour are logged and flagged, not rejected,
// so operators can iterate on drafts.
func (s *Store) CreateFormatClock(ctx context.Context, clock *FormatClock) error {
	if clock.Name == "" {
		return errors.New("store: create format clock: name must not be empty")
	}
	if clock.ID == "" {
		clock.ID = uuid.NewString()
	}

	sum := 0
	for _, slot := range clock.Slots {
		if slot.DurationSec <= 0 {
			return fmt.Errorf("store: create format clock: slot %d has non-positive duration", slot.OrderIndex)
		}
		sum += slot.DurationSec
	}
	clock.TotalSec = sum
	if sum != 3600 {
		slog.Warn("format clock durations do not sum to one hour",
			"clock", clock.Name, "total_sec", sum)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO format_clocks (id, name, description, total_sec)
		VALUES ($1,$2,$3,$4)`,
		clock.ID, clock.Name, clock.Description, clock.TotalSec)
	if err != nil {
		return fmt.Errorf("store: create format clock: %w", err)
	}

	for i := range clock.Slots {
		slot := &clock.Slots[i]
		if slot.ID == "" {
			slot.ID = uuid.NewString()
		}
		slot.ClockID = clock.ID
		if slot.OrderIndex == 0 {
			slot.OrderIndex = i
		}
		_, err := s.db.Exec(ctx, `
			INSERT INTO format_slots (id, clock_id, slot_type, duration_sec, order_index)
			VALUES ($1,$2,$3,$4,$5)`,
			slot.ID, slot.ClockID, slot.SlotType, slot.DurationSec, slot.OrderIndex)
		if err != nil {
			return fmt.Errorf("store: create format slot %d: %w", i, err)
		}
	}
	return nil
}

// GetFormatClock retrieves a clock and its ordered slots. Returns (nil, nil)
// when it does not exist.
func (s *Store) GetFormatClock(ctx context.Context, id string) (*FormatClock, error) {
	var clock FormatClock
	err := s.db.QueryRow(ctx, `
		SELECT id, name, description, total_sec FROM format_clocks WHERE id = $1`, id,
	).Scan(&clock.ID, &clock.Name, &clock.Description, &clock.TotalSec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get format clock %q: %w", id, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, clock_id, slot_type, duration_sec, order_index
		FROM format_slots WHERE clock_id = $1 ORDER BY order_index ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list format slots for %q: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var slot FormatSlot
		if err := rows.Scan(&slot.ID, &slot.ClockID, &slot.SlotType,
			&slot.DurationSec, &slot.OrderIndex); err != nil {
			return nil, fmt.Errorf("store: scan format slot: %w", err)
		}
		clock.Slots = append(clock.Slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate format slots: %w", err)
	}
	return &clock, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Programs
// ─────────────────────────────────────────────────────────────────────────────

// CreateProgram stores a program and its DJ roster.
func (s *Store) CreateProgram(ctx context.Context, p *Program) error {
	if p.Name == "" {
		return errors.New("store: create program: name must not be empty")
	}
	if p.FormatClockID == "" {
		return errors.New("store: create program: format_clock_id must not be empty")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO programs (id, name, format_clock_id, conversation_format,
		                      scheduling_hints, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		p.ID, p.Name, p.FormatClockID, p.ConversationFormat, p.SchedulingHints, p.Active,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create program: %w", err)
	}

	for i := range p.DJs {
		pd := &p.DJs[i]
		pd.ProgramID = p.ID
		if pd.Role == "" {
			pd.Role = RoleHost
		}
		if !pd.Role.IsValid() {
			return fmt.Errorf("store: create program: invalid role %q", pd.Role)
		}
		if pd.SpeakingOrder == 0 {
			pd.SpeakingOrder = i + 1
		}
		_, err := s.db.Exec(ctx, `
			INSERT INTO program_djs (program_id, dj_id, role, speaking_order)
			VALUES ($1,$2,$3,$4)`,
			pd.ProgramID, pd.DJID, pd.Role, pd.SpeakingOrder)
		if err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("store: dj %q is already on program %q", pd.DJID, p.ID)
			}
			return fmt.Errorf("store: add dj to program: %w", err)
		}
	}
	return nil
}

// GetProgram retrieves a program with its roster, joined DJ records included.
// Returns (nil, nil) when it does not exist.
func (s *Store) GetProgram(ctx context.Context, id string) (*Program, error) {
	var p Program
	err := s.db.QueryRow(ctx, `
		SELECT id, name, format_clock_id, conversation_format, scheduling_hints,
		       active, created_at
		FROM programs WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.FormatClockID, &p.ConversationFormat,
		&p.SchedulingHints, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get program %q: %w", id, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT pd.program_id, pd.dj_id, pd.role, pd.speaking_order,
		       d.id, d.name, d.bio, d.personality, d.specializations, d.voice_id,
		       d.speech_speed, d.language, d.active, d.created_at, d.updated_at
		FROM program_djs pd
		JOIN djs d ON d.id = pd.dj_id
		WHERE pd.program_id = $1
		ORDER BY pd.speaking_order ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list program djs for %q: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var pd ProgramDJ
		var dj DJ
		var specJSON []byte
		if err := rows.Scan(&pd.ProgramID, &pd.DJID, &pd.Role, &pd.SpeakingOrder,
			&dj.ID, &dj.Name, &dj.Bio, &dj.Personality, &specJSON, &dj.VoiceID,
			&dj.SpeechSpeed, &dj.Language, &dj.Active, &dj.CreatedAt, &dj.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan program dj: %w", err)
		}
		if len(specJSON) > 0 {
			if err := json.Unmarshal(specJSON, &dj.Specializations); err != nil {
				return nil, fmt.Errorf("store: unmarshal specializations: %w", err)
			}
		}
		pd.DJ = &dj
		p.DJs = append(p.DJs, pd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate program djs: %w", err)
	}
	return &p, nil
}

// FirstActiveProgram returns the oldest active program, roster included, or
// (nil, nil) when no program is active. The scheduler fills hours the grid
// leaves unassigned with it rather than going off-air.
func (s *Store) FirstActiveProgram(ctx context.Context) (*Program, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM programs
		WHERE active
		ORDER BY created_at ASC, id ASC
		LIMIT 1`).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: first active program: %w", err)
	}
	return s.GetProgram(ctx, id)
}

// SetProgramActive toggles a program in or out of scheduling.
func (s *Store) SetProgramActive(ctx context.Context, id string, active bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE programs SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("store: set program %q active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: program %q", ErrNotFound, id)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Broadcast schedule
// ─────────────────────────────────────────────────────────────────────────────

// CreateScheduleEntry stores a schedule entry. Times are "HH:MM"; an end
// time at or before the start wraps past midnight.
func (s *Store) CreateScheduleEntry(ctx context.Context, e *ScheduleEntry) error {
	if e.ProgramID == "" {
		return errors.New("store: create schedule entry: program_id must not be empty")
	}
	if !validClockTime(e.StartTime) || !validClockTime(e.EndTime) {
		return fmt.Errorf("store: create schedule entry: times %q-%q must be HH:MM", e.StartTime, e.EndTime)
	}
	if e.DayOfWeek != nil && (*e.DayOfWeek < 0 || *e.DayOfWeek > 6) {
		return fmt.Errorf("store: create schedule entry: day_of_week %d is out of range [0, 6]", *e.DayOfWeek)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO broadcast_schedule (id, program_id, day_of_week, start_time,
		                                end_time, priority, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ProgramID, e.DayOfWeek, e.StartTime, e.EndTime, e.Priority, e.Active)
	if err != nil {
		return fmt.Errorf("store: create schedule entry: %w", err)
	}
	return nil
}

// ListActiveScheduleEntries returns every active entry ordered by priority
// descending, so the first match during conflict resolution wins.
func (s *Store) ListActiveScheduleEntries(ctx context.Context) ([]*ScheduleEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, program_id, day_of_week, start_time, end_time, priority, active
		FROM broadcast_schedule
		WHERE active
		ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list schedule entries: %w", err)
	}
	defer rows.Close()

	var out []*ScheduleEntry
	for rows.Next() {
		var e ScheduleEntry
		if err := rows.Scan(&e.ID, &e.ProgramID, &e.DayOfWeek, &e.StartTime,
			&e.EndTime, &e.Priority, &e.Active); err != nil {
			return nil, fmt.Errorf("store: scan schedule entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// validClockTime reports whether t is a well-formed "HH:MM" wall-clock time.
func validClockTime(t string) bool {
	if len(t) != 5 || t[2] != ':' {
		return false
	}
	h := int(t[0]-'0')*10 + int(t[1]-'0')
	m := int(t[3]-'0')*10 + int(t[4]-'0')
	for _, c := range []byte{t[0], t[1], t[3], t[4]} {
		if c < '0' || c > '9' {
			return false
		}
	}
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}
