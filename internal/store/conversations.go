package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EnsureParticipants materialises the program's DJ roster as conversation
// participants for a segment, returning them in speaking order. Existing
// participants are returned as-is, so the call is safe to repeat after a
// retry.
func (s *Store) EnsureParticipants(ctx context.Context, segmentID string) ([]*Participant, error) {
	existing, err := s.ListParticipants(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT pd.dj_id, pd.role, pd.speaking_order
		FROM program_djs pd
		JOIN segments seg ON seg.program_id = pd.program_id
		JOIN djs d ON d.id = pd.dj_id
		WHERE seg.id = $1 AND d.active
		ORDER BY pd.speaking_order ASC`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("store: load roster for segment %q: %w", segmentID, err)
	}
	defer rows.Close()

	var parts []*Participant
	for rows.Next() {
		p := &Participant{ID: uuid.NewString(), SegmentID: segmentID}
		if err := rows.Scan(&p.DJID, &p.Role, &p.SpeakingOrder); err != nil {
			return nil, fmt.Errorf("store: scan roster row: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate roster rows: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("store: segment %q has no active DJs on its program roster", segmentID)
	}

	for _, p := range parts {
		_, err := s.db.Exec(ctx, `
			INSERT INTO conversation_participants
				(id, segment_id, dj_id, role, speaking_order, character_name, background)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			p.ID, p.SegmentID, p.DJID, p.Role, p.SpeakingOrder, p.CharacterName, p.Background)
		if err != nil {
			return nil, fmt.Errorf("store: insert participant: %w", err)
		}
	}
	return parts, nil
}

// ListParticipants returns a segment's participants in speaking order.
func (s *Store) ListParticipants(ctx context.Context, segmentID string) ([]*Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, segment_id, dj_id, role, speaking_order, character_name, background
		FROM conversation_participants
		WHERE segment_id = $1
		ORDER BY speaking_order ASC`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("store: list participants for %q: %w", segmentID, err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.SegmentID, &p.DJID, &p.Role,
			&p.SpeakingOrder, &p.CharacterName, &p.Background); err != nil {
			return nil, fmt.Errorf("store: scan participant: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// AddTurn records one synthesized utterance. Turn numbers are unique per
// segment; replays of the same turn number are rejected.
func (s *Store) AddTurn(ctx context.Context, t *Turn) error {
	if t.SegmentID == "" || t.ParticipantID == "" {
		return errors.New("store: add turn: segment_id and participant_id must not be empty")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_turns
			(id, segment_id, participant_id, turn_number, speaker_name, text,
			 audio_path, duration_sec)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.SegmentID, t.ParticipantID, t.TurnNumber, t.SpeakerName,
		t.Text, t.AudioPath, t.DurationSec)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: turn %d already exists for segment %q",
				t.TurnNumber, t.SegmentID)
		}
		return fmt.Errorf("store: add turn: %w", err)
	}
	return nil
}

// ListTurns returns a segment's turns ordered by turn number.
func (s *Store) ListTurns(ctx context.Context, segmentID string) ([]*Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, segment_id, participant_id, turn_number, speaker_name, text,
		       audio_path, duration_sec
		FROM conversation_turns
		WHERE segment_id = $1
		ORDER BY turn_number ASC`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("store: list turns for %q: %w", segmentID, err)
	}
	defer rows.Close()

	var out []*Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SegmentID, &t.ParticipantID, &t.TurnNumber,
			&t.SpeakerName, &t.Text, &t.AudioPath, &t.DurationSec); err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteTurns removes all turns for a segment. Used when a retry regenerates
// the dialogue from scratch.
func (s *Store) DeleteTurns(ctx context.Context, segmentID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM conversation_turns WHERE segment_id = $1`, segmentID)
	if err != nil {
		return fmt.Errorf("store: delete turns for %q: %w", segmentID, err)
	}
	return nil
}
