package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UpsertCanonicalFact inserts or replaces a canonical fact keyed by
// (category, key). Seeding and curation both go through here.
func (s *Store) UpsertCanonicalFact(ctx context.Context, f *CanonicalFact) error {
	if f.Category == "" || f.Key == "" {
		return errors.New("store: upsert canonical fact: category and key must not be empty")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.FactType == "" {
		f.FactType = FactString
	}

	allowed, err := json.Marshal(emptySlice(f.AllowedValues))
	if err != nil {
		return fmt.Errorf("store: marshal allowed values: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO canonical_facts
			(id, category, key, value, fact_type, min_value, max_value, allowed_values)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (category, key) DO UPDATE
		SET value = EXCLUDED.value, fact_type = EXCLUDED.fact_type,
		    min_value = EXCLUDED.min_value, max_value = EXCLUDED.max_value,
		    allowed_values = EXCLUDED.allowed_values`,
		f.ID, f.Category, f.Key, f.Value, f.FactType, f.MinValue, f.MaxValue, allowed)
	if err != nil {
		return fmt.Errorf("store: upsert canonical fact %s/%s: %w", f.Category, f.Key, err)
	}
	return nil
}

// ListCanonicalFacts returns the whole fact table ordered by category and
// key. The table stays small, so the lore checker loads it per segment.
func (s *Store) ListCanonicalFacts(ctx context.Context) ([]*CanonicalFact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, category, key, value, fact_type, min_value, max_value,
		       allowed_values, created_at
		FROM canonical_facts
		ORDER BY category ASC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list canonical facts: %w", err)
	}
	defer rows.Close()

	var out []*CanonicalFact
	for rows.Next() {
		var f CanonicalFact
		var allowed []byte
		if err := rows.Scan(&f.ID, &f.Category, &f.Key, &f.Value, &f.FactType,
			&f.MinValue, &f.MaxValue, &allowed, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan canonical fact: %w", err)
		}
		if len(allowed) > 0 {
			if err := json.Unmarshal(allowed, &f.AllowedValues); err != nil {
				return nil, fmt.Errorf("store: unmarshal allowed values: %w", err)
			}
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
