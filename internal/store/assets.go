package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateAsset records an audio asset. Assets deduplicate globally on
// ContentHash: when a row with the same hash already exists, the existing
// asset is copied into a and no new row is written, so identical station IDs
// and jingles are stored once.
func (s *Store) CreateAsset(ctx context.Context, a *Asset) error {
	if a.ContentHash == "" {
		return errors.New("store: create asset: content_hash must not be empty")
	}
	if a.StoragePath == "" {
		return errors.New("store: create asset: storage_path must not be empty")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ContentType == "" {
		a.ContentType = "audio/wav"
	}
	if a.ValidationStatus == "" {
		a.ValidationStatus = ValidationPending
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO assets (id, storage_path, final_path, content_type, content_hash,
		                    duration_sec, loudness_lufs, peak_dbfs, validation_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		a.ID, a.StoragePath, a.FinalPath, a.ContentType, a.ContentHash,
		a.DurationSec, a.LoudnessLUFS, a.PeakDBFS, a.ValidationStatus,
	).Scan(&a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			existing, gerr := s.GetAssetByHash(ctx, a.ContentHash)
			if gerr != nil {
				return gerr
			}
			if existing != nil {
				*a = *existing
				return nil
			}
		}
		return fmt.Errorf("store: create asset: %w", err)
	}
	return nil
}

// GetAsset retrieves an asset by ID. Returns (nil, nil) when it does not
// exist.
func (s *Store) GetAsset(ctx context.Context, id string) (*Asset, error) {
	row := s.db.QueryRow(ctx, assetSelect+` WHERE id = $1`, id)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get asset %q: %w", id, err)
	}
	return a, nil
}

// GetAssetByHash retrieves an asset by its content hash. Returns (nil, nil)
// when no asset carries the hash.
func (s *Store) GetAssetByHash(ctx context.Context, hash string) (*Asset, error) {
	row := s.db.QueryRow(ctx, assetSelect+` WHERE content_hash = $1`, hash)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get asset by hash: %w", err)
	}
	return a, nil
}

// SetMasteringResult records the normalized output for an asset: the final
// storage path, measured loudness and peak, and the quality-gate verdict.
func (s *Store) SetMasteringResult(ctx context.Context, id, finalPath string,
	durationSec, loudnessLUFS, peakDBFS float64, status ValidationStatus) error {

	tag, err := s.db.Exec(ctx, `
		UPDATE assets
		SET final_path = $2, duration_sec = $3, loudness_lufs = $4,
		    peak_dbfs = $5, validation_status = $6
		WHERE id = $1`,
		id, finalPath, durationSec, loudnessLUFS, peakDBFS, status)
	if err != nil {
		return fmt.Errorf("store: set mastering result for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: asset %q", ErrNotFound, id)
	}
	return nil
}

// ListOrphanedAssets returns assets created before the cutoff that no segment
// references. The cleanup sweep deletes their storage objects and rows.
func (s *Store) ListOrphanedAssets(ctx context.Context, before time.Time, limit int) ([]*Asset, error) {
	rows, err := s.db.Query(ctx, assetSelect+`
		WHERE created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM segments WHERE segments.asset_id = assets.id)
		ORDER BY created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list orphaned assets: %w", err)
	}
	defer rows.Close()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan asset row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAsset removes an asset row. Segment references are set to NULL by
// the schema, so this is safe even when called out of order.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete asset %q: %w", id, err)
	}
	return nil
}

const assetSelect = `
	SELECT id, storage_path, final_path, content_type, content_hash,
	       duration_sec, loudness_lufs, peak_dbfs, validation_status, created_at
	FROM assets`

func scanAsset(row pgx.Row) (*Asset, error) {
	var a Asset
	err := row.Scan(&a.ID, &a.StoragePath, &a.FinalPath, &a.ContentType,
		&a.ContentHash, &a.DurationSec, &a.LoudnessLUFS, &a.PeakDBFS,
		&a.ValidationStatus, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
