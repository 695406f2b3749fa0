package store

import (
	"context"
	"fmt"
	"time"
)

// Heartbeat upserts a worker liveness row. Workers call this every 30 s; the
// playout readiness probe and the stale-row sweep read it back.
func (s *Store) Heartbeat(ctx context.Context, workerType, instanceID, status string) error {
	if status == "" {
		status = "ok"
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO health_checks (worker_type, instance_id, status, last_heartbeat)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (worker_type, instance_id)
		DO UPDATE SET status = EXCLUDED.status, last_heartbeat = now()`,
		workerType, instanceID, status)
	if err != nil {
		return fmt.Errorf("store: heartbeat %s/%s: %w", workerType, instanceID, err)
	}
	return nil
}

// LiveWorkers returns heartbeat rows younger than maxAge, newest first.
func (s *Store) LiveWorkers(ctx context.Context, maxAge time.Duration) ([]*HealthCheck, error) {
	rows, err := s.db.Query(ctx, `
		SELECT worker_type, instance_id, status, last_heartbeat
		FROM health_checks
		WHERE last_heartbeat > now() - $1::interval
		ORDER BY last_heartbeat DESC`,
		maxAge.String())
	if err != nil {
		return nil, fmt.Errorf("store: list live workers: %w", err)
	}
	defer rows.Close()

	var out []*HealthCheck
	for rows.Next() {
		var h HealthCheck
		if err := rows.Scan(&h.WorkerType, &h.InstanceID, &h.Status, &h.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("store: scan health row: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// PruneStaleWorkers deletes heartbeat rows older than maxAge. Returns the
// number of rows removed.
func (s *Store) PruneStaleWorkers(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM health_checks
		WHERE last_heartbeat < now() - $1::interval`,
		maxAge.String())
	if err != nil {
		return 0, fmt.Errorf("store: prune stale workers: %w", err)
	}
	return tag.RowsAffected(), nil
}
