package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return fmt.Errorf("scan index %d: %w", i, err)
		}
	}
	return nil
}

func (r *mockRows) Values() ([]any, error) { return nil, nil }

// assign copies a mock value into a scan destination, covering the column
// types the store scans.
func assign(dest, v any) error {
	switch d := dest.(type) {
	case *string:
		*d = v.(string)
	case **string:
		if v == nil {
			*d = nil
		} else {
			s := v.(string)
			*d = &s
		}
	case *[]byte:
		if v == nil {
			*d = nil
		} else {
			*d = v.([]byte)
		}
	case *int:
		*d = v.(int)
	case **int:
		if v == nil {
			*d = nil
		} else {
			n := v.(int)
			*d = &n
		}
	case *int64:
		*d = v.(int64)
	case *float64:
		*d = v.(float64)
	case **float64:
		if v == nil {
			*d = nil
		} else {
			f := v.(float64)
			*d = &f
		}
	case *bool:
		*d = v.(bool)
	case *time.Time:
		*d = v.(time.Time)
	case **time.Time:
		if v == nil {
			*d = nil
		} else {
			ts := v.(time.Time)
			*d = &ts
		}
	case *SegmentState:
		*d = SegmentState(v.(string))
	case *ConversationRole:
		*d = ConversationRole(v.(string))
	case *ValidationStatus:
		*d = ValidationStatus(v.(string))
	case *FactType:
		*d = FactType(v.(string))
	default:
		return fmt.Errorf("unsupported type %T", dest)
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
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
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// tagRows builds a CommandTag reporting n affected rows.
func tagRows(n int) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n))
}

// segmentRow builds a full mock column row for segment scans.
func segmentRow(id string, state SegmentState, retryCount, maxRetries int) []any {
	now := time.Now()
	return []any{
		id, "prog-1", "news", string(state), now, "", "",
		[]byte("[]"), nil, "", 1, "en",
		0.0, 0.0, 0.0, nil, "", 0,
		0, retryCount, maxRetries, "", nil,
		nil, now, now,
	}
}
