package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener holds a dedicated connection subscribed to one or more job-type
// wakeup channels. Workers block on [Listener.Wait] between polls so a fresh
// enqueue is picked up immediately instead of on the next tick.
//
// A Listener is not safe for concurrent Wait calls; give each worker loop
// its own.
type Listener struct {
	pool  *pgxpool.Pool
	types []string
	log   *slog.Logger

	conn *pgxpool.Conn
}

// NewListener subscribes a dedicated connection to the wakeup channels of the
// given job types. Close the listener to release the connection.
func NewListener(ctx context.Context, pool *pgxpool.Pool, types []string, log *slog.Logger) (*Listener, error) {
	if pool == nil {
		return nil, errors.New("queue: listener: pool must not be nil")
	}
	if len(types) == 0 {
		return nil, errors.New("queue: listener: at least one job type required")
	}
	if log == nil {
		log = slog.Default()
	}

	l := &Listener{pool: pool, types: types, log: log}
	if err := l.connect(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) connect(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("queue: listener: acquire connection: %w", err)
	}
	for _, typ := range l.types {
		// Channel names derive from our fixed job-type constants, not user
		// input, so identifier quoting suffices.
		if _, err := conn.Exec(ctx, `LISTEN "`+NotifyChannel(typ)+`"`); err != nil {
			conn.Release()
			return fmt.Errorf("queue: listener: LISTEN %s: %w", NotifyChannel(typ), err)
		}
	}
	l.conn = conn
	return nil
}

// Wait blocks until a notification arrives, the timeout elapses, or ctx is
// cancelled. It returns the notification payload (the job ID) or "" on
// timeout. A broken connection is re-established transparently; the caller's
// next claim poll covers anything missed in between.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := l.conn.Conn().WaitForNotification(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", nil
		}
		// Connection trouble: rebuild the subscription and fall back to the
		// poll cadence for this round.
		l.log.Warn("queue listener reconnecting", "error", err)
		l.conn.Release()
		if cerr := l.connect(ctx); cerr != nil {
			return "", cerr
		}
		return "", nil
	}
	return n.Payload, nil
}

// Close releases the dedicated connection back to the pool.
func (l *Listener) Close() {
	if l.conn != nil {
		l.conn.Release()
		l.conn = nil
	}
}
