package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker serializes work on a key across every process sharing the
// database, using session-level advisory locks. Each held lock pins one
// pooled connection until it is released.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// Lock blocks until key is held or ctx is done. Keys are hashed to the
// 64-bit lock space with hashtextextended.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock %q: acquire connection: %w", key, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}

	return func() {
		// The lock belongs to the session, so a connection that failed to
		// unlock must not go back to the pool.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			conn.Hijack().Close(context.Background())
			return
		}
		conn.Release()
	}, nil
}
