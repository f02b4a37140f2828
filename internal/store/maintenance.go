package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Statistics is the Statistics method's return shape.
type Statistics struct {
	Total          int
	Active         int
	Deleted        int
	Expired        int
	SizeBytes      int64
	PerTypeCounts  map[string]int
	LastOptimizedAt *time.Time
}

// CleanupExpired hard-deletes every row whose ExpiresProp < now, returning
// the count removed. Idempotent: a second consecutive call returns 0.
func (s *Store[K, E]) CleanupExpired(ctx context.Context) (int, error) {
	if s.mapping.ExpiresProp == nil {
		return 0, nil
	}
	col := s.mapping.ExpiresProp.Column
	sqlStr := fmt.Sprintf(`DELETE FROM %q WHERE %q IS NOT NULL AND %q < ?`, s.mapping.Table, col, col)
	now := time.Now().UTC().Format(timeLayout)

	var affected int64
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, sqlStr, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = n
		return nil
	})
	if err != nil {
		return 0, wrapf("cleanup_expired", err)
	}
	return int(affected), nil
}

// OptimizeStorage triggers engine-level VACUUM and ANALYZE, best-effort
// (reports success/failure, never panics on partial completion).
func (s *Store[K, E]) OptimizeStorage(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return wrapf("optimize_storage", fmt.Errorf("vacuum: %w", err))
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return wrapf("optimize_storage", fmt.Errorf("analyze: %w", err))
	}
	now := time.Now().UTC()
	s.statsMu.Lock()
	s.lastOptimizedAt = &now
	s.statsMu.Unlock()
	return nil
}

// Statistics reports row counts, an on-disk size estimate, and the last
// optimize_storage run time.
func (s *Store[K, E]) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{PerTypeCounts: map[string]int{}}

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, s.mapping.Table)).Scan(&stats.Total); err != nil {
		return stats, wrapf("statistics", err)
	}

	if s.mapping.IsDeletedProp != nil {
		col := s.mapping.IsDeletedProp.Column
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE %q = 1`, s.mapping.Table, col)).Scan(&stats.Deleted); err != nil {
			return stats, wrapf("statistics", err)
		}
	}
	stats.Active = stats.Total - stats.Deleted

	if s.mapping.ExpiresProp != nil {
		col := s.mapping.ExpiresProp.Column
		now := time.Now().UTC().Format(timeLayout)
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE %q IS NOT NULL AND %q < ?`, s.mapping.Table, col, col), now).Scan(&stats.Expired); err != nil {
			return stats, wrapf("statistics", err)
		}
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.SizeBytes = pageCount * pageSize
		}
	}

	stats.PerTypeCounts[s.mapping.Table] = stats.Total
	s.statsMu.Lock()
	stats.LastOptimizedAt = s.lastOptimizedAt
	s.statsMu.Unlock()
	return stats, nil
}
