// Package versionseq implements the global monotonic version allocator: a
// sequence backed by the Version table, one row per allocation. Next is
// serialized by a mutex; concurrent Current reads are collapsed with
// golang.org/x/sync/singleflight.
package versionseq

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Sequence allocates strictly increasing integers backed by the Version
// infrastructure table (Version INTEGER PRIMARY KEY AUTOINCREMENT,
// Timestamp TEXT NOT NULL DEFAULT (datetime('now'))).
type Sequence struct {
	db    *sql.DB
	mu    sync.Mutex
	group singleflight.Group
}

// New wraps db, assuming the Version table already exists (Store.Open
// creates it as part of schema migration).
func New(db *sql.DB) *Sequence {
	return &Sequence{db: db}
}

// Next returns the next value in the sequence. Each call allocates its
// own row via INSERT ... last_insert_rowid(), serialized by mu so
// concurrent callers still observe strictly increasing, distinct values
// (a dedup-style singleflight.Do would hand the same value to every
// waiter, which is correct for Current's read-coalescing below but wrong
// here — every caller needs its own allocation).
func (s *Sequence) Next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `INSERT INTO "Version" DEFAULT VALUES`)
	if err != nil {
		return 0, fmt.Errorf("versionseq: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("versionseq: last_insert_rowid: %w", err)
	}
	return id, nil
}

// Current returns the highest allocated value without allocating a new
// one. Concurrent readers racing under contention are collapsed onto a
// single query via singleflight — unlike Next, every caller legitimately
// wants the same answer here.
func (s *Sequence) Current(ctx context.Context) (int64, error) {
	v, err, _ := s.group.Do("current", func() (any, error) {
		var v sql.NullInt64
		if err := s.db.QueryRowContext(ctx, `SELECT MAX("Version") FROM "Version"`).Scan(&v); err != nil {
			return nil, fmt.Errorf("versionseq: current: %w", err)
		}
		if !v.Valid {
			return int64(0), nil
		}
		return v.Int64, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}
