// Package store is the versioned persistence provider:
// typed CRUD, batch operations, paging, optimistic concurrency, soft/hard
// delete, bulk import/export, and maintenance, composed from mapping, ddl,
// predicate, keycodec and serializer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arcstore/tsqlite/internal/ddl"
	"github.com/arcstore/tsqlite/internal/mapping"
	"github.com/arcstore/tsqlite/internal/serializer"
	"github.com/arcstore/tsqlite/internal/txscope"
)

// CallerInfo identifies the call site of an operation for audit purposes:
// member, file, and line.
type CallerInfo struct {
	Member string
	File   string
	Line   int
}

// CaptureCallerInfo records the caller of the function that invokes it
// (runtime.Caller(2)). Store methods take CallerInfo as an explicit
// parameter and do not call this helper themselves.
func CaptureCallerInfo() CallerInfo {
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		return CallerInfo{Member: "unknown"}
	}
	fn := runtime.FuncForPC(pc)
	member := "unknown"
	if fn != nil {
		member = fn.Name()
	}
	return CallerInfo{Member: member, File: file, Line: line}
}

// Store is the versioned persistence provider for one entity type E keyed
// by K. Construct with Open.
type Store[K comparable, E any] struct {
	db         *sql.DB
	mapping    *mapping.Mapping
	statements *ddl.Statements
	serializer *serializer.Registry
	path       string

	writeMu sync.Mutex // single-writer discipline
	scopeMu sync.Mutex // serializes transaction scopes (txscope.Locker)

	reconnectMu sync.RWMutex // guards db against freshness-triggered reconnects
	lastIdent   string

	statsMu         sync.Mutex
	lastOptimizedAt *time.Time
}

// Option configures a Store at Open time.
type Option[K comparable, E any] func(*Store[K, E])

// WithSerializer overrides the default JSON serializer registry.
func WithSerializer[K comparable, E any](r *serializer.Registry) Option[K, E] {
	return func(s *Store[K, E]) { s.serializer = r }
}

// Open creates (if absent) the schema for E and returns a ready Store.
func Open[K comparable, E any](ctx context.Context, path string, cfg PragmaConfig, opts ...Option[K, E]) (*Store[K, E], error) {
	m, err := mapping.Of[E]()
	if err != nil {
		return nil, wrapf("open", err)
	}
	stmts, err := ddl.Build(m)
	if err != nil {
		return nil, wrapf("open", err)
	}

	dsn, err := ConnString(path, cfg)
	if err != nil {
		return nil, wrapf("open", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapf("open", fmt.Errorf("sqlite3 open: %w", err))
	}
	db.SetMaxOpenConns(1) // single-writer discipline: one physical connection

	s := &Store[K, E]{
		db:         db,
		mapping:    m,
		statements: stmts,
		serializer: serializer.Global(),
		path:       path,
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, wrapf("open", err)
	}
	s.lastIdent = identityOf(path)
	return s, nil
}

// OpenMemory opens an in-process, non-shared database, convenient for tests.
func OpenMemory[K comparable, E any](ctx context.Context, opts ...Option[K, E]) (*Store[K, E], error) {
	return Open[K, E](ctx, "file::memory:?cache=private", DefaultPragmaConfig(), opts...)
}

func (s *Store[K, E]) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.statements.CreateTable); err != nil {
		return fmt.Errorf("create table %s: %w", s.mapping.Table, err)
	}
	for _, idx := range s.statements.CreateIndex {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index on %s: %w", s.mapping.Table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, versionTableDDL); err != nil {
		return fmt.Errorf("create Version table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, dirtyRowsDDL); err != nil {
		return fmt.Errorf("create dirty_rows table: %w", err)
	}
	return nil
}

const versionTableDDL = `CREATE TABLE IF NOT EXISTS "Version" (
  "Version" INTEGER PRIMARY KEY AUTOINCREMENT,
  "Timestamp" TEXT NOT NULL DEFAULT (datetime('now'))
)`

const dirtyRowsDDL = `CREATE TABLE IF NOT EXISTS dirty_rows (
  table_name TEXT NOT NULL,
  row_key TEXT NOT NULL,
  marked_at TEXT NOT NULL DEFAULT (datetime('now')),
  PRIMARY KEY (table_name, row_key)
)`

// Close releases the underlying connection.
func (s *Store[K, E]) Close() error { return s.db.Close() }

// Lock and Unlock satisfy txscope.Locker, serializing transaction scopes on
// this Store for the duration of their Execute calls. The lock is separate
// from the single-writer lock, so an operation may call Store's own write
// methods (Create, Update, Delete, ...), each of which takes the
// single-writer lock for its own statement.
func (s *Store[K, E]) Lock()   { s.scopeMu.Lock() }
func (s *Store[K, E]) Unlock() { s.scopeMu.Unlock() }

// Conn exposes a dedicated connection (the same kind withImmediateTx
// acquires internally) for a txscope operation's forward/inverse commands
// to issue raw SQL against. No transaction is opened on it.
func (s *Store[K, E]) Conn(ctx context.Context) (*sql.Conn, error) {
	return s.db.Conn(ctx)
}

// Mapping exposes the entity mapping for callers building txscope
// operations directly (e.g. cmd/tsqlite).
func (s *Store[K, E]) Mapping() *mapping.Mapping { return s.mapping }

// BeginTransaction opens a new transaction scope locked by this Store's
// Lock/Unlock pair: callers Add forward/inverse operation pairs (built
// against Conn and Mapping, or calling Store's own methods) and then call
// Execute.
func (s *Store[K, E]) BeginTransaction() *txscope.Scope {
	return txscope.New(s)
}

// identityOf gives a best-effort fingerprint of the backing file (size and
// mtime) so checkFreshness can detect replacement by another process.
func identityOf(path string) string {
	clean := strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(clean, '?'); i >= 0 {
		clean = clean[:i]
	}
	if clean == ":memory:" || clean == "" {
		return clean
	}
	fi, err := os.Stat(clean)
	if err != nil {
		return clean
	}
	return fmt.Sprintf("%s:%d:%d", clean, fi.Size(), fi.ModTime().UnixNano())
}

// checkFreshness detects whether the backing file has been replaced out
// from under this connection (e.g. restored from a snapshot by another
// process). It compares identities under reconnectMu.RLock() (read paths
// call it before taking their own RLock); a detected change upgrades to a
// write lock, pings the pool and records the new identity. It does not
// close or reopen the connection.
func (s *Store[K, E]) checkFreshness(ctx context.Context) error {
	s.reconnectMu.RLock()
	current := identityOf(s.path)
	stale := current != s.lastIdent && current != ""
	s.reconnectMu.RUnlock()
	if !stale {
		return nil
	}

	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()
	// Re-check under the write lock: another goroutine may have already
	// reconnected while we waited.
	if identityOf(s.path) == s.lastIdent {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("freshness check ping: %w", err)
	}
	s.lastIdent = identityOf(s.path)
	return nil
}

// withImmediateTx runs fn on a dedicated connection inside a raw
// BEGIN IMMEDIATE/COMMIT pair, retrying the BEGIN with exponential backoff
// on SQLITE_BUSY: acquire a dedicated *sql.Conn (database/sql's pool would
// otherwise hand different statements to different connections), issue
// "BEGIN IMMEDIATE" as raw SQL since BeginTx cannot express SQLite's
// transaction modes, track commit state in a bool, and unconditionally
// ROLLBACK on the deferred path if commit never happened.
func (s *Store[K, E]) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkFreshness(ctx); err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

const (
	maxBusyRetries  = 6
	baseBusyBackoff = 10 * time.Millisecond
)

// beginImmediateWithRetry issues "BEGIN IMMEDIATE" on conn, retrying on
// SQLITE_BUSY with bounded exponential backoff plus jitter.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	var lastErr error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusyErr(err) {
			return fmt.Errorf("begin immediate: %w", err)
		}
		backoff := baseBusyBackoff * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		case <-time.After(backoff + jitter):
		}
	}
	return fmt.Errorf("%w: %v", ErrBusy, lastErr)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func markDirty(ctx context.Context, conn *sql.Conn, table, key string) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO dirty_rows (table_name, row_key) VALUES (?, ?)
		 ON CONFLICT (table_name, row_key) DO UPDATE SET marked_at = datetime('now')`,
		table, key)
	return err
}
