// Package cache implements a typed cache facade: a get/set surface with
// absolute and sliding expiration, tag lookup, and expired sweep, over the
// literal CacheEntity/CacheEntry schema. Unlike the entity store's
// CAS-on-current-row concurrency, the cache table carries Version inside
// its own primary key (CacheKey, Version) — an append-MVCC row history
// read back via ORDER BY Version DESC LIMIT 1. Because that shape doesn't
// fit the single-current-row assumption store.Store[K,E] builds on, the
// facade talks to its own table directly rather than wrapping a generic
// Store — but shares the pragma-configured connection string and error
// sentinels with package store. Writes are single autocommit statements
// serialized by an in-process mutex; no explicit transaction or busy retry
// is used.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arcstore/tsqlite/internal/serializer"
	"github.com/arcstore/tsqlite/internal/store"
)

const (
	cacheEntityDDL = `CREATE TABLE IF NOT EXISTS CacheEntity (
  TypeName TEXT,
  AssemblyVersion TEXT,
  SerializationType TEXT NOT NULL DEFAULT 'JSON',
  Description TEXT,
  CreatedTime TEXT NOT NULL DEFAULT (datetime('now')),
  PRIMARY KEY(TypeName, AssemblyVersion)
)`

	cacheEntryDDL = `CREATE TABLE IF NOT EXISTS CacheEntry (
  CacheKey TEXT,
  Version INTEGER,
  Data BLOB NOT NULL,
  TypeName TEXT NOT NULL,
  AssemblyVersion TEXT NOT NULL,
  Size INTEGER NOT NULL,
  AbsoluteExpiration TEXT,
  SlidingExpirationSeconds INTEGER,
  Tags TEXT,
  CreatedTime TEXT,
  LastWriteTime TEXT,
  IsDeleted INTEGER,
  PRIMARY KEY(CacheKey, Version),
  FOREIGN KEY(TypeName, AssemblyVersion) REFERENCES CacheEntity(TypeName, AssemblyVersion)
)`

	assemblyVersion = "v1"
	timeLayout      = "2006-01-02T15:04:05.000Z07:00"
)

type row struct {
	CacheKey                 string
	Version                  int64
	Data                     []byte
	AbsoluteExpiration       *time.Time
	SlidingExpirationSeconds *int64
	Tags                     []string
	CreatedTime              time.Time
	LastWriteTime            time.Time
	IsDeleted                bool
}

// Cache is a typed facade for entries of value type V, keyed by string.
type Cache[V any] struct {
	db       *sql.DB
	reg      *serializer.Registry
	typeName string
	writeMu  sync.Mutex
}

// Open creates (if absent) the companion schema and returns a ready Cache
// for value type V, sharing the same pragma-configured connection
// discipline as store.Open.
func Open[V any](ctx context.Context, path string, cfg store.PragmaConfig) (*Cache[V], error) {
	dsn, err := store.ConnString(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite3 open: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Cache[V]{db: db, reg: serializer.Global(), typeName: typeNameOf[V]()}
	if err := c.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func typeNameOf[V any]() string {
	var zero V
	t := reflect.TypeOf(zero)
	if t == nil {
		return "any"
	}
	return t.String()
}

func (c *Cache[V]) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, cacheEntityDDL); err != nil {
		return fmt.Errorf("cache: create CacheEntity: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, cacheEntryDDL); err != nil {
		return fmt.Errorf("cache: create CacheEntry: %w", err)
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO CacheEntity (TypeName, AssemblyVersion, SerializationType) VALUES (?, ?, 'JSON')
		 ON CONFLICT (TypeName, AssemblyVersion) DO NOTHING`,
		c.typeName, assemblyVersion)
	if err != nil {
		return fmt.Errorf("cache: register type: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Cache[V]) Close() error { return c.db.Close() }

func (c *Cache[V]) latest(ctx context.Context, key string) (*row, error) {
	r := c.db.QueryRowContext(ctx,
		`SELECT CacheKey, Version, Data, AbsoluteExpiration, SlidingExpirationSeconds, Tags, CreatedTime, LastWriteTime, IsDeleted
		 FROM CacheEntry WHERE CacheKey = ? ORDER BY Version DESC LIMIT 1`, key)
	return scanRow(r)
}

func scanRow(r *sql.Row) (*row, error) {
	var (
		out                row
		absExp             sql.NullString
		sliding            sql.NullInt64
		tags               sql.NullString
		created, lastWrite string
		deleted            int64
	)
	if err := r.Scan(&out.CacheKey, &out.Version, &out.Data, &absExp, &sliding, &tags, &created, &lastWrite, &deleted); err != nil {
		return nil, err
	}
	if absExp.Valid {
		t, err := time.Parse(timeLayout, absExp.String)
		if err != nil {
			return nil, fmt.Errorf("cache: parsing AbsoluteExpiration: %w", err)
		}
		out.AbsoluteExpiration = &t
	}
	if sliding.Valid {
		out.SlidingExpirationSeconds = &sliding.Int64
	}
	if tags.Valid && tags.String != "" {
		out.Tags = strings.Split(tags.String, ",")
	}
	ct, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing CreatedTime: %w", err)
	}
	out.CreatedTime = ct
	lw, err := time.Parse(timeLayout, lastWrite)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing LastWriteTime: %w", err)
	}
	out.LastWriteTime = lw
	out.IsDeleted = deleted != 0
	return &out, nil
}

func isExpired(r *row, now time.Time) bool {
	return r.AbsoluteExpiration != nil && !r.AbsoluteExpiration.After(now)
}

func (c *Cache[V]) insertVersion(ctx context.Context, r row) error {
	var absExp any
	if r.AbsoluteExpiration != nil {
		absExp = r.AbsoluteExpiration.UTC().Format(timeLayout)
	}
	var sliding any
	if r.SlidingExpirationSeconds != nil {
		sliding = *r.SlidingExpirationSeconds
	}
	var tags any
	if len(r.Tags) > 0 {
		tags = strings.Join(r.Tags, ",")
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO CacheEntry (CacheKey, Version, Data, TypeName, AssemblyVersion, Size, AbsoluteExpiration, SlidingExpirationSeconds, Tags, CreatedTime, LastWriteTime, IsDeleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CacheKey, r.Version, r.Data, c.typeName, assemblyVersion, len(r.Data), absExp, sliding, tags,
		r.CreatedTime.UTC().Format(timeLayout), r.LastWriteTime.UTC().Format(timeLayout), boolToInt(r.IsDeleted))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get loads the entry for k. If present and expired, it is soft-deleted
// (a new deleted version row is appended) and absent is returned. Under
// sliding expiration, a successful read refreshes LastWriteTime and
// recomputes AbsoluteExpiration as now+sliding, persisting the refresh as
// a new version row.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	r, err := c.latest(ctx, key)
	if err == sql.ErrNoRows {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cache: get: %w", err)
	}
	if r.IsDeleted {
		return zero, false, nil
	}

	now := time.Now().UTC()
	if isExpired(r, now) {
		if err := c.insertVersion(ctx, row{
			CacheKey: r.CacheKey, Version: r.Version + 1, Data: r.Data,
			AbsoluteExpiration: r.AbsoluteExpiration, SlidingExpirationSeconds: r.SlidingExpirationSeconds,
			Tags: r.Tags, CreatedTime: r.CreatedTime, LastWriteTime: now, IsDeleted: true,
		}); err != nil {
			return zero, false, fmt.Errorf("cache: get: expiring: %w", err)
		}
		return zero, false, nil
	}

	var v V
	if err := c.reg.Default().Unmarshal(r.Data, &v); err != nil {
		return zero, false, fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}

	if r.SlidingExpirationSeconds != nil {
		newExp := now.Add(time.Duration(*r.SlidingExpirationSeconds) * time.Second)
		if err := c.insertVersion(ctx, row{
			CacheKey: r.CacheKey, Version: r.Version + 1, Data: r.Data,
			AbsoluteExpiration: &newExp, SlidingExpirationSeconds: r.SlidingExpirationSeconds,
			Tags: r.Tags, CreatedTime: r.CreatedTime, LastWriteTime: now, IsDeleted: false,
		}); err != nil {
			return zero, false, fmt.Errorf("cache: get: refreshing sliding window: %w", err)
		}
	}

	return v, true, nil
}

// Set overwrites (or creates) the entry for k with an absolute TTL. A nil
// ttl means no expiration.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl *time.Duration) error {
	var absolute *time.Time
	if ttl != nil {
		t := time.Now().UTC().Add(*ttl)
		absolute = &t
	}
	return c.setWithSliding(ctx, key, value, nil, absolute, nil)
}

// SetTags is Set plus an explicit tag set, consulted by ByTag.
func (c *Cache[V]) SetTags(ctx context.Context, key string, value V, ttl *time.Duration, tags []string) error {
	var absolute *time.Time
	if ttl != nil {
		t := time.Now().UTC().Add(*ttl)
		absolute = &t
	}
	return c.setWithSliding(ctx, key, value, nil, absolute, tags)
}

// SetWithSliding records a sliding window. The initial AbsoluteExpiration
// is now+absolute when absolute is provided, else now+sliding. The ceiling
// is not stored separately: the first Get that refreshes the sliding window
// replaces it with now+sliding.
func (c *Cache[V]) SetWithSliding(ctx context.Context, key string, value V, sliding time.Duration, absolute *time.Duration) error {
	s := int64(sliding.Seconds())
	var abs *time.Time
	if absolute != nil {
		t := time.Now().UTC().Add(*absolute)
		abs = &t
	} else {
		t := time.Now().UTC().Add(sliding)
		abs = &t
	}
	return c.setWithSliding(ctx, key, value, &s, abs, nil)
}

func (c *Cache[V]) setWithSliding(ctx context.Context, key string, value V, slidingSeconds *int64, absolute *time.Time, tags []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := c.reg.Default().Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}

	now := time.Now().UTC()
	version := int64(1)
	created := now
	if existing, err := c.latest(ctx, key); err == nil {
		version = existing.Version + 1
		created = existing.CreatedTime
		if tags == nil {
			tags = existing.Tags
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("cache: set: %w", err)
	}

	return c.insertVersion(ctx, row{
		CacheKey: key, Version: version, Data: data,
		AbsoluteExpiration: absolute, SlidingExpirationSeconds: slidingSeconds,
		Tags: tags, CreatedTime: created, LastWriteTime: now, IsDeleted: false,
	})
}

// Remove soft-deletes the entry for k (appends a deleted version row).
func (c *Cache[V]) Remove(ctx context.Context, key string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	r, err := c.latest(ctx, key)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: remove: %w", err)
	}
	if r.IsDeleted {
		return nil
	}
	now := time.Now().UTC()
	return c.insertVersion(ctx, row{
		CacheKey: key, Version: r.Version + 1, Data: r.Data,
		AbsoluteExpiration: r.AbsoluteExpiration, SlidingExpirationSeconds: r.SlidingExpirationSeconds,
		Tags: r.Tags, CreatedTime: r.CreatedTime, LastWriteTime: now, IsDeleted: true,
	})
}

// Exists reports whether k is present, not deleted, and not expired,
// without triggering a sliding-window refresh.
func (c *Cache[V]) Exists(ctx context.Context, key string) (bool, error) {
	r, err := c.latest(ctx, key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: exists: %w", err)
	}
	if r.IsDeleted {
		return false, nil
	}
	return !isExpired(r, time.Now().UTC()), nil
}

// Entry is one tagged result from ByTag.
type Entry[V any] struct {
	Key   string
	Value V
}

// ByTag returns all live, non-expired entries whose tag set contains tag,
// ordered by LastWriteTime descending, tie-broken by key ascending.
func (c *Cache[V]) ByTag(ctx context.Context, tag string) ([]Entry[V], error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ce.CacheKey, ce.Version, ce.Data, ce.AbsoluteExpiration, ce.SlidingExpirationSeconds, ce.Tags, ce.CreatedTime, ce.LastWriteTime, ce.IsDeleted
		FROM CacheEntry ce
		JOIN (SELECT CacheKey, MAX(Version) AS mv FROM CacheEntry GROUP BY CacheKey) latest
		  ON ce.CacheKey = latest.CacheKey AND ce.Version = latest.mv
		WHERE ce.IsDeleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("cache: by_tag: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var matches []*row
	for rows.Next() {
		var (
			out                row
			absExp             sql.NullString
			sliding            sql.NullInt64
			tags               sql.NullString
			created, lastWrite string
			deleted            int64
		)
		if err := rows.Scan(&out.CacheKey, &out.Version, &out.Data, &absExp, &sliding, &tags, &created, &lastWrite, &deleted); err != nil {
			return nil, fmt.Errorf("cache: by_tag: %w", err)
		}
		if absExp.Valid {
			t, err := time.Parse(timeLayout, absExp.String)
			if err != nil {
				return nil, fmt.Errorf("cache: by_tag: %w", err)
			}
			out.AbsoluteExpiration = &t
		}
		if tags.Valid {
			out.Tags = strings.Split(tags.String, ",")
		}
		ct, err := time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("cache: by_tag: %w", err)
		}
		out.CreatedTime = ct
		lw, err := time.Parse(timeLayout, lastWrite)
		if err != nil {
			return nil, fmt.Errorf("cache: by_tag: %w", err)
		}
		out.LastWriteTime = lw

		if isExpired(&out, now) {
			continue
		}
		if !hasTag(out.Tags, tag) {
			continue
		}
		rc := out
		matches = append(matches, &rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: by_tag: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].LastWriteTime.Equal(matches[j].LastWriteTime) {
			return matches[i].LastWriteTime.After(matches[j].LastWriteTime)
		}
		return matches[i].CacheKey < matches[j].CacheKey
	})

	out := make([]Entry[V], 0, len(matches))
	for _, m := range matches {
		var v V
		if err := c.reg.Default().Unmarshal(m.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrSerialization, err)
		}
		out = append(out, Entry[V]{Key: m.CacheKey, Value: v})
	}
	return out, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ClearExpired soft-deletes every live entry whose AbsoluteExpiration is
// before now, returning the count affected.
func (c *Cache[V]) ClearExpired(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT ce.CacheKey, ce.Version, ce.Data, ce.AbsoluteExpiration, ce.SlidingExpirationSeconds, ce.Tags, ce.CreatedTime, ce.LastWriteTime, ce.IsDeleted
		FROM CacheEntry ce
		JOIN (SELECT CacheKey, MAX(Version) AS mv FROM CacheEntry GROUP BY CacheKey) latest
		  ON ce.CacheKey = latest.CacheKey AND ce.Version = latest.mv
		WHERE ce.IsDeleted = 0 AND ce.AbsoluteExpiration IS NOT NULL AND ce.AbsoluteExpiration < ?`,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("cache: clear_expired: %w", err)
	}

	var toExpire []*row
	for rows.Next() {
		r, err := scanRowFromRows(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("cache: clear_expired: %w", err)
		}
		toExpire = append(toExpire, r)
	}
	closeErr := rows.Close()
	if closeErr != nil {
		return 0, fmt.Errorf("cache: clear_expired: %w", closeErr)
	}

	now := time.Now().UTC()
	for _, r := range toExpire {
		if err := c.insertVersion(ctx, row{
			CacheKey: r.CacheKey, Version: r.Version + 1, Data: r.Data,
			AbsoluteExpiration: r.AbsoluteExpiration, SlidingExpirationSeconds: r.SlidingExpirationSeconds,
			Tags: r.Tags, CreatedTime: r.CreatedTime, LastWriteTime: now, IsDeleted: true,
		}); err != nil {
			return 0, fmt.Errorf("cache: clear_expired: %w", err)
		}
	}
	return len(toExpire), nil
}

func scanRowFromRows(rows *sql.Rows) (*row, error) {
	var (
		out                row
		absExp             sql.NullString
		sliding            sql.NullInt64
		tags               sql.NullString
		created, lastWrite string
		deleted            int64
	)
	if err := rows.Scan(&out.CacheKey, &out.Version, &out.Data, &absExp, &sliding, &tags, &created, &lastWrite, &deleted); err != nil {
		return nil, err
	}
	if absExp.Valid {
		t, err := time.Parse(timeLayout, absExp.String)
		if err != nil {
			return nil, err
		}
		out.AbsoluteExpiration = &t
	}
	if sliding.Valid {
		out.SlidingExpirationSeconds = &sliding.Int64
	}
	if tags.Valid {
		out.Tags = strings.Split(tags.String, ",")
	}
	ct, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, err
	}
	out.CreatedTime = ct
	lw, err := time.Parse(timeLayout, lastWrite)
	if err != nil {
		return nil, err
	}
	out.LastWriteTime = lw
	out.IsDeleted = deleted != 0
	return &out, nil
}
