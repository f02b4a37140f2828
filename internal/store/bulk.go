package store

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arcstore/tsqlite/internal/mapping"
	"github.com/arcstore/tsqlite/internal/predicate"
)

// Validatable lets entities opt into bulk_import's validate_before_import
// pass.
type Validatable interface{ Validate() error }

// BulkImportOptions configures BulkImport's batching, duplicate handling,
// validation, and update behavior.
type BulkImportOptions struct {
	BatchSize            int
	IgnoreDuplicates     bool
	ValidateBeforeImport bool
	UpdateExisting       bool
	Timeout              time.Duration
}

// BulkProgress is reported at batch boundaries.
type BulkProgress struct {
	Processed int
	Total     int
	Elapsed   time.Duration
	CurrentOp string
}

// BulkImportResult summarizes a completed BulkImport run.
type BulkImportResult struct {
	SuccessCount   int
	FailureCount   int
	DuplicateCount int
	Duration       time.Duration
	Errors         []error
}

func (o BulkImportOptions) withDefaults() BulkImportOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	return o
}

// BulkImport imports items in batches within implicit per-batch
// transactions. If ValidateBeforeImport is set, every item is validated
// (fanned out over golang.org/x/sync/errgroup, since validation is pure
// CPU/allocation work that can run ahead of the single-writer lock) before
// any write; the first validation failure aborts before any write at all.
// Otherwise per-item failures accumulate into Result.Errors rather than
// aborting the batch.
func (s *Store[K, E]) BulkImport(ctx context.Context, items []E, opts BulkImportOptions, progress func(BulkProgress)) (BulkImportResult, error) {
	opts = opts.withDefaults()
	start := time.Now()
	result := BulkImportResult{}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.ValidateBeforeImport {
		g, _ := errgroup.WithContext(ctx)
		for i := range items {
			i := i
			g.Go(func() error {
				if v, ok := any(items[i]).(Validatable); ok {
					if err := v.Validate(); err != nil {
						return fmt.Errorf("item %d: %w", i, err)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, wrapf("bulk_import", err)
		}
	}

	for start_i := 0; start_i < len(items); start_i += opts.BatchSize {
		end := start_i + opts.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start_i:end]

		if err := s.importBatch(ctx, batch, opts, &result); err != nil {
			return result, wrapf("bulk_import", err)
		}

		if progress != nil {
			progress(BulkProgress{
				Processed: end,
				Total:     len(items),
				Elapsed:   time.Since(start),
				CurrentOp: "import_batch",
			})
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (s *Store[K, E]) importBatch(ctx context.Context, batch []E, opts BulkImportOptions, result *BulkImportResult) error {
	now := time.Now().UTC()
	insertCols := s.mapping.InsertColumns()
	updateCols := s.mapping.UpdateColumns()

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for _, e := range batch {
			ptr := reflect.New(s.mapping.GoType)
			ptr.Elem().Set(reflect.ValueOf(e))
			setEntityTimestamps(s.mapping, ptr, now, true, true, true, false, 1)

			args, err := s.bindValues(insertCols, ptr.Interface())
			if err != nil {
				result.FailureCount++
				result.Errors = append(result.Errors, err)
				continue
			}

			_, execErr := conn.ExecContext(ctx, s.statements.Insert, args...)
			if execErr == nil {
				keyStr, _ := s.entityKeyString(ptr.Interface())
				_ = markDirty(ctx, conn, s.mapping.Table, keyStr)
				result.SuccessCount++
				continue
			}

			if !isUniqueViolation(execErr) {
				result.FailureCount++
				result.Errors = append(result.Errors, execErr)
				continue
			}

			result.DuplicateCount++
			if opts.IgnoreDuplicates && !opts.UpdateExisting {
				continue
			}
			if !opts.UpdateExisting {
				if !opts.IgnoreDuplicates {
					result.FailureCount++
					result.Errors = append(result.Errors, fmt.Errorf("%w", ErrDuplicate))
				}
				continue
			}

			if err := s.mergeExisting(ctx, conn, e, ptr, updateCols, now); err != nil {
				result.FailureCount++
				result.Errors = append(result.Errors, err)
				continue
			}
			result.SuccessCount++
		}
		return nil
	})
}

// mergeExisting implements update_existing=true: only bumps Version if the
// serialized payload actually differs from what's stored, so re-importing
// unchanged data is a no-op for optimistic concurrency purposes.
func (s *Store[K, E]) mergeExisting(ctx context.Context, conn *sql.Conn, e E, ptr reflect.Value, updateCols []mapping.Property, now time.Time) error {
	keyArgs, err := s.keyArgs(keyOf[K, E](s.mapping, e))
	if err != nil {
		return err
	}
	row := conn.QueryRowContext(ctx, s.statements.SelectByKey, keyArgs...)
	existing, err := s.scanEntity(row)
	if err != nil {
		return err
	}

	if entitiesEqualIgnoringAudit(s, *existing, e) {
		return nil
	}

	oldVersion := reflect.ValueOf(*existing).FieldByIndex(s.mapping.VersionProp.FieldIndex).Int()
	setEntityTimestamps(s.mapping, ptr, now, false, true, true, s.isSoftDeleted(e), oldVersion+1)

	args, err := s.bindValues(updateCols, ptr.Interface())
	if err != nil {
		return err
	}
	sqlStr := s.statements.Update + fmt.Sprintf(` AND "%s" = ?`, s.mapping.VersionProp.Column)
	args = append(args, keyArgs...)
	args = append(args, oldVersion)

	res, err := conn.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w", ErrConcurrency)
	}
	return nil
}

// entitiesEqualIgnoringAudit compares two entities' non-audit, non-version
// columns to decide whether mergeExisting represents a real change.
func entitiesEqualIgnoringAudit[K comparable, E any](s *Store[K, E], a, b E) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	for _, p := range s.mapping.Properties {
		if p.IsPrimaryKey || p.Audit != "" || (s.mapping.VersionProp != nil && p.Column == s.mapping.VersionProp.Column) {
			continue
		}
		fa := va.FieldByIndex(p.FieldIndex)
		fb := vb.FieldByIndex(p.FieldIndex)
		if !reflect.DeepEqual(fa.Interface(), fb.Interface()) {
			return false
		}
	}
	return true
}

// BulkExportOptions configures BulkExport, including an OnlyDirty
// restriction backed by the dirty_rows bookkeeping table.
type BulkExportOptions struct {
	BatchSize      int
	IncludeDeleted bool
	IncludeFields  []string
	ExcludeFields  []string
	Timeout        time.Duration
	OnlyDirty      bool // restrict to rows marked dirty since the last export
}

// BulkExport streams matching entities out in batches, invoking progress
// at batch boundaries. When OnlyDirty is set, only rows marked dirty by a
// prior write are exported, and their dirty flag is cleared as they are
// emitted (incremental export).
func (s *Store[K, E]) BulkExport(ctx context.Context, pred predicate.Expr, opts BulkExportOptions, progress func(BulkProgress)) ([]E, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	all, err := s.Query(ctx, pred, QueryOptions{IncludeDeleted: opts.IncludeDeleted})
	if err != nil {
		return nil, wrapf("bulk_export", err)
	}

	if opts.OnlyDirty {
		all, err = s.filterDirty(ctx, all)
		if err != nil {
			return nil, wrapf("bulk_export", err)
		}
	}

	if len(opts.IncludeFields) > 0 || len(opts.ExcludeFields) > 0 {
		all = s.projectFields(all, opts.IncludeFields, opts.ExcludeFields)
	}

	start := time.Now()
	for i := 0; i < len(all); i += opts.BatchSize {
		end := i + opts.BatchSize
		if end > len(all) {
			end = len(all)
		}
		if progress != nil {
			progress(BulkProgress{Processed: end, Total: len(all), Elapsed: time.Since(start), CurrentOp: "export_batch"})
		}
	}
	return all, nil
}

// projectFields applies IncludeFields/ExcludeFields to a copy of each item:
// primary key columns are always preserved so callers can still identify
// the row. When IncludeFields is non-empty, every other column not named
// there is zeroed; ExcludeFields then zeroes any named column regardless.
// Fields are matched against either a property's FieldName or its db
// Column name.
func (s *Store[K, E]) projectFields(items []E, include, exclude []string) []E {
	includeSet := make(map[string]bool, len(include))
	for _, f := range include {
		includeSet[f] = true
	}
	excludeSet := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		excludeSet[f] = true
	}

	matches := func(set map[string]bool, p mapping.Property) bool {
		return set[p.FieldName] || set[p.Column]
	}

	out := make([]E, len(items))
	for i, e := range items {
		ptr := reflect.New(s.mapping.GoType)
		ptr.Elem().Set(reflect.ValueOf(e))
		for _, p := range s.mapping.Properties {
			if p.IsPrimaryKey {
				continue
			}
			zero := false
			if len(includeSet) > 0 && !matches(includeSet, p) {
				zero = true
			}
			if matches(excludeSet, p) {
				zero = true
			}
			if zero {
				fv := ptr.Elem().FieldByIndex(p.FieldIndex)
				fv.Set(reflect.Zero(fv.Type()))
			}
		}
		out[i] = ptr.Elem().Interface().(E)
	}
	return out
}

func (s *Store[K, E]) filterDirty(ctx context.Context, items []E) ([]E, error) {
	out := make([]E, 0, len(items))
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for _, e := range items {
			keyStr, err := s.entityKeyString(&e)
			if err != nil {
				return err
			}
			var exists int
			row := conn.QueryRowContext(ctx, `SELECT 1 FROM dirty_rows WHERE table_name = ? AND row_key = ?`, s.mapping.Table, keyStr)
			scanErr := row.Scan(&exists)
			if scanErr == sql.ErrNoRows {
				continue
			}
			if scanErr != nil {
				return scanErr
			}
			out = append(out, e)
			if _, err := conn.ExecContext(ctx, `DELETE FROM dirty_rows WHERE table_name = ? AND row_key = ?`, s.mapping.Table, keyStr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
