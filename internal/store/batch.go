package store

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"time"

	"github.com/arcstore/tsqlite/internal/keycodec"
)

// CreateBatch inserts all entities in a single implicit transaction;
// partial failure rolls back the batch entirely.
func (s *Store[K, E]) CreateBatch(ctx context.Context, entities []E, _ CallerInfo) ([]E, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]E, len(entities))
	cols := s.mapping.InsertColumns()

	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for i, e := range entities {
			ptr := reflect.New(s.mapping.GoType)
			ptr.Elem().Set(reflect.ValueOf(e))
			setEntityTimestamps(s.mapping, ptr, now, true, true, true, false, 1)

			args, err := s.bindValues(cols, ptr.Interface())
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			if _, err := conn.ExecContext(ctx, s.statements.Insert, args...); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("item %d: %w: %v", i, ErrDuplicate, err)
				}
				return fmt.Errorf("item %d: %w", i, err)
			}
			keyStr, _ := s.entityKeyString(ptr.Interface())
			if err := markDirty(ctx, conn, s.mapping.Table, keyStr); err != nil {
				return err
			}
			out[i] = ptr.Elem().Interface().(E)
		}
		return nil
	})
	if err != nil {
		return nil, wrapf("create_batch", err)
	}
	return out, nil
}

// GetBatch returns the entities found for keys, in the same order; keys
// with no live row are simply omitted.
func (s *Store[K, E]) GetBatch(ctx context.Context, keys []K, _ CallerInfo) ([]E, error) {
	out := make([]E, 0, len(keys))
	for _, k := range keys {
		e, err := s.Get(ctx, k, CallerInfo{})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, wrapf("get_batch", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// UpdateBatch applies Update to every entity within a single implicit
// transaction; any concurrency conflict rolls back the whole batch.
func (s *Store[K, E]) UpdateBatch(ctx context.Context, entities []E, _ CallerInfo) ([]E, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	if s.mapping.VersionProp == nil {
		return nil, fmt.Errorf("update_batch: %w: entity has no Version column", ErrConfiguration)
	}

	now := time.Now().UTC()
	out := make([]E, len(entities))
	setCols := s.mapping.UpdateColumns()

	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for i, e := range entities {
			ptr := reflect.New(s.mapping.GoType)
			ptr.Elem().Set(reflect.ValueOf(e))

			oldVersion := reflect.ValueOf(e).FieldByIndex(s.mapping.VersionProp.FieldIndex).Int()
			newVersion := oldVersion + 1
			setEntityTimestamps(s.mapping, ptr, now, false, true, true, s.isSoftDeleted(e), newVersion)

			args, err := s.bindValues(setCols, ptr.Interface())
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			keyArgs, err := s.keyArgs(keyOf[K, E](s.mapping, e))
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			sqlStr := s.statements.Update + fmt.Sprintf(` AND "%s" = ?`, s.mapping.VersionProp.Column)
			args = append(args, keyArgs...)
			args = append(args, oldVersion)

			res, err := conn.ExecContext(ctx, sqlStr, args...)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			if n == 0 {
				return fmt.Errorf("item %d: %w", i, ErrConcurrency)
			}
			keyStr, _ := s.entityKeyString(ptr.Interface())
			if err := markDirty(ctx, conn, s.mapping.Table, keyStr); err != nil {
				return err
			}
			out[i] = ptr.Elem().Interface().(E)
		}
		return nil
	})
	if err != nil {
		return nil, wrapf("update_batch", err)
	}
	return out, nil
}

// DeleteBatch deletes (soft or hard) every key within a single implicit
// transaction, returning how many rows actually changed.
func (s *Store[K, E]) DeleteBatch(ctx context.Context, keys []K, hard bool, _ CallerInfo) (int, error) {
	changed := 0
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for _, k := range keys {
			args, err := s.keyArgs(k)
			if err != nil {
				return err
			}
			if hard {
				res, err := conn.ExecContext(ctx, s.statements.DeleteByKey, args...)
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				changed += int(n)
				continue
			}

			row := conn.QueryRowContext(ctx, s.statements.SelectByKey, args...)
			e, err := s.scanEntity(row)
			if err != nil {
				if err == sql.ErrNoRows {
					continue
				}
				return err
			}
			if s.isSoftDeleted(*e) {
				continue
			}

			ptr := reflect.New(s.mapping.GoType)
			ptr.Elem().Set(reflect.ValueOf(*e))
			now := time.Now().UTC()
			oldVersion := reflect.ValueOf(*e).FieldByIndex(s.mapping.VersionProp.FieldIndex).Int()
			setEntityTimestamps(s.mapping, ptr, now, false, true, true, true, oldVersion+1)

			setCols := s.mapping.UpdateColumns()
			updArgs, err := s.bindValues(setCols, ptr.Interface())
			if err != nil {
				return err
			}
			keyArgs, err := s.keyArgs(k)
			if err != nil {
				return err
			}
			sqlStr := s.statements.Update + fmt.Sprintf(` AND "%s" = ?`, s.mapping.VersionProp.Column)
			updArgs = append(updArgs, keyArgs...)
			updArgs = append(updArgs, oldVersion)
			res, err := conn.ExecContext(ctx, sqlStr, updArgs...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				changed++
				keyStr, _ := keycodec.Encode(anyKey(k, s.mapping))
				if err := markDirty(ctx, conn, s.mapping.Table, keyStr); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapf("delete_batch", err)
	}
	return changed, nil
}
