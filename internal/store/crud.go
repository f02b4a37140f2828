package store

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/arcstore/tsqlite/internal/keycodec"
	"github.com/arcstore/tsqlite/internal/mapping"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntity materializes one row (in m.SelectColumns() order) into a new *E.
func (s *Store[K, E]) scanEntity(row rowScanner) (*E, error) {
	cols := s.mapping.Properties
	dest := make([]any, len(cols))
	holder := make([]any, len(cols))
	for i := range holder {
		dest[i] = &holder[i]
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	ptr := s.mapping.NewEntity()
	for i, p := range cols {
		fieldType := reflect.New(s.mapping.GoType).Elem().FieldByIndex(p.FieldIndex).Type()
		v, err := fromDBValue(p, holder[i], fieldType, s.serializer)
		if err != nil {
			return nil, err
		}
		s.mapping.SetField(ptr, p, v)
	}
	e := ptr.Interface().(*E)
	return e, nil
}

func (s *Store[K, E]) bindValues(props []mapping.Property, entity any) ([]any, error) {
	out := make([]any, 0, len(props))
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	for _, p := range props {
		fv := v.FieldByIndex(p.FieldIndex)
		dbv, err := toDBValue(p, fv, s.serializer)
		if err != nil {
			return nil, err
		}
		out = append(out, dbv)
	}
	return out, nil
}

func (s *Store[K, E]) keyArgs(k K) ([]any, error) {
	encoded, err := keycodec.Encode(anyKey(k, s.mapping))
	if err != nil {
		return nil, err
	}
	parts := keycodec.Decode(encoded)
	if len(parts) != len(s.mapping.PrimaryKey) {
		return nil, fmt.Errorf("%w: key has %d parts, mapping expects %d", ErrConfiguration, len(parts), len(s.mapping.PrimaryKey))
	}
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

// anyKey normalizes K into the shape keycodec.Encode expects: a composite
// key type (struct K with len(PrimaryKey) > 1 fields) is flattened to
// []any of its exported fields in declaration order; otherwise K is
// passed through as a scalar.
func anyKey(k K, m *mapping.Mapping) any {
	if len(m.PrimaryKey) <= 1 {
		return k
	}
	v := reflect.ValueOf(k)
	parts := make([]any, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		parts[i] = v.Field(i).Interface()
	}
	return parts
}

func setEntityTimestamps(m *mapping.Mapping, ptr reflect.Value, now time.Time, created, updated, setVersionTo, isDeleted bool, version int64) {
	if m.CreatedProp != nil && created {
		m.SetField(ptr, *m.CreatedProp, reflect.ValueOf(now))
	}
	if m.UpdatedProp != nil && updated {
		m.SetField(ptr, *m.UpdatedProp, reflect.ValueOf(now))
	}
	if m.VersionProp != nil && setVersionTo {
		m.SetField(ptr, *m.VersionProp, reflect.ValueOf(version).Convert(m.VersionProp.GoType))
	}
	if m.IsDeletedProp != nil {
		m.SetField(ptr, *m.IsDeletedProp, reflect.ValueOf(isDeleted).Convert(m.IsDeletedProp.GoType))
	}
}

// Create inserts a new entity, assigning CreatedTime=LastWriteTime=now,
// Version=1, IsDeleted=false.
func (s *Store[K, E]) Create(ctx context.Context, e E, _ CallerInfo) (E, error) {
	var zero E
	now := time.Now().UTC()

	ptr := reflect.New(s.mapping.GoType)
	ptr.Elem().Set(reflect.ValueOf(e))
	setEntityTimestamps(s.mapping, ptr, now, true, true, true, false, 1)

	entity := ptr.Elem().Interface()
	cols := s.mapping.InsertColumns()
	args, err := s.bindValues(cols, entity)
	if err != nil {
		return zero, wrapf("create", err)
	}

	err = s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, execErr := conn.ExecContext(ctx, s.statements.Insert, args...)
		if execErr != nil {
			if isUniqueViolation(execErr) {
				return fmt.Errorf("%w: %v", ErrDuplicate, execErr)
			}
			return execErr
		}
		keyStr, _ := s.entityKeyString(ptr.Interface())
		return markDirty(ctx, conn, s.mapping.Table, keyStr)
	})
	if err != nil {
		return zero, wrapf("create", err)
	}
	return ptr.Elem().Interface().(E), nil
}

// Get selects the latest non-deleted, non-expired version for k.
// Returns ErrNotFound if absent.
func (s *Store[K, E]) Get(ctx context.Context, k K, _ CallerInfo) (E, error) {
	var zero E
	if err := s.checkFreshness(ctx); err != nil {
		return zero, wrapf("get", err)
	}
	s.reconnectMu.RLock()
	defer s.reconnectMu.RUnlock()

	args, err := s.keyArgs(k)
	if err != nil {
		return zero, wrapf("get", err)
	}
	row := s.db.QueryRowContext(ctx, s.statements.SelectByKey, args...)
	e, err := s.scanEntity(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return zero, fmt.Errorf("get: %w", ErrNotFound)
		}
		return zero, wrapf("get", err)
	}
	if s.isSoftDeleted(*e) || s.isExpired(*e, time.Now().UTC()) {
		return zero, fmt.Errorf("get: %w", ErrNotFound)
	}
	return *e, nil
}

func (s *Store[K, E]) isSoftDeleted(e E) bool {
	if s.mapping.IsDeletedProp == nil {
		return false
	}
	v := reflect.ValueOf(e).FieldByIndex(s.mapping.IsDeletedProp.FieldIndex)
	return v.Kind() == reflect.Bool && v.Bool()
}

func (s *Store[K, E]) isExpired(e E, now time.Time) bool {
	if s.mapping.ExpiresProp == nil {
		return false
	}
	v := reflect.ValueOf(e).FieldByIndex(s.mapping.ExpiresProp.FieldIndex)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	t, ok := v.Interface().(time.Time)
	if !ok || t.IsZero() {
		return false
	}
	return !t.After(now)
}

// Update requires e.Version to equal the stored version; on mismatch
// raises ErrConcurrency. On success bumps Version and LastWriteTime.
func (s *Store[K, E]) Update(ctx context.Context, e E, _ CallerInfo) (E, error) {
	var zero E
	if s.mapping.VersionProp == nil {
		return zero, fmt.Errorf("update: %w: entity has no Version column", ErrConfiguration)
	}

	now := time.Now().UTC()
	ptr := reflect.New(s.mapping.GoType)
	ptr.Elem().Set(reflect.ValueOf(e))

	oldVersion := reflect.ValueOf(e).FieldByIndex(s.mapping.VersionProp.FieldIndex).Int()
	newVersion := oldVersion + 1
	setEntityTimestamps(s.mapping, ptr, now, false, true, true, s.isSoftDeleted(e), newVersion)

	entity := ptr.Elem().Interface()
	setCols := s.mapping.UpdateColumns()
	args, err := s.bindValues(setCols, entity)
	if err != nil {
		return zero, wrapf("update", err)
	}
	keyArgs, err := s.keyArgs(keyOf[K, E](s.mapping, e))
	if err != nil {
		return zero, wrapf("update", err)
	}
	sqlStr := s.statements.Update + fmt.Sprintf(` AND "%s" = ?`, s.mapping.VersionProp.Column)
	args = append(args, keyArgs...)
	args = append(args, oldVersion)

	err = s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, execErr := conn.ExecContext(ctx, sqlStr, args...)
		if execErr != nil {
			return execErr
		}
		n, rErr := res.RowsAffected()
		if rErr != nil {
			return rErr
		}
		if n == 0 {
			return fmt.Errorf("%w", ErrConcurrency)
		}
		keyStr, _ := s.entityKeyString(ptr.Interface())
		return markDirty(ctx, conn, s.mapping.Table, keyStr)
	})
	if err != nil {
		return zero, wrapf("update", err)
	}
	return ptr.Elem().Interface().(E), nil
}

// Delete soft-deletes (IsDeleted=true, bumps Version+LastWriteTime) unless
// hard is true, in which case the row is removed. Returns whether a row
// changed.
func (s *Store[K, E]) Delete(ctx context.Context, k K, hard bool, _ CallerInfo) (bool, error) {
	if hard {
		args, err := s.keyArgs(k)
		if err != nil {
			return false, wrapf("delete", err)
		}
		changed := false
		err = s.withImmediateTx(ctx, func(conn *sql.Conn) error {
			res, execErr := conn.ExecContext(ctx, s.statements.DeleteByKey, args...)
			if execErr != nil {
				return execErr
			}
			n, rErr := res.RowsAffected()
			if rErr != nil {
				return rErr
			}
			changed = n > 0
			return nil
		})
		if err != nil {
			return false, wrapf("delete", err)
		}
		return changed, nil
	}

	if s.mapping.IsDeletedProp == nil || s.statements.SoftDeleteByKey == "" {
		return false, fmt.Errorf("delete: %w: entity has no IsDeleted column", ErrConfiguration)
	}

	current, err := s.Get(ctx, k, CallerInfo{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, wrapf("delete", err)
	}

	now := time.Now().UTC()
	keyArgs, err := s.keyArgs(k)
	if err != nil {
		return false, wrapf("delete", err)
	}

	args := make([]any, 0, len(keyArgs)+3)
	var oldVersion int64
	if s.mapping.VersionProp != nil {
		oldVersion = reflect.ValueOf(current).FieldByIndex(s.mapping.VersionProp.FieldIndex).Int()
		args = append(args, oldVersion+1)
	}
	if s.mapping.UpdatedProp != nil {
		args = append(args, now.Format(timeLayout))
	}
	args = append(args, keyArgs...)
	if s.mapping.VersionProp != nil {
		args = append(args, oldVersion)
	}

	changed := false
	err = s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, execErr := conn.ExecContext(ctx, s.statements.SoftDeleteByKey, args...)
		if execErr != nil {
			return execErr
		}
		n, rErr := res.RowsAffected()
		if rErr != nil {
			return rErr
		}
		if n == 0 {
			return fmt.Errorf("%w", ErrConcurrency)
		}
		changed = true
		keyStr, _ := keycodec.Encode(anyKey(k, s.mapping))
		return markDirty(ctx, conn, s.mapping.Table, keyStr)
	})
	if err != nil {
		return false, wrapf("delete", err)
	}
	return changed, nil
}

func keyOf[K comparable, E any](m *mapping.Mapping, e E) K {
	v := reflect.ValueOf(e)
	if len(m.PrimaryKey) == 1 {
		return v.FieldByIndex(m.PrimaryKey[0].FieldIndex).Interface().(K)
	}
	var k K
	kv := reflect.New(reflect.TypeOf(k)).Elem()
	for i, p := range m.PrimaryKey {
		if i < kv.NumField() {
			kv.Field(i).Set(v.FieldByIndex(p.FieldIndex))
		}
	}
	return kv.Interface().(K)
}

func (s *Store[K, E]) entityKeyString(entityPtr any) (string, error) {
	e := reflect.ValueOf(entityPtr).Elem().Interface().(E)
	k := keyOf[K, E](s.mapping, e)
	return keycodec.Encode(anyKey(k, s.mapping))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY must be unique") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}
