// Package mapping derives persistence metadata from Go struct types by
// reflection, the way kintsdev-norm's StructMapper walks a type's fields
// looking for `db`/`norm` tags, adapted here to the full column/index/FK
// shape the store and DDL synthesizer need.
package mapping

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// StorageClass is the engine-native column type a property maps to.
type StorageClass string

const (
	StorageInteger StorageClass = "INTEGER"
	StorageReal    StorageClass = "REAL"
	StorageText    StorageClass = "TEXT"
	StorageBlob    StorageClass = "BLOB"
)

// AuditKind marks a property as a well-known audit field.
type AuditKind string

const (
	AuditNone    AuditKind = ""
	AuditCreated AuditKind = "created"
	AuditUpdated AuditKind = "updated"
)

// Property describes one mapped struct field.
type Property struct {
	FieldName     string
	FieldIndex    []int
	Column        string
	GoType        reflect.Type
	Storage       StorageClass
	Nullable      bool
	Default       string
	IsPrimaryKey  bool
	PKOrder       int
	AutoIncrement bool
	Unique        bool
	IsComputed    bool
	ComputedExpr  string
	Persisted     bool
	Audit         AuditKind
	Check         string
	NotMapped     bool
	Serialize     bool // field requires the serializer registry (non-primitive payload)
}

// IndexDef describes one CREATE INDEX statement.
type IndexDef struct {
	Name    string
	Columns []string
	Unique  bool
	Filter  string
}

// ForeignKeyDef describes one composite or simple foreign key constraint.
type ForeignKeyDef struct {
	Name        string
	LocalCols   []string
	RefTable    string
	RefCols     []string
	OnDelete    string
	OnUpdate    string
}

// Mapping is the immutable metadata derived for one entity type.
type Mapping struct {
	GoType     reflect.Type
	Table      string
	Schema     string
	Properties []Property
	PrimaryKey []Property // ordered by PKOrder
	Indexes    []IndexDef
	ForeignKeys []ForeignKeyDef

	// Well-known lifecycle columns: every entity is expected to carry
	// these so the store can implement versioning, audit timestamps, soft
	// delete and cache-style expiration uniformly.
	VersionProp   *Property
	CreatedProp   *Property
	UpdatedProp   *Property
	IsDeletedProp *Property
	ExpiresProp   *Property
}

// ConfigurationError reports a mapping/DDL inconsistency.
type ConfigurationError struct {
	Type   reflect.Type
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("mapping %s: %s", e.Type, e.Reason)
}

var (
	cacheMu sync.RWMutex
	cache   = map[reflect.Type]*Mapping{}
)

// Of builds (or returns the cached) Mapping for entity type E.
//
// Mirrors kintsdev-norm's per-call reflect.TypeOf walk, but memoizes the
// result per type instead of re-walking on every call, since the mapping
// is reflection-driven rather than hand-written per entity.
func Of[E any]() (*Mapping, error) {
	var zero E
	t := reflect.TypeOf(zero)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return OfType(t)
}

// OfType builds (or returns the cached) Mapping for a reflect.Type.
func OfType(t reflect.Type) (*Mapping, error) {
	cacheMu.RLock()
	if m, ok := cache[t]; ok {
		cacheMu.RUnlock()
		return m, nil
	}
	cacheMu.RUnlock()

	m, err := build(t)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	cache[t] = m
	cacheMu.Unlock()
	return m, nil
}

func build(t reflect.Type) (*Mapping, error) {
	if t.Kind() != reflect.Struct {
		return nil, &ConfigurationError{Type: t, Reason: "entity must be a struct"}
	}

	m := &Mapping{GoType: t, Table: t.Name()}

	indexBuckets := map[string]*IndexDef{}
	indexOrder := []string{}
	fkBuckets := map[string]*fkBucket{}
	fkOrder := []string{}

	var walk func(t reflect.Type, index []int)
	walk = func(t reflect.Type, index []int) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" && !f.Anonymous {
				continue // unexported
			}
			fi := append(append([]int{}, index...), i)

			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				walk(f.Type, fi)
				continue
			}

			tag := f.Tag.Get("tstore")
			if tag == "-" {
				continue
			}
			flags := parseTag(tag)
			if _, ok := flags["notmapped"]; ok {
				continue
			}

			col := f.Tag.Get("db")
			if col == "" {
				col = toSnakeCase(f.Name)
			}

			p := Property{
				FieldName: f.Name,
				FieldIndex: fi,
				Column:    col,
				GoType:    f.Type,
				Storage:   storageClassFor(f.Type),
				Nullable:  isNilable(f.Type),
			}

			if v, ok := flags["pk"]; ok {
				p.IsPrimaryKey = true
				if v != "" {
					if n, err := strconv.Atoi(v); err == nil {
						p.PKOrder = n
					}
				}
			} else if strings.EqualFold(f.Name, "Id") || strings.EqualFold(f.Name, "Key") {
				p.IsPrimaryKey = true
			}

			if _, ok := flags["auto"]; ok {
				p.AutoIncrement = true
			}
			if _, ok := flags["unique"]; ok {
				p.Unique = true
			}
			if v, ok := flags["default"]; ok {
				p.Default = v
			}
			if v, ok := flags["computed"]; ok {
				p.IsComputed = true
				p.ComputedExpr = v
			}
			if _, ok := flags["persisted"]; ok {
				p.Persisted = true
			}
			if v, ok := flags["audit"]; ok {
				p.Audit = AuditKind(v)
			}
			if v, ok := flags["check"]; ok {
				p.Check = v
			}
			if v, ok := flags["index"]; ok {
				name := v
				if name == "" {
					name = col + "_idx"
				}
				addToIndex(indexBuckets, &indexOrder, name, col, false)
			}
			if v, ok := flags["uindex"]; ok {
				name := v
				if name == "" {
					name = col + "_uidx"
				}
				addToIndex(indexBuckets, &indexOrder, name, col, true)
			}
			if v, ok := flags["fk"]; ok {
				// fk:name=<n>,table=<t>,col=<c>[,ondelete=<a>][,onupdate=<a>]
				addToFK(fkBuckets, &fkOrder, v, col)
			}
			if needsSerializer(f.Type) {
				p.Serialize = true
				p.Storage = StorageBlob
			}

			m.Properties = append(m.Properties, p)
		}
	}
	walk(t, nil)

	for _, p := range m.Properties {
		if p.IsPrimaryKey {
			m.PrimaryKey = append(m.PrimaryKey, p)
		}
	}
	if len(m.PrimaryKey) == 0 {
		return nil, &ConfigurationError{Type: t, Reason: "no primary key: mark a property pk or name it Id/Key"}
	}
	sortByPKOrder(m.PrimaryKey)

	for _, name := range indexOrder {
		m.Indexes = append(m.Indexes, *indexBuckets[name])
	}
	for _, name := range fkOrder {
		fk := fkBuckets[name]
		for i, a := range fk.actionsSeen {
			if i > 0 && a != fk.actionsSeen[0] {
				return nil, &ConfigurationError{Type: t, Reason: fmt.Sprintf("foreign key %q has conflicting actions across participating properties", name)}
			}
		}
		m.ForeignKeys = append(m.ForeignKeys, fk.ForeignKeyDef)
	}

	for i := range m.Properties {
		p := &m.Properties[i]
		switch {
		case p.Audit == AuditCreated:
			m.CreatedProp = p
		case p.Audit == AuditUpdated:
			m.UpdatedProp = p
		}
		switch strings.ToLower(p.FieldName) {
		case "version":
			m.VersionProp = p
		case "isdeleted":
			m.IsDeletedProp = p
		case "expiresat", "expirationtime":
			m.ExpiresProp = p
		}
	}

	return m, nil
}

type fkBucket struct {
	ForeignKeyDef
	actionsSeen []string
}

func addToFK(buckets map[string]*fkBucket, order *[]string, spec string, col string) {
	// spec is "name=...,table=...,col=...[,ondelete=...][,onupdate=...]"
	parts := map[string]string{}
	for _, kv := range strings.Split(spec, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		parts[kv[:eq]] = kv[eq+1:]
	}
	name := parts["name"]
	if name == "" {
		name = col + "_fk"
	}
	fk, ok := buckets[name]
	if !ok {
		fk = &fkBucket{ForeignKeyDef: ForeignKeyDef{Name: name, RefTable: parts["table"], OnDelete: parts["ondelete"], OnUpdate: parts["onupdate"]}}
		buckets[name] = fk
		*order = append(*order, name)
	}
	fk.LocalCols = append(fk.LocalCols, col)
	fk.RefCols = append(fk.RefCols, parts["col"])
	fk.actionsSeen = append(fk.actionsSeen, parts["ondelete"]+"|"+parts["onupdate"])
}

func addToIndex(buckets map[string]*IndexDef, order *[]string, name, col string, unique bool) {
	idx, ok := buckets[name]
	if !ok {
		idx = &IndexDef{Name: name, Unique: unique}
		buckets[name] = idx
		*order = append(*order, name)
	}
	idx.Columns = append(idx.Columns, col)
	if unique {
		idx.Unique = true
	}
}

func sortByPKOrder(props []Property) {
	for i := 1; i < len(props); i++ {
		j := i
		for j > 0 && props[j-1].PKOrder > props[j].PKOrder {
			props[j-1], props[j] = props[j], props[j-1]
			j--
		}
	}
}

func parseTag(tag string) map[string]string {
	out := map[string]string{}
	if tag == "" {
		return out
	}
	for _, part := range strings.Split(tag, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, ':'); i >= 0 {
			out[part[:i]] = part[i+1:]
		} else {
			out[part] = ""
		}
	}
	return out
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SelectColumns returns columns in declared order.
func (m *Mapping) SelectColumns() []string {
	cols := make([]string, 0, len(m.Properties))
	for _, p := range m.Properties {
		cols = append(cols, p.Column)
	}
	return cols
}

// InsertColumns excludes computed and auto-increment properties.
func (m *Mapping) InsertColumns() []Property {
	out := make([]Property, 0, len(m.Properties))
	for _, p := range m.Properties {
		if p.IsComputed || p.AutoIncrement {
			continue
		}
		out = append(out, p)
	}
	return out
}

// UpdateColumns excludes computed and primary-key properties.
func (m *Mapping) UpdateColumns() []Property {
	out := make([]Property, 0, len(m.Properties))
	for _, p := range m.Properties {
		if p.IsComputed || p.IsPrimaryKey {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ByColumn returns the property mapped to the given column, honoring the
// sentinel Id/Key -> primary-key-column convention used by the predicate
// translator.
func (m *Mapping) ByColumn(name string) (Property, bool) {
	if strings.EqualFold(name, "Id") || strings.EqualFold(name, "Key") {
		if len(m.PrimaryKey) == 1 {
			return m.PrimaryKey[0], true
		}
	}
	for _, p := range m.Properties {
		if strings.EqualFold(p.FieldName, name) || strings.EqualFold(p.Column, name) {
			return p, true
		}
	}
	return Property{}, false
}

// FieldValue reads property p off entity (struct or pointer-to-struct).
func (m *Mapping) FieldValue(entity any, p Property) reflect.Value {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return v.FieldByIndex(p.FieldIndex)
}

// NewEntity allocates a zero-valued *E (returned as a reflect.Value of kind
// Ptr, so its fields are addressable) for
// materializing a scanned row into, field-wise — idiomatic Go favors a
// zero value plus field assignment over constructor reflection.
func (m *Mapping) NewEntity() reflect.Value {
	return reflect.New(m.GoType)
}

// SetField writes value into property p on the struct pointed to by
// entityPtr (a reflect.Value of kind Ptr to m.GoType).
func (m *Mapping) SetField(entityPtr reflect.Value, p Property, value reflect.Value) {
	field := entityPtr.Elem().FieldByIndex(p.FieldIndex)
	if value.Type().AssignableTo(field.Type()) {
		field.Set(value)
		return
	}
	if value.Type().ConvertibleTo(field.Type()) {
		field.Set(value.Convert(field.Type()))
	}
}

func storageClassFor(t reflect.Type) StorageClass {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return StorageInteger
	case reflect.Float32, reflect.Float64:
		return StorageReal
	case reflect.String:
		return StorageText
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return StorageBlob
		}
		return StorageText
	default:
		if t.PkgPath() == "time" && t.Name() == "Time" {
			return StorageText
		}
		return StorageText
	}
}

func isNilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	default:
		return false
	}
}

// needsSerializer reports whether a field's Go type cannot be represented
// directly by a primitive SQLite storage class (structs, maps, non-byte
// slices) and must instead flow through the serializer registry (component B).
func needsSerializer(t reflect.Type) bool {
	base := t
	for base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	if base.PkgPath() == "time" && base.Name() == "Time" {
		return false
	}
	switch base.Kind() {
	case reflect.Struct, reflect.Map:
		return true
	case reflect.Slice:
		return base.Elem().Kind() != reflect.Uint8
	default:
		return false
	}
}
