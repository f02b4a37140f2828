package store

import (
	"fmt"
	"reflect"
	"time"

	"github.com/arcstore/tsqlite/internal/mapping"
	"github.com/arcstore/tsqlite/internal/serializer"
)

// timeLayout is the ISO-8601-with-millisecond-precision-and-explicit-offset
// temporal encoding used for every stored timestamp column.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var timeType = reflect.TypeOf(time.Time{})

// toDBValue converts a Go field value into the form passed to the driver.
func toDBValue(p mapping.Property, v reflect.Value, reg *serializer.Registry) (any, error) {
	if p.Serialize {
		b, err := reg.Default().Marshal(v.Interface())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return b, nil
	}

	underlying := v
	if underlying.Kind() == reflect.Ptr {
		if underlying.IsNil() {
			return nil, nil
		}
		underlying = underlying.Elem()
	}

	if underlying.Type() == timeType {
		t := underlying.Interface().(time.Time)
		return t.UTC().Format(timeLayout), nil
	}

	switch underlying.Kind() {
	case reflect.Bool:
		if underlying.Bool() {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return underlying.Interface(), nil
	}
}

// fromDBValue converts a scanned driver value back into fieldType,
// returning a settable reflect.Value.
func fromDBValue(p mapping.Property, raw any, fieldType reflect.Type, reg *serializer.Registry) (reflect.Value, error) {
	targetType := fieldType
	isPtr := fieldType.Kind() == reflect.Ptr
	if isPtr {
		targetType = fieldType.Elem()
	}

	if raw == nil {
		return reflect.Zero(fieldType), nil
	}

	if p.Serialize {
		b, ok := raw.([]byte)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%w: expected bytes for %s", ErrSerialization, p.Column)
		}
		out := reflect.New(targetType)
		if err := reg.Default().Unmarshal(b, out.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return wrapPtr(out.Elem(), isPtr), nil
	}

	if targetType == timeType {
		s, ok := raw.(string)
		if !ok {
			if b, ok2 := raw.([]byte); ok2 {
				s = string(b)
			} else {
				return reflect.Value{}, fmt.Errorf("store: expected time text for %s, got %T", p.Column, raw)
			}
		}
		t, err := parseTime(s)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("store: parsing time for %s: %w", p.Column, err)
		}
		return wrapPtr(reflect.ValueOf(t), isPtr), nil
	}

	rv := reflect.ValueOf(raw)

	if targetType.Kind() == reflect.Bool {
		var b bool
		switch n := raw.(type) {
		case int64:
			b = n != 0
		case bool:
			b = n
		default:
			return reflect.Value{}, fmt.Errorf("store: expected bool-ish for %s, got %T", p.Column, raw)
		}
		return wrapPtr(reflect.ValueOf(b), isPtr), nil
	}

	if targetType.Kind() == reflect.String {
		switch n := raw.(type) {
		case string:
			return wrapPtr(reflect.ValueOf(n), isPtr), nil
		case []byte:
			return wrapPtr(reflect.ValueOf(string(n)), isPtr), nil
		}
	}

	if targetType.Kind() == reflect.Slice && targetType.Elem().Kind() == reflect.Uint8 {
		if b, ok := raw.([]byte); ok {
			return wrapPtr(reflect.ValueOf(b), isPtr), nil
		}
	}

	if rv.Type().ConvertibleTo(targetType) {
		return wrapPtr(rv.Convert(targetType), isPtr), nil
	}

	return reflect.Value{}, fmt.Errorf("store: cannot convert %T into field %s (%s)", raw, p.FieldName, targetType)
}

func wrapPtr(v reflect.Value, isPtr bool) reflect.Value {
	if !isPtr {
		return v
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return p
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
