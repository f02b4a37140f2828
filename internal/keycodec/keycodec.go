// Package keycodec canonicalizes entity keys of varying Go types into the
// single string form the store uses for cache keys, dirty-row bookkeeping,
// and log/audit correlation before using them as map keys or SQL
// parameters.
package keycodec

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Encode renders a key value to its canonical string form.
//
// Supported kinds: strings (returned as-is), all signed/unsigned integer
// kinds (base-10), bool ("true"/"false"), time.Time (RFC3339Nano, UTC),
// uuid.UUID and *uuid.UUID (canonical dashed hex via google/uuid), and
// any named string-kind "enum" type (its underlying string value).
// Composite keys ([N]any or []any) are joined with a separator that
// cannot appear in any single encoded part.
func Encode(key any) (string, error) {
	switch v := key.(type) {
	case string:
		return v, nil
	case uuid.UUID:
		return v.String(), nil
	case *uuid.UUID:
		if v == nil {
			return "", fmt.Errorf("keycodec: nil *uuid.UUID")
		}
		return v.String(), nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case []any:
		parts := make([]string, len(v))
		for i, p := range v {
			s, err := Encode(p)
			if err != nil {
				return "", err
			}
			parts[i] = escapePart(s)
		}
		return strings.Join(parts, compositeSep), nil
	}

	rv := reflect.ValueOf(key)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Array:
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			s, err := Encode(rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			parts[i] = escapePart(s)
		}
		return strings.Join(parts, compositeSep), nil
	default:
		return "", fmt.Errorf("keycodec: unsupported key type %T", key)
	}
}

// Decode parses a composite key encoded by Encode back into its parts.
// Non-composite keys decode to a single-element slice.
func Decode(encoded string) []string {
	if !strings.Contains(encoded, compositeSep) {
		return []string{encoded}
	}
	raw := strings.Split(encoded, compositeSep)
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = unescapePart(r)
	}
	return out
}

const compositeSep = "\x1f" // ASCII unit separator: never appears in user key text

func escapePart(s string) string {
	return strings.ReplaceAll(s, compositeSep, "\x1f\x1f")
}

func unescapePart(s string) string {
	return strings.ReplaceAll(s, "\x1f\x1f", compositeSep)
}

// NewUUID generates a random key using google/uuid.
func NewUUID() uuid.UUID { return uuid.New() }
