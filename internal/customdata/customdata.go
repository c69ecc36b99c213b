// Package customdata implements the string/bool/number key-value bag attached to person and device records.
package customdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNotFinite rejects NaN and infinite numbers, which JSON cannot carry.
var ErrNotFinite = errors.New("number is not finite")

// Map holds custom values. Values are always string, bool or float64.
type Map map[string]any

// SetString stores a string value.
func (m *Map) SetString(key, v string) { m.put(key, v) }

// SetBool stores a boolean value.
func (m *Map) SetBool(key string, v bool) { m.put(key, v) }

// SetNumber stores a numeric value. NaN and infinities are rejected.
func (m *Map) SetNumber(key string, v float64) error { return m.Set(key, v) }

// Set stores v after normalizing it. Integers and floats become float64;
// any other type than string or bool is rejected.
func (m *Map) Set(key string, v any) error {
	n, err := normalize(v)
	if err != nil {
		return fmt.Errorf("custom data %q: %w", key, err)
	}
	m.put(key, n)
	return nil
}

// Get returns the value stored under key.
func (m Map) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// Remove deletes key.
func (m Map) Remove(key string) { delete(m, key) }

// Len returns the number of keys.
func (m Map) Len() int { return len(m) }

// Keys returns the keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy. A nil map clones to nil.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies every key of incoming into m; incoming wins on collisions.
func (m *Map) Merge(incoming Map) {
	for k, v := range incoming {
		m.put(k, v)
	}
}

// Equal reports whether both maps hold the same keys and values.
func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// UnmarshalJSON rejects values other than strings, booleans and numbers.
func (m *Map) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	out := make(Map, len(raw))
	for k, v := range raw {
		n, err := normalize(v)
		if err != nil {
			return fmt.Errorf("custom data %q: %w", k, err)
		}
		out[k] = n
	}
	*m = out
	return nil
}

func (m *Map) put(key string, v any) {
	if *m == nil {
		*m = Map{}
	}
	(*m)[key] = v
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, ErrNotFinite
		}
		return x, nil
	case float32:
		return normalize(float64(x))
	case string, bool:
		return x, nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
