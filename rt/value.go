// Package rt provides the dynamic value type that backs the runtime's
// envelope params, results and errors.
package rt

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the concrete shape held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindUint64
	KindFloat64
	KindString
	KindDateTime
	KindList
	KindMap
)

// Value is a recursive tagged union used for command params, results and
// error bodies. Implementations should funnel every field access through
// the typed accessors below rather than reaching into the zero-value
// fields directly, the way data.Pipeline funnels map access through Get.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	t    time.Time
	list []Value
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a bool.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int64 wraps an int64.
func Int64(v int64) Value { return Value{kind: KindInt64, i: v} }

// Uint64 wraps a uint64.
func Uint64(v uint64) Value { return Value{kind: KindUint64, u: v} }

// Float64 wraps a float64.
func Float64(v float64) Value { return Value{kind: KindFloat64, f: v} }

// String wraps a string.
func String(v string) Value { return Value{kind: KindString, s: v} }

// DateTime wraps a time.Time.
func DateTime(v time.Time) Value { return Value{kind: KindDateTime, t: v} }

// List wraps a slice of Values.
func List(v ...Value) Value { return Value{kind: KindList, list: v} }

// Map wraps a string-keyed map of Values.
func Map(v map[string]Value) Value {
	if v == nil {
		v = make(map[string]Value)
	}
	return Value{kind: KindMap, m: v}
}

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the null tag.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean value, or def if the tag is not KindBool.
func (v Value) AsBool(def bool) bool {
	if v.kind != KindBool {
		return def
	}
	return v.b
}

// AsInt64 returns the int64 value, or def if the tag is not numeric.
func (v Value) AsInt64(def int64) int64 {
	switch v.kind {
	case KindInt64:
		return v.i
	case KindUint64:
		return int64(v.u)
	case KindFloat64:
		return int64(v.f)
	default:
		return def
	}
}

// AsUint64 returns the uint64 value, or def if the tag is not numeric.
func (v Value) AsUint64(def uint64) uint64 {
	switch v.kind {
	case KindUint64:
		return v.u
	case KindInt64:
		if v.i < 0 {
			return def
		}
		return uint64(v.i)
	case KindFloat64:
		if v.f < 0 {
			return def
		}
		return uint64(v.f)
	default:
		return def
	}
}

// AsFloat64 returns the float64 value, or def if the tag is not numeric.
func (v Value) AsFloat64(def float64) float64 {
	switch v.kind {
	case KindFloat64:
		return v.f
	case KindInt64:
		return float64(v.i)
	case KindUint64:
		return float64(v.u)
	default:
		return def
	}
}

// AsString returns the string value, or def if the tag is not KindString.
func (v Value) AsString(def string) string {
	if v.kind != KindString {
		return def
	}
	return v.s
}

// AsDateTime returns the time value, or def if the tag is not KindDateTime.
func (v Value) AsDateTime(def time.Time) time.Time {
	if v.kind != KindDateTime {
		return def
	}
	return v.t
}

// AsList returns the underlying slice, or nil if the tag is not KindList.
func (v Value) AsList() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// AsMap returns the underlying map, or nil if the tag is not KindMap.
func (v Value) AsMap() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	return v.m
}

// Get looks up a key in a KindMap value. The second return is false when
// the value is not a map or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	val, ok := v.m[key]
	return val, ok
}

// GetOr is Get with a fallback default value.
func (v Value) GetOr(key string, def Value) Value {
	if val, ok := v.Get(key); ok {
		return val
	}
	return def
}

// WithField returns a copy of the map value with key set to val. Calling
// WithField on a non-map value promotes it to an empty map first.
func (v Value) WithField(key string, val Value) Value {
	base := v.AsMap()
	out := make(map[string]Value, len(base)+1)
	for k, existing := range base {
		out[k] = existing
	}
	out[key] = val
	return Map(out)
}

// String implements fmt.Stringer for debugging/log output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindUint64:
		return fmt.Sprintf("%d", v.u)
	case KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindDateTime:
		return v.t.Format(time.RFC3339)
	case KindList:
		return fmt.Sprintf("%v", v.list)
	case KindMap:
		return fmt.Sprintf("%v", v.m)
	default:
		return ""
	}
}

// FromAny builds a Value tree from a generic any, typically the decoded
// output of a JSON/YAML codec. Unrecognized concrete types are converted
// through data.Convert-style best effort into a string.
func FromAny(in any) Value {
	switch t := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int64(int64(t))
	case int64:
		return Int64(t)
	case uint64:
		return Uint64(t)
	case float64:
		return Float64(t)
	case string:
		return String(t)
	case time.Time:
		return DateTime(t)
	case []any:
		list := make([]Value, len(t))
		for i, e := range t {
			list[i] = FromAny(e)
		}
		return List(list...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Map(m)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// MarshalJSON lets a Value pass through codec.ReaderWriter's JSON/YAML
// encoders (both marshal struct fields via the standard json.Marshaler
// hook) by unwrapping to plain Go values first.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToAny(v))
}

// UnmarshalJSON rebuilds a Value tree from decoded JSON, the inverse of
// MarshalJSON.
func (v *Value) UnmarshalJSON(b []byte) error {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return err
	}
	*v = FromAny(decoded)
	return nil
}

// MarshalYAML satisfies the goccy/go-yaml marshaler hook the same way
// MarshalJSON satisfies encoding/json's.
func (v Value) MarshalYAML() (any, error) {
	return ToAny(v), nil
}

// UnmarshalYAML satisfies the goccy/go-yaml unmarshaler hook.
func (v *Value) UnmarshalYAML(unmarshal func(any) error) error {
	var decoded any
	if err := unmarshal(&decoded); err != nil {
		return err
	}
	*v = FromAny(decoded)
	return nil
}

// ToAny unwraps the Value tree back into plain Go values suitable for a
// codec.ReaderWriter to marshal.
func ToAny(v Value) any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt64:
		return v.i
	case KindUint64:
		return v.u
	case KindFloat64:
		return v.f
	case KindString:
		return v.s
	case KindDateTime:
		return v.t
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = ToAny(e)
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}
