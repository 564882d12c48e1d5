package rt

import (
	"testing"

	"oss.nandlabs.io/gridmesh/testing/assert"
)

func TestValueAccessors(t *testing.T) {
	assert.Equal(t, int64(42), Int64(42).AsInt64(0))
	assert.Equal(t, "fallback", Bool(true).AsString("fallback"))
	assert.True(t, Null().IsNull())
	assert.False(t, Int64(1).IsNull())
}

func TestValueMapRoundTrip(t *testing.T) {
	m := Map(map[string]Value{"a": Int64(1)})
	m = m.WithField("b", String("two"))

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), v.AsInt64(0))

	v, ok = m.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "two", v.AsString(""))

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestFromAnyToAnyRoundTrip(t *testing.T) {
	in := map[string]any{
		"text":  "hi",
		"count": 3,
		"items": []any{"x", "y"},
	}
	v := FromAny(in)
	out := ToAny(v).(map[string]any)
	assert.Equal(t, "hi", out["text"])
	assert.Equal(t, int64(3), out["count"])
}
