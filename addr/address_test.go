package addr

import (
	"testing"

	"oss.nandlabs.io/gridmesh/testing/assert"
)

func TestParseFixed(t *testing.T) {
	a, err := Parse("tcp::#host1/node1/task1")
	assert.NoError(t, err)
	assert.Equal(t, Fixed, a.Kind)
	assert.Equal(t, "host1", a.Host)
	assert.Equal(t, "node1", a.Node)
	assert.Equal(t, "task1", a.Task)
}

func TestParseRole(t *testing.T) {
	a, err := Parse("tcp::@worker")
	assert.NoError(t, err)
	assert.Equal(t, Role, a.Kind)
	assert.Equal(t, "worker", a.Role)
}

func TestParseVPath(t *testing.T) {
	a, err := Parse("tcp:///virtual/path")
	assert.NoError(t, err)
	assert.Equal(t, VPath, a.Kind)
	assert.Equal(t, "virtual/path", a.VPath)
}

func TestParseBareName(t *testing.T) {
	a, err := Parse("tcp::myname")
	assert.NoError(t, err)
	assert.Equal(t, Fixed, a.Kind)
	assert.Equal(t, "myname", a.Node)
}

func TestParseRaw(t *testing.T) {
	a, err := Parse("just-a-string")
	assert.NoError(t, err)
	assert.Equal(t, Raw, a.Kind)
	assert.Equal(t, "just-a-string", a.Raw)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("bad\x01byte")
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"tcp::#host1/node1/task1",
		"tcp::@worker",
		"tcp:///virtual/path",
		"tcp::myname",
	}
	for _, s := range cases {
		a, err := Parse(s)
		assert.NoError(t, err)
		assert.Equal(t, s, a.Build())
	}
}
