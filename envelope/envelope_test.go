package envelope

import (
	"testing"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func TestNewResponseToSwapsAndCopiesRequestID(t *testing.T) {
	sender, _ := addr.Parse("tcp::client")
	receiver, _ := addr.Parse("tcp::server")
	req := NewEnvelope(sender, receiver, 1000, Request{ReqID: 42, Command: "core.echo"})

	resp := NewResponseTo(req, 0, rt.String("hi"), rt.Null())

	assert.Equal(t, receiver.Build(), resp.Sender.Build())
	assert.Equal(t, sender.Build(), resp.Receiver.Build())
	assert.Equal(t, int64(42), resp.Event.RequestID())
	assert.True(t, resp.Event.IsResponse())
}
