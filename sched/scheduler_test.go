package sched

import (
	"testing"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/handler"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func TestEchoRoundTrip(t *testing.T) {
	s := New("n1")
	var resp envelope.Envelope
	h := handler.Func{OnResult: func(r envelope.Envelope) { resp = r }}

	self := addr.Address{Kind: addr.Fixed, Node: "n1"}
	env := envelope.NewEnvelope(self, self, 0, envelope.Request{
		Command: "core.echo",
		Params:  rt.Map(map[string]rt.Value{"text": rt.String("hi")}),
	})
	reqID, err := s.Post(env, h)
	assert.NoError(t, err)
	assert.True(t, reqID > 0)

	_, err = s.Run()
	assert.NoError(t, err)

	assert.Equal(t, int64(reqID), resp.Event.RequestID())
	r, ok := resp.Event.(envelope.Response)
	assert.True(t, ok)
	assert.Equal(t, int32(0), r.Status)
	text, _ := r.Result.Get("text")
	assert.Equal(t, "hi", text.AsString(""))
}

func TestUnknownCommandRepliesUnkMsg(t *testing.T) {
	s := New("n1")
	var resp envelope.Envelope
	h := handler.Func{OnError: func(r envelope.Envelope) { resp = r }}

	self := addr.Address{Kind: addr.Fixed, Node: "n1"}
	env := envelope.NewEnvelope(self, self, 0, envelope.Request{Command: "nope.nothing"})
	_, err := s.Post(env, h)
	assert.NoError(t, err)
	_, err = s.Run()
	assert.NoError(t, err)

	r, ok := resp.Event.(envelope.Response)
	assert.True(t, ok)
	assert.Equal(t, int32(-1), r.Status)
}

func TestRequestTimeoutFiresCommError(t *testing.T) {
	s := New("n1")
	fired := make(chan struct{}, 1)
	h := handler.Func{OnCommError: func(requestID int64, phase handler.Phase, err error) { fired <- struct{}{} }}

	// core.sleep installs a task that only answers once its own (much
	// longer) internal delay elapses, so the envelope-level timeout
	// below is guaranteed to expire first and the outer handler sweeps
	// out via PhaseWait rather than ever seeing a response.
	self := addr.Address{Kind: addr.Fixed, Node: "n1"}
	env := envelope.NewEnvelope(self, self, 1, envelope.Request{
		Command: "core.sleep",
		Params:  rt.Int64(100000),
	})
	_, err := s.Post(env, h)
	assert.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = s.Run()
	assert.NoError(t, err)

	select {
	case <-fired:
	default:
		t.Fatalf("expected HandleCommError to fire after timeout")
	}
}

func TestSetVarAndGetStats(t *testing.T) {
	s := New("n1")
	self := addr.Address{Kind: addr.Fixed, Node: "n1"}

	env := envelope.NewEnvelope(self, self, 0, envelope.Request{
		Command: "core.set_var",
		Params:  rt.Map(map[string]rt.Value{"name": rt.String("k"), "value": rt.String("v")}),
	})
	_, err := s.Post(env, nil)
	assert.NoError(t, err)
	_, err = s.Run()
	assert.NoError(t, err)

	v, ok := s.Var("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v.AsString(""))

	var resp envelope.Envelope
	h := handler.Func{OnResult: func(r envelope.Envelope) { resp = r }}
	statsEnv := envelope.NewEnvelope(self, self, 0, envelope.Request{Command: "core.get_stats"})
	_, err = s.Post(statsEnv, h)
	assert.NoError(t, err)
	_, err = s.Run()
	assert.NoError(t, err)

	r, ok := resp.Event.(envelope.Response)
	assert.True(t, ok)
	node, _ := r.Result.Get("node")
	assert.Equal(t, "n1", node.AsString(""))
}

func TestIfEquExecutesThenBranch(t *testing.T) {
	s := New("n1")
	self := addr.Address{Kind: addr.Fixed, Node: "n1"}

	var resp envelope.Envelope
	h := handler.Func{OnResult: func(r envelope.Envelope) { resp = r }}
	env := envelope.NewEnvelope(self, self, 0, envelope.Request{
		Command: "core.if_equ",
		Params: rt.Map(map[string]rt.Value{
			"a":       rt.Int64(1),
			"b":       rt.Int64(1),
			"command": rt.String("core.echo"),
			"params":  rt.Map(map[string]rt.Value{"text": rt.String("yes")}),
		}),
	})
	_, err := s.Post(env, h)
	assert.NoError(t, err)
	_, err = s.Run()
	assert.NoError(t, err)

	r, ok := resp.Event.(envelope.Response)
	assert.True(t, ok)
	assert.Equal(t, int32(0), r.Status)
	text, _ := r.Result.Get("text")
	assert.Equal(t, "yes", text.AsString(""))
}
