package gridsrv

import (
	"errors"
	"testing"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/handler"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
	"oss.nandlabs.io/gridmesh/status"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func postLocal(t *testing.T, s *sched.Scheduler, command string, params rt.Value) envelope.Envelope {
	self := addr.Address{Kind: addr.Fixed, Node: s.Node()}
	var resp envelope.Envelope
	h := handler.Func{
		OnResult: func(r envelope.Envelope) { resp = r },
		OnError:  func(r envelope.Envelope) { resp = r },
	}
	env := envelope.NewEnvelope(self, self, 0, envelope.Request{Command: command, Params: params})
	_, err := s.Post(env, h)
	assert.NoError(t, err)
	_, err = s.Run()
	assert.NoError(t, err)
	return resp
}

func TestListenerModuleForwardsToNotifier(t *testing.T) {
	s := sched.New("n1")
	l := NewListenerModule()
	l.bindScheduler(s)
	s.RegisterModule(l)
	l.RegisterInterface("worker")

	var seen string
	l.SetNotifier(func(command string, params rt.Value) (rt.Value, bool, error) {
		seen = command
		return rt.String("done"), true, nil
	})

	resp := postLocal(t, s, "worker.run_etl", rt.Null())
	r, ok := resp.Event.(envelope.Response)
	assert.True(t, ok)
	assert.Equal(t, int32(status.OK), r.Status)
	assert.Equal(t, "done", r.Result.AsString(""))
	assert.Equal(t, "worker.run_etl", seen)
}

func TestListenerModuleNilNotifierIsWrongCfg(t *testing.T) {
	s := sched.New("n1")
	l := NewListenerModule()
	l.bindScheduler(s)
	s.RegisterModule(l)
	l.RegisterInterface("worker")

	resp := postLocal(t, s, "worker.run_etl", rt.Null())
	r, _ := resp.Event.(envelope.Response)
	assert.Equal(t, int32(status.WrongCfg), r.Status)
}

func TestListenerModuleNotifierRejectsUnknownCommand(t *testing.T) {
	s := sched.New("n1")
	l := NewListenerModule()
	l.bindScheduler(s)
	s.RegisterModule(l)
	l.RegisterInterface("worker")
	l.SetNotifier(func(command string, params rt.Value) (rt.Value, bool, error) {
		return rt.Null(), false, nil
	})

	resp := postLocal(t, s, "worker.unknown", rt.Null())
	r, _ := resp.Event.(envelope.Response)
	assert.Equal(t, int32(status.UnkMsg), r.Status)
}

func TestListenerModuleNotifierErrorIsException(t *testing.T) {
	s := sched.New("n1")
	l := NewListenerModule()
	l.bindScheduler(s)
	s.RegisterModule(l)
	l.RegisterInterface("worker")
	l.SetNotifier(func(command string, params rt.Value) (rt.Value, bool, error) {
		return rt.Null(), true, errors.New("boom")
	})

	resp := postLocal(t, s, "worker.run_etl", rt.Null())
	r, _ := resp.Event.(envelope.Response)
	assert.Equal(t, int32(status.Exception), r.Status)
}

func TestListenerModuleRegisterInterfaceAfterRegistrationTakesEffect(t *testing.T) {
	s := sched.New("n1")
	l := NewListenerModule()
	l.bindScheduler(s)
	s.RegisterModule(l) // registered before any interfaces exist
	l.SetNotifier(func(command string, params rt.Value) (rt.Value, bool, error) {
		return rt.String("ok"), true, nil
	})

	// Without a later re-registration, the scheduler would have snapshotted
	// zero claimed interfaces and this would come back UNK_MSG from the
	// "no module for interface" path.
	l.RegisterInterface("worker")

	resp := postLocal(t, s, "worker.run_etl", rt.Null())
	r, ok := resp.Event.(envelope.Response)
	assert.True(t, ok)
	assert.Equal(t, int32(status.OK), r.Status)
}
