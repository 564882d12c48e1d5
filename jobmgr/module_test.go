package jobmgr

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/handler"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
	"oss.nandlabs.io/gridmesh/status"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func newWiredScheduler(t *testing.T) (*sched.Scheduler, *Manager) {
	s := sched.New("n1")
	mgr := NewManager(NewInMemoryStore(), DefaultConfig())
	self := addr.Address{Kind: addr.Fixed, Node: "n1"}
	s.RegisterModule(NewModule(mgr, s, self))
	return s, mgr
}

func post(t *testing.T, s *sched.Scheduler, command string, params rt.Value) envelope.Envelope {
	self := addr.Address{Kind: addr.Fixed, Node: "n1"}
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

func TestModuleDefineAndStart(t *testing.T) {
	s, _ := newWiredScheduler(t)

	resp := post(t, s, "jobmgr.define", rt.Map(map[string]rt.Value{
		"name": rt.String("etl"), "command": rt.String("run_etl"), "queue": rt.String("default"),
	}))
	r, ok := resp.Event.(envelope.Response)
	assert.True(t, ok)
	assert.Equal(t, int32(0), r.Status)

	resp = post(t, s, "jobmgr.start", rt.Map(map[string]rt.Value{"def": rt.String("etl")}))
	r, _ = resp.Event.(envelope.Response)
	assert.Equal(t, int32(0), r.Status)
	statusVal, _ := r.Result.Get("status")
	assert.Equal(t, "ready", statusVal.AsString(""))
}

func TestModuleStartUnknownDefFails(t *testing.T) {
	s, _ := newWiredScheduler(t)
	resp := post(t, s, "jobmgr.start", rt.Map(map[string]rt.Value{"def": rt.String("missing")}))
	r, _ := resp.Event.(envelope.Response)
	assert.Equal(t, int32(status.Err), r.Status)
}

func TestModuleStartQueueInstallsTask(t *testing.T) {
	s, mgr := newWiredScheduler(t)
	post(t, s, "jobmgr.define", rt.Map(map[string]rt.Value{
		"name": rt.String("etl"), "command": rt.String("run_etl"), "queue": rt.String("default"),
	}))

	resp := post(t, s, "jobmgr.start_queue", rt.Map(map[string]rt.Value{"queue": rt.String("default")}))
	r, ok := resp.Event.(envelope.Response)
	assert.True(t, ok)
	assert.Equal(t, int32(0), r.Status)

	_, running := mgr.Queue("default")
	assert.True(t, running)

	names := mgr.QueueNames()
	assert.Equal(t, 1, len(names))
	assert.Equal(t, "default", names[0])
}

func TestActivationAndWorkerAckFlow(t *testing.T) {
	s, mgr := newWiredScheduler(t)

	post(t, s, "jobmgr.define", rt.Map(map[string]rt.Value{
		"name": rt.String("etl"), "command": rt.String("run_etl"), "queue": rt.String("default"),
		"target_addr": rt.String("local::#"),
	}))
	post(t, s, "jobmgr.start_queue", rt.Map(map[string]rt.Value{"queue": rt.String("default")}))
	resp := post(t, s, "jobmgr.start", rt.Map(map[string]rt.Value{"def": rt.String("etl")}))
	r, _ := resp.Event.(envelope.Response)
	idVal, _ := r.Result.Get("id")
	jobID := idVal.AsInt64(0)

	var ackEnv envelope.Envelope
	var received bool
	s.RegisterModule(ackStubModule{onStartWork: func(env envelope.Envelope) {
		ackEnv = env
		received = true
	}})

	q, ok := mgr.Queue("default")
	assert.True(t, ok)
	q.activateReady(context.Background(), time.Now())
	_, err := s.Run()
	assert.NoError(t, err)
	assert.True(t, received)

	job, err := mgr.Store().GetJob(context.Background(), jobID)
	assert.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status)

	_ = ackEnv
}

// ackStubModule answers job_worker.start_work/cancel with a plain OK,
// standing in for an external worker node in tests.
type ackStubModule struct {
	sched.BaseModule
	onStartWork func(envelope.Envelope)
}

func (m ackStubModule) SupportedInterfaces() []string { return []string{"job_worker"} }

func (m ackStubModule) HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code {
	if m.onStartWork != nil {
		m.onStartWork(env)
	}
	*result = rt.Null()
	return status.OK
}

func (m ackStubModule) PrepareTaskForMessage(env envelope.Envelope) (sched.Task, error) {
	return nil, nil
}
