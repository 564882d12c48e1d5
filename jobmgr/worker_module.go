package jobmgr

import (
	"strings"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
	"oss.nandlabs.io/gridmesh/status"
)

// WorkerModule adapts a Step factory to sched.Module under the
// "job_worker" interface prefix: it is the receiving end of a Queue's
// job_worker.start_work activation message (spec.md §4.8 "Job
// activation"), answering immediately with an ACK and requesting a new
// JobWorkerTask to drive the job from there.
type WorkerModule struct {
	sched.BaseModule

	sch     *sched.Scheduler
	self    addr.Address
	newStep func(jobID int64, command string, params map[string]rt.Value) Step
}

// NewWorkerModule builds a WorkerModule that posts jobmgr.* requests as
// self via sch, building each job's Step with newStep (a stub in tests;
// a real worker algorithm is out of scope per spec.md §1).
func NewWorkerModule(sch *sched.Scheduler, self addr.Address, newStep func(jobID int64, command string, params map[string]rt.Value) Step) *WorkerModule {
	return &WorkerModule{
		BaseModule: sched.BaseModule{Interfaces: []string{"job_worker"}},
		sch:        sch,
		self:       self,
		newStep:    newStep,
	}
}

func (m *WorkerModule) HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return status.UnkMsg
	}
	_, verb, _ := strings.Cut(req.Command, ".")
	switch verb {
	case "start_work":
		return status.TaskReq
	case "cancel":
		// A worker addressed without a task component can't be routed to
		// the specific JobWorkerTask; callers that need cancellation to
		// reach a running task address the task directly instead.
		*result = rt.Null()
		return status.OK
	default:
		return status.UnkMsg
	}
}

func (m *WorkerModule) PrepareTaskForMessage(env envelope.Envelope) (sched.Task, error) {
	req, _ := env.Event.(envelope.Request)
	jobID := req.Params.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	lockID := req.Params.GetOr("lock_id", rt.Int64(0)).AsInt64(0)
	command := req.Params.GetOr("command", rt.Null()).AsString("")
	params := req.Params.GetOr("params", rt.Null()).AsMap()
	step := m.newStep(jobID, command, params)
	return NewJobWorkerTask(jobID, lockID, m.self, env.Sender, m.sch, step), nil
}
