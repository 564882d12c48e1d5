package jobmgr

import (
	"fmt"
	"strings"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/handler"
	"oss.nandlabs.io/gridmesh/l3"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
)

// syncPhase is where a JobWorkerTask's current SyncAction sits in the
// before/exec/after cycle spec.md §4.8's "Worker task framework"
// paragraph describes, modeled as an explicit enum rather than goroutine
// continuations so the whole thing stays a single-threaded sched.Task.
type syncPhase int

const (
	phaseBefore syncPhase = iota
	phaseExec
	phaseAfter
	phaseDone
)

// SyncActionKind names one mutation a JobWorkerTask can serialise
// through its message pack.
type SyncActionKind int

const (
	ActionSetVars SyncActionKind = iota
	ActionAllocRes
	ActionDeallocRes
	ActionCommit
	ActionRollback
	ActionEnd
)

// SyncAction is one state mutation a Step asks the worker task to carry
// out and wait durable before the next Step call.
type SyncAction struct {
	Kind     SyncActionKind
	Vars     map[string]rt.Value
	ResKind  ResKind
	Path     string
	SizeHint int64
	Chained  bool
	Ok       bool
}

// Step computes the next batch of sync actions given the worker's
// current known vars (as of the last sync point), and whether the job's
// work is complete. Domain worker algorithms are out of scope; Step
// exists so tests can drive the sync-action protocol with a stub.
type Step func(vars map[string]rt.Value) (actions []SyncAction, endOfWork bool)

// JobWorkerTask is the worker-side counterpart to a jobmgr Queue: it
// drives one job's lifecycle through jobmgr.set_vars/alloc_res/
// dealloc_res/commit/rollback calls against the manager, gating each
// action's exec behind a handler.Pack sync barrier so a commit's effects
// are durable before any later action starts (spec.md §4.8's closing
// paragraph).
type JobWorkerTask struct {
	sched.BaseTask

	sch     *sched.Scheduler
	self    addr.Address
	mgrAddr addr.Address
	jobID   int64
	lockID  int64
	step    Step
	logger  l3.Logger

	vars     map[string]rt.Value
	pending  []SyncAction
	idx      int
	phase    syncPhase
	pack     *handler.Pack
	stopping bool
}

// NewJobWorkerTask builds a JobWorkerTask for jobID/lockID (as carried by
// the job_worker.start_work message that spawned it), posting
// jobmgr.* requests to mgrAddr as self and driving actions via step.
func NewJobWorkerTask(jobID, lockID int64, self, mgrAddr addr.Address, sch *sched.Scheduler, step Step) *JobWorkerTask {
	return &JobWorkerTask{
		BaseTask: sched.BaseTask{
			TaskID:   fmt.Sprintf("jobmgr.worker-%d", jobID),
			TaskName: fmt.Sprintf("job worker %d", jobID),
		},
		sch:     sch,
		self:    self,
		mgrAddr: mgrAddr,
		jobID:   jobID,
		lockID:  lockID,
		step:    step,
		logger:  l3.Get(),
		vars:    make(map[string]rt.Value),
		idx:     -1,
		phase:   phaseBefore,
	}
}

func (t *JobWorkerTask) RunStep() {
	t.MarkRunning()
	if t.stopping {
		t.MarkStopped()
		return
	}
	switch t.phase {
	case phaseBefore:
		if !t.packDrained() {
			return
		}
		if t.idx >= len(t.pending)-1 {
			if !t.fetchNext() {
				t.SleepFor(DefStatusCheckDelay)
				return
			}
		} else {
			t.idx++
		}
		t.phase = phaseExec
	case phaseExec:
		t.execCurrent()
		t.phase = phaseAfter
	case phaseAfter:
		if !t.packDrained() {
			return
		}
		if t.pending[t.idx].Kind == ActionEnd {
			t.phase = phaseDone
			return
		}
		t.phase = phaseBefore
	case phaseDone:
		t.MarkStopped()
	}
}

func (t *JobWorkerTask) packDrained() bool {
	return t.pack == nil || t.pack.ReceivedCount() >= t.pack.SentCount()
}

// fetchNext asks step for the next batch of actions once the prior batch
// (if any) is exhausted, appending a terminal ActionEnd when step
// reports the job's work is complete (is_end_of_work, spec.md §4.8).
func (t *JobWorkerTask) fetchNext() bool {
	actions, end := t.step(t.vars)
	if len(actions) == 0 && !end {
		return false
	}
	if end {
		actions = append(actions, SyncAction{Kind: ActionEnd, Ok: true})
	}
	t.pending = actions
	t.idx = 0
	return true
}

func (t *JobWorkerTask) execCurrent() {
	action := t.pending[t.idx]
	t.pack = handler.NewPack(nil)

	switch action.Kind {
	case ActionSetVars:
		for k, v := range action.Vars {
			t.vars[k] = v
		}
		t.post("jobmgr.set_vars", rt.Map(map[string]rt.Value{
			"job_id": rt.Int64(t.jobID),
			"vars":   rt.Map(action.Vars),
		}))
	case ActionAllocRes:
		t.post("jobmgr.alloc_res", rt.Map(map[string]rt.Value{
			"job_id":    rt.Int64(t.jobID),
			"kind":      rt.String(action.ResKind.String()),
			"path":      rt.String(action.Path),
			"size_hint": rt.Int64(action.SizeHint),
		}))
	case ActionDeallocRes:
		t.post("jobmgr.dealloc_res", rt.Map(map[string]rt.Value{
			"job_id": rt.Int64(t.jobID),
			"path":   rt.String(action.Path),
		}))
	case ActionCommit:
		t.post("jobmgr.commit", rt.Map(map[string]rt.Value{
			"job_id":  rt.Int64(t.jobID),
			"chained": rt.Bool(action.Chained),
		}))
	case ActionRollback:
		t.post("jobmgr.rollback", rt.Map(map[string]rt.Value{
			"job_id": rt.Int64(t.jobID),
		}))
	case ActionEnd:
		t.post("jobmgr.ended", rt.Map(map[string]rt.Value{
			"job_id":  rt.Int64(t.jobID),
			"lock_id": rt.Int64(t.lockID),
			"ok":      rt.Bool(action.Ok),
		}))
	}
}

func (t *JobWorkerTask) post(command string, params rt.Value) {
	env := envelope.NewEnvelope(t.self, t.mgrAddr, 0, envelope.Request{Command: command, Params: params})
	reqID, err := t.sch.PostForTask(env, t.pack, t.ID())
	if err != nil {
		t.logger.ErrorF("jobmgr worker[%d]: posting %s failed: %v", t.jobID, command, err)
		return
	}
	t.pack.Add(reqID)
}

func (t *JobWorkerTask) HandleMessage(env envelope.Envelope, respond func(result, errBody rt.Value)) {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		respond(rt.Null(), envelope.ErrorResult("unexpected event"))
		return
	}
	_, verb, _ := strings.Cut(req.Command, ".")
	if verb == "cancel" {
		t.stopping = true
	}
	respond(rt.Map(map[string]rt.Value{"job_id": rt.Int64(t.jobID)}), rt.Null())
}

func (t *JobWorkerTask) HandleResponse(resp envelope.Envelope) {}

func (t *JobWorkerTask) AcceptsMessage(command string) bool {
	_, verb, _ := strings.Cut(command, ".")
	return verb == "cancel"
}
