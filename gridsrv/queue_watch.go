package gridsrv

import (
	"time"

	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/pqueue"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
)

// pqueueWatchTask installs a pqueue.SweepTask for every queue the node's
// pqueue.Module has defined so far, the way jobmgr's start_queue wire op
// installs its own Queue task inline. pqueue.define has no such hook (it
// only mutates the module's in-memory queue map), so the factory bundle
// carries this small poller instead of asking every caller of
// "pqueue.define" to remember to also call sched.AddTask.
type pqueueWatchTask struct {
	sched.BaseTask
	sch       *sched.Scheduler
	pm        *pqueue.Module
	installed map[string]bool
	every     time.Duration
}

func newPQueueWatchTask(sch *sched.Scheduler, pm *pqueue.Module) *pqueueWatchTask {
	return &pqueueWatchTask{
		BaseTask:  sched.BaseTask{TaskID: "gridsrv.pqueue-watch", TaskName: "pqueue sweep installer", Daemon: true},
		sch:       sch,
		pm:        pm,
		installed: make(map[string]bool),
		every:     200 * time.Millisecond,
	}
}

func (t *pqueueWatchTask) RunStep() {
	t.MarkRunning()
	for _, q := range t.pm.Queues() {
		if t.installed[q.Name()] {
			continue
		}
		t.installed[q.Name()] = true
		t.sch.AddTask(pqueue.NewSweepTask(q))
	}
	t.SleepFor(t.every)
}

func (t *pqueueWatchTask) HandleMessage(env envelope.Envelope, respond func(result, errBody rt.Value)) {
	respond(rt.Null(), envelope.ErrorResult("pqueue watch task does not accept messages"))
}

func (t *pqueueWatchTask) HandleResponse(resp envelope.Envelope) {}

func (t *pqueueWatchTask) AcceptsMessage(command string) bool { return false }
