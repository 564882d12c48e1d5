package jobmgr

import (
	"context"
	"time"

	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
)

// PurgeSweepTask drives the manager's global purge sweep (spec.md §4.8
// "Global purge sweep") on Config.PurgeCheckInterval. It is
// queue-independent — a node factory installs exactly one instance per
// scheduler regardless of how many job queues that scheduler starts,
// since the sweep walks every queue's terminal jobs in one pass.
type PurgeSweepTask struct {
	sched.BaseTask
	mgr   *Manager
	every time.Duration
}

// NewPurgeSweepTask builds the recurring purge-sweep task for mgr.
func NewPurgeSweepTask(mgr *Manager) *PurgeSweepTask {
	return &PurgeSweepTask{
		BaseTask: sched.BaseTask{
			TaskID:   "jobmgr.purge-sweep",
			TaskName: "jobmgr purge sweep",
			Daemon:   true,
		},
		mgr:   mgr,
		every: mgr.cfg.PurgeCheckInterval,
	}
}

func (t *PurgeSweepTask) RunStep() {
	t.MarkRunning()
	if _, err := t.mgr.runPurgeSweep(context.Background(), time.Now()); err != nil {
		t.mgr.logger.ErrorF("jobmgr: purge sweep failed: %v", err)
	}
	t.SleepFor(t.every)
}

func (t *PurgeSweepTask) HandleMessage(env envelope.Envelope, respond func(result, errBody rt.Value)) {
	respond(rt.Null(), envelope.ErrorResult("jobmgr purge sweep task does not accept messages"))
}

func (t *PurgeSweepTask) HandleResponse(resp envelope.Envelope) {}

func (t *PurgeSweepTask) AcceptsMessage(command string) bool { return false }
