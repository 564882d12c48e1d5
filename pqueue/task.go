package pqueue

import (
	"context"
	"time"

	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
)

// SweepTask is a daemon sched.Task that periodically runs a Queue's
// timeout sweep and, on its own longer cadence, its purge pass (spec.md
// §4.7 "Timeouts" / "Purge"). One SweepTask is installed per defined
// queue — mirroring how jobmgr installs one Queue task per job queue —
// rather than core.sleep's single-shot task, since this work recurs for
// the life of the queue.
type SweepTask struct {
	sched.BaseTask
	q           *Queue
	sweepEvery  time.Duration
	purgeEvery  time.Duration
	lastPurgeAt time.Time
}

// NewSweepTask builds a recurring sweep/purge task for q.
func NewSweepTask(q *Queue) *SweepTask {
	return &SweepTask{
		BaseTask: sched.BaseTask{
			TaskID:   "pqueue.sweep-" + q.Name(),
			TaskName: "pqueue sweep " + q.Name(),
			Daemon:   true,
		},
		q:           q,
		sweepEvery:  DefStatusCheckDelay,
		purgeEvery:  q.cfg.PurgeInterval,
		lastPurgeAt: time.Now(),
	}
}

func (t *SweepTask) RunStep() {
	t.MarkRunning()
	now := time.Now()
	ctx := context.Background()

	if _, err := t.q.Sweep(ctx, now); err != nil {
		t.q.logger.ErrorF("pqueue[%s]: sweep failed: %v", t.q.Name(), err)
	}
	if t.purgeEvery > 0 && now.Sub(t.lastPurgeAt) >= t.purgeEvery {
		t.lastPurgeAt = now
		if _, err := t.q.Purge(ctx, now); err != nil {
			t.q.logger.ErrorF("pqueue[%s]: purge failed: %v", t.q.Name(), err)
		}
	}
	t.SleepFor(t.sweepEvery)
}

func (t *SweepTask) HandleMessage(env envelope.Envelope, respond func(result, errBody rt.Value)) {
	respond(rt.Null(), envelope.ErrorResult("pqueue sweep task does not accept messages"))
}

func (t *SweepTask) HandleResponse(resp envelope.Envelope) {}

func (t *SweepTask) AcceptsMessage(command string) bool { return false }
