package jobmgr

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/sched"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func envelopeFromSelf() envelope.Envelope {
	return envelope.Envelope{Sender: addr.Address{Kind: addr.Fixed, Node: "worker1"}}
}

func newTestQueueFixture(t *testing.T) (*Manager, *Queue, *sched.Scheduler) {
	mgr := NewManager(NewInMemoryStore(), DefaultConfig())
	s := sched.New("n1")
	self := addr.Address{Kind: addr.Fixed, Node: "n1"}
	q := NewQueue("default", mgr, s, self)
	return mgr, q, s
}

func TestQueueStartRecoversStaleWorkers(t *testing.T) {
	ctx := context.Background()
	mgr, q, _ := newTestQueueFixture(t)

	submitted := &Job{ID: 1, Queue: "default", Status: JobSubmitted, LockID: 1}
	running := &Job{ID: 2, Queue: "default", Status: JobRunning, LockID: 1}
	ended := &Job{ID: 3, Queue: "default", Status: JobEnded, LockID: 1}
	assert.NoError(t, mgr.Store().SaveJob(ctx, submitted))
	assert.NoError(t, mgr.Store().SaveJob(ctx, running))
	assert.NoError(t, mgr.Store().SaveJob(ctx, ended))

	assert.NoError(t, q.Start(ctx))

	got1, _ := mgr.Store().GetJob(ctx, 1)
	assert.Equal(t, JobReady, got1.Status)
	assert.Equal(t, int64(2), got1.LockID)

	got2, _ := mgr.Store().GetJob(ctx, 2)
	assert.Equal(t, JobSleep, got2.Status)
	assert.Equal(t, int64(2), got2.LockID)

	got3, _ := mgr.Store().GetJob(ctx, 3)
	assert.Equal(t, JobEnded, got3.Status)

	_, ok := mgr.Queue("default")
	assert.True(t, ok)
}

func TestQueueBeginStopSleepsRunningJobs(t *testing.T) {
	ctx := context.Background()
	mgr, q, _ := newTestQueueFixture(t)
	assert.NoError(t, q.Start(ctx))

	running := &Job{ID: 1, Queue: "default", Status: JobRunning}
	assert.NoError(t, mgr.Store().SaveJob(ctx, running))

	assert.NoError(t, q.beginStop(ctx))

	got, _ := mgr.Store().GetJob(ctx, 1)
	assert.Equal(t, JobSleep, got.Status)

	_, ok := mgr.Queue("default")
	assert.False(t, ok)
}

func TestOnWorkerAckRejectsStaleLock(t *testing.T) {
	ctx := context.Background()
	mgr, q, _ := newTestQueueFixture(t)

	job := &Job{ID: 1, Queue: "default", Status: JobSubmitted, LockID: 5}
	assert.NoError(t, mgr.Store().SaveJob(ctx, job))

	q.onWorkerAck(1, 999, envelopeFromSelf())

	got, _ := mgr.Store().GetJob(ctx, 1)
	assert.Equal(t, JobSubmitted, got.Status)
}

func TestOnWorkerAckAdvancesToRunning(t *testing.T) {
	ctx := context.Background()
	mgr, q, _ := newTestQueueFixture(t)

	job := &Job{ID: 1, Queue: "default", Status: JobSubmitted, LockID: 5}
	assert.NoError(t, mgr.Store().SaveJob(ctx, job))

	q.onWorkerAck(1, 5, envelopeFromSelf())

	got, _ := mgr.Store().GetJob(ctx, 1)
	assert.Equal(t, JobRunning, got.Status)
	assert.True(t, got.WorkerAddr != "")
}

func TestRunStepSleepsBetweenSweeps(t *testing.T) {
	ctx := context.Background()
	_, q, _ := newTestQueueFixture(t)
	assert.NoError(t, q.Start(ctx))

	q.RunStep()
	assert.True(t, q.IsSleeping())

	now := time.Now()
	assert.False(t, q.NeedsRun(now))
	assert.True(t, q.NeedsRun(now.Add(DefStatusCheckDelay+time.Millisecond)))
}
