package jobmgr

import (
	"context"
	"testing"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func TestJobWorkerTaskDrivesSetVarsCommitAndEnd(t *testing.T) {
	ctx := context.Background()
	s, mgr := newWiredScheduler(t)

	def := &JobDef{Name: "etl", Command: "run_etl", Queue: "default", TransSup: true}
	assert.NoError(t, mgr.DefineJobDef(ctx, def))
	job, err := mgr.Start(ctx, "etl", nil)
	assert.NoError(t, err)

	_, err = mgr.OpenTrans(ctx, job.ID)
	assert.NoError(t, err)
	job, err = mgr.Store().GetJob(ctx, job.ID)
	assert.NoError(t, err)
	job.Status = JobRunning
	job.LockID = 7
	assert.NoError(t, mgr.Store().SaveJob(ctx, job))

	calls := 0
	step := func(vars map[string]rt.Value) ([]SyncAction, bool) {
		calls++
		if calls == 1 {
			return []SyncAction{
				{Kind: ActionSetVars, Vars: map[string]rt.Value{"v": rt.Int64(42)}},
				{Kind: ActionCommit},
			}, false
		}
		return nil, true
	}

	self := addr.Address{Kind: addr.Fixed, Node: "n1"}
	task := NewJobWorkerTask(job.ID, job.LockID, self, self, s, step)
	s.AddTask(task)

	for i := 0; i < 30; i++ {
		_, err := s.Run()
		assert.NoError(t, err)
		if _, ok := s.Task(task.ID()); !ok {
			break
		}
	}

	_, stillThere := s.Task(task.ID())
	assert.False(t, stillThere)

	final, err := mgr.Store().GetJob(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, JobEnded, final.Status)

	state, err := mgr.GetState(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), state["v"].AsInt64(0))
}

func TestJobWorkerTaskCancelStopsTask(t *testing.T) {
	_, mgr := newWiredScheduler(t)
	ctx := context.Background()

	def := &JobDef{Name: "etl", Command: "run_etl", Queue: "default"}
	assert.NoError(t, mgr.DefineJobDef(ctx, def))
	job, _ := mgr.Start(ctx, "etl", nil)

	self := addr.Address{Kind: addr.Fixed, Node: "n1"}
	step := func(vars map[string]rt.Value) ([]SyncAction, bool) { return nil, false }
	task := NewJobWorkerTask(job.ID, 0, self, self, nil, step)

	assert.True(t, task.AcceptsMessage("job_worker.cancel"))
	assert.False(t, task.AcceptsMessage("job_worker.start_work"))

	var result rt.Value
	var errBody rt.Value
	req := envelope.Envelope{Event: envelope.Request{Command: "job_worker.cancel"}}
	task.HandleMessage(req, func(r, e rt.Value) {
		result, errBody = r, e
	})
	assert.True(t, errBody.IsNull())
	jobIDVal, ok := result.Get("job_id")
	assert.True(t, ok)
	assert.Equal(t, job.ID, jobIDVal.AsInt64(0))

	task.RunStep()
	assert.Equal(t, true, task.stopping)
}
