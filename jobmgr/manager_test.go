package jobmgr

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func newTestManager() *Manager {
	return NewManager(NewInMemoryStore(), DefaultConfig())
}

func TestDefineChangeRemoveJobDef(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run_etl", Queue: "default"}
	assert.NoError(t, m.DefineJobDef(ctx, def))

	err := m.DefineJobDef(ctx, def)
	assert.Error(t, err)

	def.Command = "run_etl_v2"
	assert.NoError(t, m.ChangeJobDef(ctx, def))

	got, err := m.DescribeJobDef(ctx, "etl")
	assert.NoError(t, err)
	assert.Equal(t, "run_etl_v2", got.Command)

	assert.NoError(t, m.RemoveJobDef(ctx, "etl"))
	_, err = m.DescribeJobDef(ctx, "etl")
	assert.Error(t, err)
}

func TestResolveParamsMergesBaseChain(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	base := &JobDef{Name: "base", Params: map[string]rt.Value{"a": rt.Int64(1), "b": rt.Int64(1)}}
	mid := &JobDef{Name: "mid", Base: "base", Params: map[string]rt.Value{"b": rt.Int64(2), "c": rt.Int64(2)}}
	leaf := &JobDef{Name: "leaf", Base: "mid", Command: "go", Queue: "default", Params: map[string]rt.Value{"c": rt.Int64(3)}}
	assert.NoError(t, m.DefineJobDef(ctx, base))
	assert.NoError(t, m.DefineJobDef(ctx, mid))
	assert.NoError(t, m.DefineJobDef(ctx, leaf))

	def, params, err := m.resolveParams(ctx, "leaf")
	assert.NoError(t, err)
	assert.Equal(t, "go", def.Command)
	assert.Equal(t, int64(1), params["a"].AsInt64(0))
	assert.Equal(t, int64(2), params["b"].AsInt64(0))
	assert.Equal(t, int64(3), params["c"].AsInt64(0))
}

func TestResolveParamsDetectsCycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	a := &JobDef{Name: "a", Base: "b"}
	b := &JobDef{Name: "b", Base: "a"}
	assert.NoError(t, m.DefineJobDef(ctx, a))
	assert.NoError(t, m.DefineJobDef(ctx, b))

	_, _, err := m.resolveParams(ctx, "a")
	assert.Error(t, err)
}

func TestStartCreatesReadyJobWithOverrides(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run_etl", Queue: "default", Params: map[string]rt.Value{"x": rt.Int64(1)}}
	assert.NoError(t, m.DefineJobDef(ctx, def))

	job, err := m.Start(ctx, "etl", map[string]rt.Value{"x": rt.Int64(42)})
	assert.NoError(t, err)
	assert.Equal(t, JobReady, job.Status)
	assert.Equal(t, int64(42), job.Params["x"].AsInt64(0))
}

func TestRestartRollsBackAndReactivates(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run_etl", Queue: "default", TransSup: true}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, err := m.Start(ctx, "etl", nil)
	assert.NoError(t, err)

	_, err = m.OpenTrans(ctx, job.ID)
	assert.NoError(t, err)
	assert.NoError(t, m.SetVars(ctx, job.ID, map[string]rt.Value{"v": rt.Int64(1)}))

	job, err = m.store.GetJob(ctx, job.ID)
	assert.NoError(t, err)
	job.LockID = 5
	job.Status = JobRunning
	assert.NoError(t, m.store.SaveJob(ctx, job))

	restarted, err := m.Restart(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, JobReady, restarted.Status)
	assert.Equal(t, int64(6), restarted.LockID)
	assert.Equal(t, int64(0), restarted.TransID)

	state, err := m.GetState(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(state))
}

func TestReturnRejectsFromEndedStatus(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run", Queue: "default"}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, _ := m.Start(ctx, "etl", nil)

	job.Status = JobEnded
	assert.NoError(t, m.store.SaveJob(ctx, job))

	_, err := m.Return(ctx, job.ID)
	assert.Error(t, err)
}

func TestStopSetsAborted(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run", Queue: "default"}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, _ := m.Start(ctx, "etl", nil)

	stopped, err := m.Stop(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, JobAborted, stopped.Status)
}

func TestPurgeOnlyFromTerminalStatus(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run", Queue: "default"}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, _ := m.Start(ctx, "etl", nil)

	_, err := m.Purge(ctx, job.ID)
	assert.Error(t, err)

	stopped, err := m.Stop(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, JobAborted, stopped.Status)

	purged, err := m.Purge(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, JobPurged, purged.Status)
}

func TestCommitChainedOpensNewTransaction(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run", Queue: "default", TransSup: true}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, _ := m.Start(ctx, "etl", nil)

	tid1, err := m.OpenTrans(ctx, job.ID)
	assert.NoError(t, err)
	assert.NoError(t, m.SetVars(ctx, job.ID, map[string]rt.Value{"v": rt.Int64(1)}))

	tid2, err := m.Commit(ctx, job.ID, true)
	assert.NoError(t, err)
	assert.True(t, tid2 != 0)
	assert.True(t, tid2 != tid1)

	state, err := m.GetState(ctx, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), state["v"].AsInt64(0))
}

func TestCommitWithoutOpenTransactionFails(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run", Queue: "default"}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, _ := m.Start(ctx, "etl", nil)

	_, err := m.Commit(ctx, job.ID, false)
	assert.Error(t, err)
}

func TestRunTimeoutSweepRetriesThenAborts(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run", Queue: "q1"}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, _ := m.Start(ctx, "etl", nil)

	job.Status = JobRunning
	job.JobTimeout = 10 * time.Millisecond
	job.StartedAt = time.Now().Add(-1 * time.Hour)
	job.RetryLeft = 1
	assert.NoError(t, m.store.SaveJob(ctx, job))

	moved, err := m.runTimeoutSweep(ctx, "q1", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, moved)

	reloaded, _ := m.store.GetJob(ctx, job.ID)
	assert.Equal(t, JobReady, reloaded.Status)
	assert.Equal(t, 0, reloaded.RetryLeft)

	reloaded.Status = JobRunning
	reloaded.JobTimeout = 10 * time.Millisecond
	reloaded.StartedAt = time.Now().Add(-1 * time.Hour)
	assert.NoError(t, m.store.SaveJob(ctx, reloaded))

	moved, err = m.runTimeoutSweep(ctx, "q1", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, moved)

	final, _ := m.store.GetJob(ctx, job.ID)
	assert.Equal(t, JobAborted, final.Status)
}

func TestRunPurgeSweepDeletesOldTerminalJobs(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	m.cfg.PurgeInterval = 10 * time.Millisecond

	def := &JobDef{Name: "etl", Command: "run", Queue: "q1"}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, _ := m.Start(ctx, "etl", nil)

	job.Status = JobEnded
	job.UpdatedAt = time.Now().Add(-1 * time.Hour)
	assert.NoError(t, m.store.SaveJob(ctx, job))

	purged, err := m.runPurgeSweep(ctx, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = m.store.GetJob(ctx, job.ID)
	assert.Error(t, err)
}

func TestAllocAndDeallocRes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	def := &JobDef{Name: "etl", Command: "run", Queue: "default"}
	assert.NoError(t, m.DefineJobDef(ctx, def))
	job, _ := m.Start(ctx, "etl", nil)

	assert.NoError(t, m.AllocRes(ctx, job.ID, ResTempFile, "/tmp/a", 10))
	rows, err := m.store.ListJobRes(ctx, job.ID, -1)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(rows))

	assert.NoError(t, m.DeallocRes(ctx, job.ID, "/tmp/a"))
	rows, _ = m.store.ListJobRes(ctx, job.ID, -1)
	assert.Equal(t, 0, len(rows))
}
