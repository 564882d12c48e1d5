package jobmgr

import (
	"context"
	"testing"

	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func TestInMemoryStoreJobDefCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	def := &JobDef{Name: "etl", Command: "run_etl", Queue: "default", Params: map[string]rt.Value{"x": rt.Int64(1)}}
	assert.NoError(t, s.SaveJobDef(ctx, def))

	got, err := s.GetJobDef(ctx, "etl")
	assert.NoError(t, err)
	assert.Equal(t, "run_etl", got.Command)

	_, err = s.GetJobDef(ctx, "missing")
	assert.Error(t, err)

	defs, err := s.ListJobDefs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(defs))

	assert.NoError(t, s.DeleteJobDef(ctx, "etl"))
	_, err = s.GetJobDef(ctx, "etl")
	assert.Error(t, err)
}

func TestInMemoryStoreJobCRUDAndIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	id, err := s.NextJobID(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id)

	job := &Job{ID: id, Queue: "default", Status: JobReady, Params: map[string]rt.Value{"a": rt.Int64(1)}}
	assert.NoError(t, s.SaveJob(ctx, job))

	// mutating the caller's copy after save must not leak into the store.
	job.Params["a"] = rt.Int64(999)

	got, err := s.GetJob(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), got.Params["a"].AsInt64(0))

	jobs, err := s.ListJobs(ctx, "default")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(jobs))

	jobs, err = s.ListJobs(ctx, "other")
	assert.NoError(t, err)
	assert.Equal(t, 0, len(jobs))

	assert.NoError(t, s.DeleteJob(ctx, id))
	_, err = s.GetJob(ctx, id)
	assert.Error(t, err)
}

func TestInMemoryStoreJobLog(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	assert.NoError(t, s.AppendJobLog(ctx, 1, JobLogEntry{Text: "started"}))
	assert.NoError(t, s.AppendJobLog(ctx, 1, JobLogEntry{Text: "done"}))

	entries, err := s.ListJobLog(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(entries))

	assert.NoError(t, s.ClearJobLog(ctx, 1))
	entries, _ = s.ListJobLog(ctx, 1)
	assert.Equal(t, 0, len(entries))
}

func TestInMemoryStoreJobStateCommitAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	assert.NoError(t, s.SetJobState(ctx, 1, 0, "base_var", rt.Int64(1)))
	assert.NoError(t, s.SetJobState(ctx, 1, 5, "trans_var", rt.Int64(2)))

	open, err := s.ListJobState(ctx, 1, 5)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(open))

	assert.NoError(t, s.CommitJobState(ctx, 1, 5))

	base, err := s.ListJobState(ctx, 1, 0)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(base))

	open, _ = s.ListJobState(ctx, 1, 5)
	assert.Equal(t, 0, len(open))

	assert.NoError(t, s.DeleteJobState(ctx, 1, -1))
	base, _ = s.ListJobState(ctx, 1, 0)
	assert.Equal(t, 0, len(base))
}

func TestInMemoryStoreJobResAllocAndDispose(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResTempFile, "/tmp/a", 100))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResWorkFile, "/tmp/b", 200))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResObsolFile, "/tmp/c", 0))

	rows, err := s.ListJobRes(ctx, 1, 5)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(rows))

	assert.NoError(t, s.DeleteJobRes(ctx, 1, 5, ResTempFile, ResObsolFile))
	rows, _ = s.ListJobRes(ctx, 1, 5)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, ResWorkFile, rows[0].Kind)

	assert.NoError(t, s.DeleteJobResByPath(ctx, 1, "/tmp/b"))
	rows, _ = s.ListJobRes(ctx, 1, 5)
	assert.Equal(t, 0, len(rows))
}

func TestInMemoryStoreNextTransID(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	id1, err := s.NextTransID(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id1)

	id2, err := s.NextTransID(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), id2)

	id3, err := s.NextTransID(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id3)
}

func TestCommitTransactionRetainsWorkfile(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	assert.NoError(t, s.SetJobState(ctx, 1, 5, "v", rt.Int64(1)))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResTempFile, "/safe/tmp", 0))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResWorkFile, "/safe/work", 0))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResObsolFile, "/safe/obsol", 0))

	assert.NoError(t, commitTransaction(ctx, s, 1, 5, nil))

	base, _ := s.ListJobState(ctx, 1, 0)
	assert.Equal(t, 1, len(base))

	rows, _ := s.ListJobRes(ctx, 1, 5)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, ResWorkFile, rows[0].Kind)
}

func TestRollbackTransactionRetainsObsolfile(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	assert.NoError(t, s.SetJobState(ctx, 1, 5, "v", rt.Int64(1)))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResTempFile, "/safe/tmp", 0))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResWorkFile, "/safe/work", 0))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResObsolFile, "/safe/obsol", 0))

	assert.NoError(t, rollbackTransaction(ctx, s, 1, 5, nil))

	open, _ := s.ListJobState(ctx, 1, 5)
	assert.Equal(t, 0, len(open))

	rows, _ := s.ListJobRes(ctx, 1, 5)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, ResObsolFile, rows[0].Kind)
}

func TestDisposeAllocationsRespectsSafeRoots(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResTempFile, "/safe/tmp", 0))
	assert.NoError(t, s.AllocJobRes(ctx, 1, 5, ResTempFile, "/unsafe/tmp", 0))

	assert.NoError(t, commitTransaction(ctx, s, 1, 5, []string{"/safe/"}))

	rows, _ := s.ListJobRes(ctx, 1, 5)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, "/unsafe/tmp", rows[0].Path)
}

func TestIsSafePathIsCaseInsensitive(t *testing.T) {
	assert.True(t, isSafePath("/safe/x", []string{"/SAFE/"}))
	assert.True(t, isSafePath("/SAFE/X", []string{"/safe/"}))
	assert.False(t, isSafePath("/unsafe/x", []string{"/SAFE/"}))
}
