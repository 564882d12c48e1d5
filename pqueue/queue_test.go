package pqueue

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/testing/assert"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	store := NewInMemoryStore()
	q, err := NewQueue("orders", store, cfg)
	assert.NoError(t, err)
	return q
}

func TestPutFetchHandledLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultConfig())

	msg, err := q.Put(ctx, "x.do", rt.Map(map[string]rt.Value{"n": rt.Int64(1)}), "", "")
	assert.NoError(t, err)
	assert.Equal(t, StatusReady, msg.Status)

	lockID, fetched, err := q.Fetch(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(fetched))
	assert.Equal(t, StatusSent, fetched[0].Status)

	accepted, err := q.Handled(ctx, lockID, msg.ID, 0, rt.String("ok"), rt.Null())
	assert.NoError(t, err)
	assert.True(t, accepted)

	got, err := q.Peek(ctx, msg.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusHandled, got.Status)
}

func TestHandledRejectsStaleLock(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultConfig())

	msg, _ := q.Put(ctx, "x.do", rt.Null(), "", "")
	lockID, _, err := q.Fetch(ctx, 10)
	assert.NoError(t, err)

	accepted, err := q.Handled(ctx, lockID+999, msg.ID, 0, rt.Null(), rt.Null())
	assert.NoError(t, err)
	assert.False(t, accepted)

	got, _ := q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusSent, got.Status)
}

func TestSweepRevertsStaleSentToReady(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.HandleTimeout = 10 * time.Millisecond
	q := newTestQueue(t, cfg)

	msg, _ := q.Put(ctx, "x.do", rt.Null(), "", "")
	_, _, err := q.Fetch(ctx, 10)
	assert.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	moved, err := q.Sweep(ctx, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, _ := q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, int64(0), got.LockID)
}

func TestSweepExpiresReadyToForPurge(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.StorageTimeout = 10 * time.Millisecond
	q := newTestQueue(t, cfg)

	msg, _ := q.Put(ctx, "x.do", rt.Null(), "", "")
	time.Sleep(20 * time.Millisecond)

	moved, err := q.Sweep(ctx, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, _ := q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusForPurge, got.Status)
}

func TestExecErrorRetriedThenGivesUpAtErrorLimit(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ErrorLimit = 2
	cfg.ErrorDelay = 5 * time.Millisecond
	q := newTestQueue(t, cfg)

	msg, _ := q.Put(ctx, "x.do", rt.Null(), "", "")
	lockID, _, _ := q.Fetch(ctx, 10)
	_, err := q.Handled(ctx, lockID, msg.ID, -2, rt.Null(), rt.Null())
	assert.NoError(t, err)

	got, _ := q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusExecError, got.Status)
	assert.Equal(t, 1, got.ErrorCnt)

	time.Sleep(10 * time.Millisecond)
	_, err = q.Sweep(ctx, time.Now())
	assert.NoError(t, err)
	got, _ = q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusReady, got.Status)

	lockID, _, _ = q.Fetch(ctx, 10)
	_, err = q.Handled(ctx, lockID, msg.ID, -2, rt.Null(), rt.Null())
	assert.NoError(t, err)
	got, _ = q.Peek(ctx, msg.ID)
	assert.Equal(t, 2, got.ErrorCnt)

	time.Sleep(10 * time.Millisecond)
	_, err = q.Sweep(ctx, time.Now())
	assert.NoError(t, err)
	got, _ = q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusForPurge, got.Status)
}

func TestLockUnlockRestoresPriorStatus(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultConfig())
	msg, _ := q.Put(ctx, "x.do", rt.Null(), "", "")

	lockID, err := q.Lock(ctx, msg.ID)
	assert.NoError(t, err)
	got, _ := q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusLocked, got.Status)

	unlocked, err := q.Unlock(ctx, lockID, msg.ID)
	assert.NoError(t, err)
	assert.True(t, unlocked)
	got, _ = q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusReady, got.Status)
}

func TestCancelForcesForPurge(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultConfig())
	msg, _ := q.Put(ctx, "x.do", rt.Null(), "", "")

	assert.NoError(t, q.Cancel(ctx, msg.ID))
	got, _ := q.Peek(ctx, msg.ID)
	assert.Equal(t, StatusForPurge, got.Status)
}

func TestPurgeRemovesForPurgeRows(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultConfig())
	msg, _ := q.Put(ctx, "x.do", rt.Null(), "", "")
	assert.NoError(t, q.Cancel(ctx, msg.ID))

	n, err := q.Purge(ctx, time.Now())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Peek(ctx, msg.ID)
	assert.Error(t, err)
}

func TestOpenRecoversInterruptedSentToReady(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	assert.NoError(t, store.DefineQueue(ctx, "crashed"))
	now := time.Now()
	assert.NoError(t, store.SaveMessage(ctx, "crashed", &Message{
		ID: 1, Status: StatusSent, LockID: 7, AddedAt: now, UpdatedAt: now,
	}))

	q, err := NewQueue("crashed", store, DefaultConfig())
	assert.NoError(t, err)
	assert.NoError(t, q.Open(ctx, time.Now()))

	got, err := q.Peek(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, int64(0), got.LockID)
}

func TestImportSkipsExistingIDs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, DefaultConfig())
	msg, _ := q.Put(ctx, "x.do", rt.Null(), "", "")

	imported, err := q.Import(ctx, []*Message{
		{ID: msg.ID, Command: "dup"},
		{ID: msg.ID + 100, Command: "new", AddedAt: time.Now(), UpdatedAt: time.Now()},
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, imported)
}
