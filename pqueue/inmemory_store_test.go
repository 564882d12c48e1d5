package pqueue

import (
	"context"
	"testing"

	"oss.nandlabs.io/gridmesh/testing/assert"
)

func TestInMemoryStoreSaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	assert.NoError(t, s.DefineQueue(ctx, "q1"))

	msg := &Message{ID: 1, Command: "x"}
	assert.NoError(t, s.SaveMessage(ctx, "q1", msg))

	got, err := s.GetMessage(ctx, "q1", 1)
	assert.NoError(t, err)
	assert.Equal(t, "x", got.Command)

	assert.NoError(t, s.DeleteMessage(ctx, "q1", 1))
	_, err = s.GetMessage(ctx, "q1", 1)
	assert.Error(t, err)
}

func TestInMemoryStoreNextLockIDBlockIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	assert.NoError(t, s.DefineQueue(ctx, "q1"))

	first, err := s.NextLockIDBlock(ctx, "q1", 1000)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := s.NextLockIDBlock(ctx, "q1", 1000)
	assert.NoError(t, err)
	assert.Equal(t, int64(1001), second)
}

func TestInMemoryStoreListQueues(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	assert.NoError(t, s.DefineQueue(ctx, "b"))
	assert.NoError(t, s.DefineQueue(ctx, "a"))

	names, err := s.ListQueues(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	assert.NoError(t, s.UndefineQueue(ctx, "a"))
	names, err = s.ListQueues(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}
