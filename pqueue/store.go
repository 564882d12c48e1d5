// Package pqueue implements the persistent transactional queue (spec.md
// §4.7): a durable, single-consumer-logical ordered store with
// at-least-once semantics and explicit lock handover.
package pqueue

import (
	"context"
	"errors"
	"time"

	"oss.nandlabs.io/gridmesh/rt"
)

// Status is a message's position in the lifecycle graph from spec.md
// §4.7: put -> ready -> sent -> handled -> reply_sent -> for_purge, with
// exec_error/reply_error side branches and a locked overlay state.
type Status int

const (
	StatusReady Status = iota
	StatusLocked
	StatusSent
	StatusHandled
	StatusReplySent
	StatusExecError
	StatusReplyError
	StatusForPurge
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusLocked:
		return "locked"
	case StatusSent:
		return "sent"
	case StatusHandled:
		return "handled"
	case StatusReplySent:
		return "reply_sent"
	case StatusExecError:
		return "exec_error"
	case StatusReplyError:
		return "reply_error"
	case StatusForPurge:
		return "for_purge"
	default:
		return "unknown"
	}
}

// Message is the persistent-queue message record from spec.md §4.7:
// `{id, status, command, params, reference?, reply_cmd?, exec_status?,
// result?, error?, error_cnt, lock_id, old_status, added_at, updated_at}`.
type Message struct {
	ID         int64
	Status     Status
	OldStatus  Status
	Command    string
	Params     rt.Value
	Reference  string
	ReplyCmd   string
	ExecStatus int32
	Result     rt.Value
	Error      rt.Value
	ErrorCnt   int
	LockID     int64
	AddedAt    time.Time
	UpdatedAt  time.Time
}

// ErrMessageNotFound is returned by Store.GetMessage/DeleteMessage when no
// row with the given id exists in the named queue.
var ErrMessageNotFound = errors.New("pqueue: message not found")

// ErrQueueNotFound is returned by InMemoryStore's GetMessage, DeleteMessage
// and ListMessages when the named queue was never defined with
// Store.DefineQueue; its SaveMessage and NextLockIDBlock define the queue
// instead.
var ErrQueueNotFound = errors.New("pqueue: queue not found")

// Store is the durable-backend interface behind a Queue, shaped directly
// on chrono.Storage's Save/Get/Delete/List + AcquireLock/ReleaseLock
// split: an upsert-style save, id lookup, full scan, and a counter-style
// lock allocator in place of chrono's owner-string mutual exclusion (this
// runtime's locking is optimistic, keyed by (message_id, lock_id) rather
// than a held mutex).
type Store interface {
	// DefineQueue creates the named queue's row if absent (upsert of the
	// queue definition itself, not its messages).
	DefineQueue(ctx context.Context, queue string) error
	// UndefineQueue removes a queue and every message row under it.
	UndefineQueue(ctx context.Context, queue string) error
	// ListQueues returns every defined queue name.
	ListQueues(ctx context.Context) ([]string, error)

	// SaveMessage persists a message record under the named queue
	// (upsert, keyed by Message.ID).
	SaveMessage(ctx context.Context, queue string, msg *Message) error
	// GetMessage retrieves a message by id. Returns ErrMessageNotFound if
	// absent.
	GetMessage(ctx context.Context, queue string, id int64) (*Message, error)
	// DeleteMessage removes a message by id. Returns ErrMessageNotFound if
	// absent.
	DeleteMessage(ctx context.Context, queue string, id int64) error
	// ListMessages returns every message row under the named queue
	// regardless of status.
	ListMessages(ctx context.Context, queue string) ([]*Message, error)

	// NextLockIDBlock draws the next `size` lock-ids from the queue's
	// monotonic counter in one durable write, implementing the
	// PQ_LOCK_SAVE_FREQ preallocation from spec.md §4.7: the returned
	// value is the first id in the reserved [first, first+size) block.
	NextLockIDBlock(ctx context.Context, queue string, size int64) (first int64, err error)

	// Close releases any resources held by the store.
	Close() error
}
