package pqueue

import (
	"context"
	"sync"
	"time"

	"oss.nandlabs.io/gridmesh/l3"
	"oss.nandlabs.io/gridmesh/rt"
)

// PQLockSaveFreq is the number of lock-ids preallocated to the durable
// store in one write (spec.md §4.7, PQ_LOCK_SAVE_FREQ).
const PQLockSaveFreq = 1000

// DefStatusCheckDelay is the default interval between sweep passes
// (spec.md §4.7, PQ_DEF_STATUS_CHK_DELAY ~= 100ms).
const DefStatusCheckDelay = 100 * time.Millisecond

// Config carries the tunables spec.md §4.7 attaches to a queue.
type Config struct {
	ErrorLimit     int
	ErrorDelay     time.Duration
	HandleTimeout  time.Duration
	StorageTimeout time.Duration
	PurgeInterval  time.Duration
	// ReplyCmd is stored on each message put without a reply command of
	// its own; the default is "pqueue.reply" per spec.md §4.7. Queue posts
	// no reply itself and never moves a handled message to for_purge on
	// its own: a handled message keeps that status until ResolveReply
	// records a reply outcome for it.
	ReplyCmd string
	// ArchiveFname is a pattern like "arc/q_*.json"; when set, purge
	// writes rows to a file instead of discarding them outright.
	ArchiveFname string
}

// DefaultConfig returns spec.md's defaults for an unconfigured queue.
func DefaultConfig() Config {
	return Config{
		ErrorLimit:     3,
		ErrorDelay:     100 * time.Millisecond,
		HandleTimeout:  500 * time.Millisecond,
		StorageTimeout: 2000 * time.Millisecond,
		PurgeInterval:  1 * time.Second,
		ReplyCmd:       "pqueue.reply",
	}
}

// Queue is the in-process engine for one durable queue: status-machine
// transitions, lock-id batching, and archive-on-purge. It holds no
// scheduling/dispatch logic of its own — Module and SweepTask (module.go,
// task.go) adapt it to sched.Module / sched.Task so it plugs into a
// Scheduler the way chrono.Scheduler wraps chrono.Storage with a run
// loop.
type Queue struct {
	mu       sync.Mutex
	name     string
	store    Store
	logger   l3.Logger
	cfg      Config
	archiver *Archiver

	nextID        int64
	lockBudget    int64
	lockNext      int64
	registeredHdl string
}

// NewQueue builds a Queue backed by store under the given name, defining
// the queue in the store if it does not already exist.
func NewQueue(name string, store Store, cfg Config) (*Queue, error) {
	if err := store.DefineQueue(context.Background(), name); err != nil {
		return nil, err
	}
	q := &Queue{name: name, store: store, cfg: cfg, logger: l3.Get()}
	if cfg.ArchiveFname != "" {
		arc, err := NewArchiver(cfg.ArchiveFname)
		if err != nil {
			return nil, err
		}
		q.archiver = arc
	}
	return q, nil
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Open runs the startup recovery procedure from spec.md §4.7: a purge
// sweep, then reverting any transition interrupted by a crash so every
// surviving message lands back in {ready, handled, for_purge}: exec_error
// and reply_error rows at the error limit go to for_purge. A locked
// message keeps its status and lock.
func (q *Queue) Open(ctx context.Context, now time.Time) error {
	if _, err := q.Purge(ctx, now); err != nil {
		return err
	}
	msgs, err := q.store.ListMessages(ctx, q.name)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		switch m.Status {
		case StatusSent:
			m.Status, m.LockID = StatusReady, 0
		case StatusExecError:
			if m.ErrorCnt < q.cfg.ErrorLimit {
				m.Status, m.LockID = StatusReady, 0
			} else {
				m.Status = StatusForPurge
			}
		case StatusReplySent:
			m.Status = StatusHandled
		case StatusReplyError:
			if m.ErrorCnt < q.cfg.ErrorLimit {
				m.Status = StatusHandled
			} else {
				m.Status = StatusForPurge
			}
		case StatusHandled:
			// already positioned for the post-processing path (reply or
			// purge); the next sweep/dispatch picks it up.
		default:
			continue
		}
		m.UpdatedAt = now
		if err := q.store.SaveMessage(ctx, q.name, m); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying store.
func (q *Queue) Close() error { return q.store.Close() }

func (q *Queue) nextMessageID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	return q.nextID
}

// nextLockID draws one lock-id from the queue's batch, requesting a fresh
// block of PQLockSaveFreq ids from the durable store whenever the
// in-memory budget is exhausted (spec.md §4.7 concurrency section).
func (q *Queue) nextLockID(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lockBudget == 0 {
		first, err := q.store.NextLockIDBlock(ctx, q.name, PQLockSaveFreq)
		if err != nil {
			return 0, err
		}
		q.lockNext = first
		q.lockBudget = PQLockSaveFreq
	}
	id := q.lockNext
	q.lockNext++
	q.lockBudget--
	return id, nil
}

// Put enqueues a new message in ready status (spec.md §4.7 "put").
func (q *Queue) Put(ctx context.Context, command string, params rt.Value, reference, replyCmd string) (*Message, error) {
	now := time.Now()
	if replyCmd == "" {
		replyCmd = q.cfg.ReplyCmd
	}
	m := &Message{
		ID:        q.nextMessageID(),
		Status:    StatusReady,
		Command:   command,
		Params:    params,
		Reference: reference,
		ReplyCmd:  replyCmd,
		Result:    rt.Null(),
		Error:     rt.Null(),
		AddedAt:   now,
		UpdatedAt: now,
	}
	if err := q.store.SaveMessage(ctx, q.name, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Fetch selects up to limit ready messages, stamps them sent with one
// shared lock-id, and returns that lease plus the messages (spec.md §4.7
// "Fetching").
func (q *Queue) Fetch(ctx context.Context, limit int) (lockID int64, msgs []*Message, err error) {
	if limit <= 0 {
		return 0, nil, nil
	}
	all, err := q.store.ListMessages(ctx, q.name)
	if err != nil {
		return 0, nil, err
	}
	var ready []*Message
	for _, m := range all {
		if m.Status == StatusReady {
			ready = append(ready, m)
			if len(ready) >= limit {
				break
			}
		}
	}
	if len(ready) == 0 {
		return 0, nil, nil
	}
	lockID, err = q.nextLockID(ctx)
	if err != nil {
		return 0, nil, err
	}
	now := time.Now()
	for _, m := range ready {
		m.OldStatus = m.Status
		m.Status = StatusSent
		m.LockID = lockID
		m.UpdatedAt = now
		if err := q.store.SaveMessage(ctx, q.name, m); err != nil {
			return 0, nil, err
		}
	}
	return lockID, ready, nil
}

// Handled records a worker's acknowledgment of a fetched message
// (spec.md §4.7 "Acknowledgment"). The second return is false when the
// lock-id is stale, in which case the store is left untouched.
func (q *Queue) Handled(ctx context.Context, lockID, messageID int64, execStatus int32, result, errBody rt.Value) (bool, error) {
	m, err := q.store.GetMessage(ctx, q.name, messageID)
	if err != nil {
		return false, err
	}
	if m.LockID != lockID || m.Status != StatusSent {
		q.logger.WarnF("pqueue[%s]: stale ack for message %d (lock %d, current status %s)", q.name, messageID, lockID, m.Status)
		return false, nil
	}
	m.ExecStatus = execStatus
	m.Result = result
	m.Error = errBody
	m.UpdatedAt = time.Now()
	if execStatus == 0 {
		m.Status = StatusHandled
	} else {
		m.Status = StatusExecError
		m.ErrorCnt++
	}
	if err := q.store.SaveMessage(ctx, q.name, m); err != nil {
		return false, err
	}
	return true, nil
}

// ResolveReply marks a handled message reply_sent (ok) or reply_error
// (failed), the transition driven by the module's own reply delivery —
// Queue has no transport of its own (spec.md §1 excludes concrete
// transports), so the caller supplies the outcome.
func (q *Queue) ResolveReply(ctx context.Context, messageID int64, ok bool) error {
	m, err := q.store.GetMessage(ctx, q.name, messageID)
	if err != nil {
		return err
	}
	if m.Status != StatusHandled {
		return nil
	}
	if ok {
		m.Status = StatusReplySent
	} else {
		m.Status = StatusReplyError
		m.ErrorCnt++
	}
	m.UpdatedAt = time.Now()
	return q.store.SaveMessage(ctx, q.name, m)
}

// Lock overlays the locked status atop a message's current status,
// recording it in OldStatus for Unlock to restore (spec.md §4.7 "any ->
// locked/prior").
func (q *Queue) Lock(ctx context.Context, messageID int64) (int64, error) {
	m, err := q.store.GetMessage(ctx, q.name, messageID)
	if err != nil {
		return 0, err
	}
	lockID, err := q.nextLockID(ctx)
	if err != nil {
		return 0, err
	}
	m.OldStatus = m.Status
	m.Status = StatusLocked
	m.LockID = lockID
	m.UpdatedAt = time.Now()
	if err := q.store.SaveMessage(ctx, q.name, m); err != nil {
		return 0, err
	}
	return lockID, nil
}

// Unlock restores a locked message to the status it held before Lock.
func (q *Queue) Unlock(ctx context.Context, lockID, messageID int64) (bool, error) {
	m, err := q.store.GetMessage(ctx, q.name, messageID)
	if err != nil {
		return false, err
	}
	if m.Status != StatusLocked || m.LockID != lockID {
		return false, nil
	}
	m.Status = m.OldStatus
	m.LockID = 0
	m.UpdatedAt = time.Now()
	if err := q.store.SaveMessage(ctx, q.name, m); err != nil {
		return false, err
	}
	return true, nil
}

// Cancel retires a message immediately regardless of its current status.
func (q *Queue) Cancel(ctx context.Context, messageID int64) error {
	m, err := q.store.GetMessage(ctx, q.name, messageID)
	if err != nil {
		return err
	}
	m.Status = StatusForPurge
	m.UpdatedAt = time.Now()
	return q.store.SaveMessage(ctx, q.name, m)
}

// Peek retrieves a message by id without changing its state.
func (q *Queue) Peek(ctx context.Context, messageID int64) (*Message, error) {
	return q.store.GetMessage(ctx, q.name, messageID)
}

// PeekByReference scans for a message carrying the given reference
// string, for callers that only know the caller-supplied correlation id.
func (q *Queue) PeekByReference(ctx context.Context, reference string) (*Message, error) {
	all, err := q.store.ListMessages(ctx, q.name)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.Reference == reference {
			return m, nil
		}
	}
	return nil, ErrMessageNotFound
}

// List returns every message in the queue, optionally filtered by status.
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]*Message, error) {
	all, err := q.store.ListMessages(ctx, q.name)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return all, nil
	}
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]*Message, 0, len(all))
	for _, m := range all {
		if want[m.Status] {
			out = append(out, m)
		}
	}
	return out, nil
}

// Import re-adds messages from an archive or a peer, skipping ids already
// present.
func (q *Queue) Import(ctx context.Context, msgs []*Message) (int, error) {
	imported := 0
	for _, m := range msgs {
		if _, err := q.store.GetMessage(ctx, q.name, m.ID); err == nil {
			continue
		}
		cp := *m
		if err := q.store.SaveMessage(ctx, q.name, &cp); err != nil {
			return imported, err
		}
		if cp.ID >= q.nextID {
			q.mu.Lock()
			q.nextID = cp.ID
			q.mu.Unlock()
		}
		imported++
	}
	return imported, nil
}

// Sweep applies the three periodic checks from spec.md §4.7 "Timeouts":
// stale sent messages revert to ready, stale ready messages are purged,
// and exec/reply errors below the error limit are retried after
// ErrorDelay.
func (q *Queue) Sweep(ctx context.Context, now time.Time) (moved int, err error) {
	all, err := q.store.ListMessages(ctx, q.name)
	if err != nil {
		return 0, err
	}
	for _, m := range all {
		before := m.Status
		switch m.Status {
		case StatusSent:
			if q.cfg.HandleTimeout > 0 && now.Sub(m.UpdatedAt) >= q.cfg.HandleTimeout {
				m.Status, m.LockID = StatusReady, 0
			}
		case StatusReady:
			if q.cfg.StorageTimeout > 0 && now.Sub(m.UpdatedAt) >= q.cfg.StorageTimeout {
				m.Status = StatusForPurge
			}
		case StatusExecError:
			if now.Sub(m.UpdatedAt) >= q.cfg.ErrorDelay {
				if m.ErrorCnt >= q.cfg.ErrorLimit {
					m.Status = StatusForPurge
				} else {
					m.Status, m.LockID = StatusReady, 0
				}
			}
		case StatusReplyError:
			if now.Sub(m.UpdatedAt) >= q.cfg.ErrorDelay {
				if m.ErrorCnt >= q.cfg.ErrorLimit {
					m.Status = StatusForPurge
				} else {
					m.Status = StatusHandled
				}
			}
		}
		if m.Status != before {
			m.UpdatedAt = now
			if err := q.store.SaveMessage(ctx, q.name, m); err != nil {
				return moved, err
			}
			moved++
		}
	}
	return moved, nil
}

// Purge draws a new lock-id, claims every for_purge row, archives or
// deletes them, then removes them from the store (spec.md §4.7 "Purge").
func (q *Queue) Purge(ctx context.Context, now time.Time) (int, error) {
	all, err := q.store.ListMessages(ctx, q.name)
	if err != nil {
		return 0, err
	}
	var toPurge []*Message
	for _, m := range all {
		if m.Status == StatusForPurge {
			toPurge = append(toPurge, m)
		}
	}
	if len(toPurge) == 0 {
		return 0, nil
	}
	lockID, err := q.nextLockID(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range toPurge {
		m.LockID = lockID
	}
	if q.archiver != nil {
		if _, err := q.archiver.Write(now, toPurge); err != nil {
			q.logger.ErrorF("pqueue[%s]: archive write failed, rows retained: %v", q.name, err)
			return 0, err
		}
	}
	for _, m := range toPurge {
		if err := q.store.DeleteMessage(ctx, q.name, m.ID); err != nil {
			return 0, err
		}
	}
	return len(toPurge), nil
}
