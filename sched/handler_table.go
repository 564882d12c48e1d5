package sched

import (
	"sync"
	"time"

	"oss.nandlabs.io/gridmesh/handler"
)

// handlerRecord is the request-handler record of spec.md §3: the
// scheduler's memory of an outstanding request it sent on some task's or
// module's behalf, removed on response delivery, explicit cancel, task
// death, or timeout.
type handlerRecord struct {
	requestID int64
	h         handler.Handler
	sentAt    time.Time
	timeout   time.Duration
	ownerTask string // empty if owned directly by the scheduler/a module
}

// handlerTable is the map[request_id]→handlerRecord described in
// spec.md §4.4/§4.6, with an exactly-one-fire guarantee: response
// delivery and CancelRequest both remove the record through Take before
// invoking the handler, so a concurrent SweepExpired can never
// double-fire it.
type handlerTable struct {
	mutex   sync.Mutex
	byReqID map[int64]*handlerRecord
}

func newHandlerTable() *handlerTable {
	return &handlerTable{byReqID: make(map[int64]*handlerRecord)}
}

// Store installs a handler for requestID. A zero/negative requestID (the
// fire-and-forget case) is silently ignored.
func (t *handlerTable) Store(requestID int64, h handler.Handler, timeout time.Duration, ownerTask string) {
	if requestID <= 0 || h == nil {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.byReqID[requestID] = &handlerRecord{
		requestID: requestID,
		h:         h,
		sentAt:    time.Now(),
		timeout:   timeout,
		ownerTask: ownerTask,
	}
}

// Take removes and returns the handler record for requestID, if any.
func (t *handlerTable) Take(requestID int64) (*handlerRecord, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	rec, ok := t.byReqID[requestID]
	if ok {
		delete(t.byReqID, requestID)
	}
	return rec, ok
}

// ReleaseOwnedBy removes every handler owned by the given task, firing
// each one's HandleCommError with PhaseWait, per spec.md §4.6
// ("Tasks that are destroyed while owning handlers cause their handlers
// to be released with a comm-error").
func (t *handlerTable) ReleaseOwnedBy(taskID string, err error) {
	t.mutex.Lock()
	var owned []*handlerRecord
	for id, rec := range t.byReqID {
		if rec.ownerTask == taskID {
			owned = append(owned, rec)
			delete(t.byReqID, id)
		}
	}
	t.mutex.Unlock()

	for _, rec := range owned {
		rec.h.HandleCommError(rec.requestID, handler.PhaseWait, err)
	}
}

// SweepExpired removes and fires HandleCommError(PhaseWait, ...) on every
// handler whose envelope-level timeout has elapsed, returning the count
// swept.
func (t *handlerTable) SweepExpired(now time.Time, onTimeout func(rec *handlerRecord)) int {
	t.mutex.Lock()
	var expired []*handlerRecord
	for id, rec := range t.byReqID {
		if rec.timeout <= 0 {
			continue
		}
		if now.Sub(rec.sentAt) >= rec.timeout {
			expired = append(expired, rec)
			delete(t.byReqID, id)
		}
	}
	t.mutex.Unlock()

	for _, rec := range expired {
		onTimeout(rec)
	}
	return len(expired)
}

// Len reports the number of outstanding handlers, for get_stats.
func (t *handlerTable) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.byReqID)
}
