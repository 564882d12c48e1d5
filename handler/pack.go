package handler

import (
	"sync"

	"oss.nandlabs.io/gridmesh/collections"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/errutils"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/status"
)

// Pack is a fan-out/join barrier over a group of correlated requests: it
// tracks how many were sent, how many responses (success or error) have
// come back, and fires a caller-supplied callback the instant the two
// counts meet, regardless of arrival order. Members are walked with a
// collections.Iterator the way ArrayList consumers do, and GetFullResult
// collects skipped-error bodies through an errutils.MultiError rather than
// aborting on the first one.
type Pack struct {
	mutex sync.Mutex

	members    *collections.ArrayList[*member]
	sentCount  int
	recvCount  int
	errCount   int
	onAllRecvd func(p *Pack)
	fired      bool
}

// member is one request tracked by the pack.
type member struct {
	requestID int64
	done      bool
	failed    bool
	result    rt.Value
	errBody   rt.Value
}

// NewPack creates an empty pack. onAllReceived, if non-nil, is invoked
// exactly once, synchronously, the moment recvCount reaches sentCount.
func NewPack(onAllReceived func(p *Pack)) *Pack {
	return &Pack{
		members:    collections.NewArrayList[*member](),
		onAllRecvd: onAllReceived,
	}
}

// Add registers a request that has just been sent as part of this pack,
// incrementing SentCount.
func (p *Pack) Add(requestID int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.members.Add(&member{requestID: requestID})
	p.sentCount++
}

// SentCount returns the number of requests registered with this pack.
func (p *Pack) SentCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.sentCount
}

// ReceivedCount returns the number of responses (success or error) seen
// so far.
func (p *Pack) ReceivedCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.recvCount
}

// ErrorCount returns the number of error responses seen so far.
func (p *Pack) ErrorCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.errCount
}

// HandleResult implements Handler, recording a successful reply for the
// member with the matching request ID.
func (p *Pack) HandleResult(resp envelope.Envelope) {
	p.recordReply(resp.Event.RequestID(), false, resultOf(resp), rt.Null())
}

// HandleError implements Handler, recording an application-level error
// reply for the member with the matching request ID.
func (p *Pack) HandleError(resp envelope.Envelope) {
	p.recordReply(resp.Event.RequestID(), true, rt.Null(), errorOf(resp))
}

// HandleCommError implements Handler: a request that can never be
// answered still counts toward the join so the pack does not hang
// forever waiting on it. requestID pins the failure to the specific
// member that actually failed, rather than whichever member happens to
// still be outstanding.
func (p *Pack) HandleCommError(requestID int64, phase Phase, err error) {
	p.mutex.Lock()
	it := p.members.Iterator()
	var target *member
	for it.HasNext() {
		m := it.Next()
		if m.requestID == requestID && !m.done {
			target = m
			break
		}
	}
	if target == nil {
		p.mutex.Unlock()
		return
	}
	target.done = true
	target.failed = true
	target.errBody = rt.String(err.Error())
	p.recvCount++
	p.errCount++
	p.maybeFireLocked()
	p.mutex.Unlock()
}

func (p *Pack) recordReply(requestID int64, isError bool, result, errBody rt.Value) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	it := p.members.Iterator()
	for it.HasNext() {
		m := it.Next()
		if m.requestID != requestID || m.done {
			continue
		}
		m.done = true
		m.failed = isError
		m.result = result
		m.errBody = errBody
		p.recvCount++
		if isError {
			p.errCount++
		}
		break
	}
	p.maybeFireLocked()
}

func (p *Pack) maybeFireLocked() {
	if p.fired || p.recvCount < p.sentCount {
		return
	}
	p.fired = true
	if p.onAllRecvd != nil {
		p.onAllRecvd(p)
	}
}

// GetFullResult returns the result bodies of every successfully completed
// member, in the order they were added, skipping members that errored or
// never completed. The returned MultiError collects the error bodies of
// the members that completed with an error; members that never completed
// are skipped without an entry.
func (p *Pack) GetFullResult() (results []rt.Value, skipped *errutils.MultiError) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	skipped = errutils.NewMultiErr(nil)
	it := p.members.Iterator()
	for it.HasNext() {
		m := it.Next()
		if !m.done || m.failed {
			if m.done {
				skipped.Add(errString(m.errBody))
			}
			continue
		}
		results = append(results, m.result)
	}
	return
}

func resultOf(resp envelope.Envelope) rt.Value {
	if r, ok := resp.Event.(envelope.Response); ok {
		return r.Result
	}
	return rt.Null()
}

func errorOf(resp envelope.Envelope) rt.Value {
	if r, ok := resp.Event.(envelope.Response); ok {
		return r.Error
	}
	return rt.Null()
}

func errString(errBody rt.Value) error {
	return &replyError{body: errBody}
}

// replyError adapts an rt.Value error body into the error interface for
// MultiError aggregation.
type replyError struct {
	body rt.Value
}

func (e *replyError) Error() string {
	if s := e.body.AsString(""); s != "" {
		return s
	}
	return e.body.String()
}

// statusOf is a small helper kept for callers that want to branch on the
// wire status code of a response rather than relying solely on whether
// HandleResult or HandleError was invoked.
func statusOf(resp envelope.Envelope) status.Code {
	if r, ok := resp.Event.(envelope.Response); ok {
		return status.Code(r.Status)
	}
	return status.Err
}
