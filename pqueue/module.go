package pqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/l3"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
	"oss.nandlabs.io/gridmesh/status"
)

// Module adapts one or more named Queues to sched.Module under the
// "pqueue" interface prefix, implementing the wire operations from
// spec.md §4.7. Manager-level operations (init/open/close/drop) act on
// every defined queue at once; queue-level operations (define/undefine/
// qlist) manage individual named queues, the rest (put/mlist/fetch/...)
// operate on messages within one named queue.
type Module struct {
	sched.BaseModule

	mu       sync.Mutex
	store    Store
	queues   map[string]*Queue
	registry *addr.Registry
	logger   l3.Logger
}

// NewModule builds a pqueue.Module backed by store, optionally publishing
// queue addresses into registry via the "register" operation (registry
// may be nil if the host never calls register).
func NewModule(store Store, registry *addr.Registry) *Module {
	return &Module{
		BaseModule: sched.BaseModule{Interfaces: []string{"pqueue"}},
		store:      store,
		queues:     make(map[string]*Queue),
		registry:   registry,
		logger:     l3.Get(),
	}
}

// Queue returns the named queue's runtime wrapper, mainly for tests and
// for wiring a SweepTask per defined queue.
func (m *Module) Queue(name string) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, ok
}

// Queues returns every currently-defined queue, for a host wiring one
// SweepTask per queue.
func (m *Module) Queues() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out
}

func (m *Module) HandleMessage(command string, params rt.Value, result *rt.Value) status.Code {
	env := envelope.Envelope{Event: envelope.Request{Command: command, Params: params}}
	return m.HandleEnvelope(env, result)
}

func (m *Module) HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return status.UnkMsg
	}
	_, verb, _ := strings.Cut(req.Command, ".")
	p := req.Params

	switch verb {
	case "init":
		return status.OK
	case "open":
		return m.openAll(result)
	case "close":
		return m.closeAll(result)
	case "drop":
		return m.dropAll(result)
	case "qlist":
		*result = rt.List(m.queueNames()...)
		return status.OK
	case "define":
		return m.define(p, result)
	case "undefine":
		return m.undefine(p)
	case "put":
		return m.put(p, result)
	case "mlist":
		return m.mlist(p, result)
	case "fetch":
		return m.fetch(p, result)
	case "handled":
		return m.handled(p, result)
	case "lock":
		return m.lock(p, result)
	case "unlock":
		return m.unlock(p, result)
	case "cancel":
		return m.cancel(p)
	case "peek":
		return m.peek(p, result)
	case "export":
		return m.export(p, result)
	case "import":
		return m.doImport(p, result)
	case "register":
		return m.register(p, result)
	case "purge":
		return m.purge(p, result)
	default:
		return status.UnkMsg
	}
}

func (m *Module) queueNames() []rt.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rt.Value, 0, len(m.queues))
	for name := range m.queues {
		out = append(out, rt.String(name))
	}
	return out
}

func (m *Module) lookup(p rt.Value) (*Queue, string, bool) {
	name := p.GetOr("queue", rt.Null()).AsString("")
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, name, ok
}

func (m *Module) openAll(result *rt.Value) status.Code {
	now := time.Now()
	for _, q := range m.Queues() {
		if err := q.Open(context.Background(), now); err != nil {
			*result = envelope.ErrorResult(err.Error())
			return status.Err
		}
	}
	return status.OK
}

func (m *Module) closeAll(result *rt.Value) status.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string]*Queue)
	return status.OK
}

func (m *Module) dropAll(result *rt.Value) status.Code {
	ctx := context.Background()
	for name := range m.queues {
		_ = m.store.UndefineQueue(ctx, name)
	}
	m.mu.Lock()
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()
	return status.OK
}

func (m *Module) define(p rt.Value, result *rt.Value) status.Code {
	name := p.GetOr("queue", rt.Null()).AsString("")
	if name == "" {
		return status.WrongParams
	}
	m.mu.Lock()
	if _, exists := m.queues[name]; exists {
		m.mu.Unlock()
		return status.OK
	}
	m.mu.Unlock()

	cfg := DefaultConfig()
	if v, ok := p.Get("error_limit"); ok {
		cfg.ErrorLimit = int(v.AsInt64(int64(cfg.ErrorLimit)))
	}
	if v, ok := p.Get("error_delay_ms"); ok {
		cfg.ErrorDelay = time.Duration(v.AsInt64(int64(cfg.ErrorDelay/time.Millisecond))) * time.Millisecond
	}
	if v, ok := p.Get("handle_timeout_ms"); ok {
		cfg.HandleTimeout = time.Duration(v.AsInt64(int64(cfg.HandleTimeout/time.Millisecond))) * time.Millisecond
	}
	if v, ok := p.Get("storage_timeout_ms"); ok {
		cfg.StorageTimeout = time.Duration(v.AsInt64(int64(cfg.StorageTimeout/time.Millisecond))) * time.Millisecond
	}
	if v, ok := p.Get("purge_interval_ms"); ok {
		cfg.PurgeInterval = time.Duration(v.AsInt64(int64(cfg.PurgeInterval/time.Millisecond))) * time.Millisecond
	}
	if v, ok := p.Get("reply_cmd"); ok {
		cfg.ReplyCmd = v.AsString(cfg.ReplyCmd)
	}
	if v, ok := p.Get("archive_fname"); ok {
		cfg.ArchiveFname = v.AsString("")
	}

	q, err := NewQueue(name, m.store, cfg)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	m.mu.Lock()
	m.queues[name] = q
	m.mu.Unlock()
	return status.OK
}

func (m *Module) undefine(p rt.Value) status.Code {
	name := p.GetOr("queue", rt.Null()).AsString("")
	if name == "" {
		return status.WrongParams
	}
	_ = m.store.UndefineQueue(context.Background(), name)
	m.mu.Lock()
	delete(m.queues, name)
	m.mu.Unlock()
	return status.OK
}

func (m *Module) put(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	command := p.GetOr("command", rt.Null()).AsString("")
	if command == "" {
		return status.WrongParams
	}
	reference := p.GetOr("reference", rt.Null()).AsString("")
	replyCmd := p.GetOr("reply_cmd", rt.Null()).AsString("")
	payload := p.GetOr("params", rt.Null())
	msg, err := q.Put(context.Background(), command, payload, reference, replyCmd)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = messageToValue(msg)
	return status.OK
}

func (m *Module) mlist(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	var statuses []Status
	if v, has := p.Get("status"); has {
		s, ok := parseStatus(v.AsString(""))
		if !ok {
			return status.WrongParams
		}
		statuses = append(statuses, s)
	}
	msgs, err := q.List(context.Background(), statuses...)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = messagesToValue(msgs)
	return status.OK
}

func (m *Module) fetch(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	limit := int(p.GetOr("limit", rt.Int64(1)).AsInt64(1))
	lockID, msgs, err := q.Fetch(context.Background(), limit)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{
		"lock_id":  rt.Int64(lockID),
		"msg_list": messagesToValue(msgs),
	})
	return status.OK
}

func (m *Module) handled(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	lockID := p.GetOr("lock_id", rt.Int64(0)).AsInt64(0)
	msgID := p.GetOr("message_id", rt.Int64(0)).AsInt64(0)
	execStatus := int32(p.GetOr("exec_status", rt.Int64(0)).AsInt64(0))
	res := p.GetOr("result", rt.Null())
	errBody := p.GetOr("error", rt.Null())
	accepted, err := q.Handled(context.Background(), lockID, msgID, execStatus, res, errBody)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{"accepted": rt.Bool(accepted)})
	return status.OK
}

func (m *Module) lock(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	msgID := p.GetOr("message_id", rt.Int64(0)).AsInt64(0)
	lockID, err := q.Lock(context.Background(), msgID)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{"lock_id": rt.Int64(lockID)})
	return status.OK
}

func (m *Module) unlock(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	lockID := p.GetOr("lock_id", rt.Int64(0)).AsInt64(0)
	msgID := p.GetOr("message_id", rt.Int64(0)).AsInt64(0)
	unlocked, err := q.Unlock(context.Background(), lockID, msgID)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{"unlocked": rt.Bool(unlocked)})
	return status.OK
}

func (m *Module) cancel(p rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	msgID := p.GetOr("message_id", rt.Int64(0)).AsInt64(0)
	if err := q.Cancel(context.Background(), msgID); err != nil {
		return status.Err
	}
	return status.OK
}

func (m *Module) peek(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	var msg *Message
	var err error
	if v, has := p.Get("message_id"); has {
		msg, err = q.Peek(context.Background(), v.AsInt64(0))
	} else {
		ref := p.GetOr("reference", rt.Null()).AsString("")
		msg, err = q.PeekByReference(context.Background(), ref)
	}
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = messageToValue(msg)
	return status.OK
}

func (m *Module) export(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	if q.archiver == nil {
		return status.WrongCfg
	}
	var statuses []Status
	if v, has := p.Get("status"); has {
		s, ok := parseStatus(v.AsString(""))
		if !ok {
			return status.WrongParams
		}
		statuses = append(statuses, s)
	}
	msgs, err := q.List(context.Background(), statuses...)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	file, err := q.archiver.Write(time.Now(), msgs)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{"file": rt.String(file), "count": rt.Int64(int64(len(msgs)))})
	return status.OK
}

func (m *Module) doImport(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	list := p.GetOr("messages", rt.Null()).AsList()
	msgs := make([]*Message, 0, len(list))
	for _, v := range list {
		msgs = append(msgs, valueToMessage(v))
	}
	imported, err := q.Import(context.Background(), msgs)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{"imported": rt.Int64(int64(imported))})
	return status.OK
}

func (m *Module) register(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	if m.registry == nil {
		return status.WrongCfg
	}
	target := p.GetOr("target", rt.Null()).AsString("")
	if target == "" {
		return status.WrongParams
	}
	public := p.GetOr("public", rt.Bool(false)).AsBool(false)
	features := addr.Features(0)
	if public {
		features |= addr.FeaturePublic
	}
	handle := m.registry.Register(target, addr.KindPath, features, time.Now(), time.Time{})
	q.mu.Lock()
	q.registeredHdl = handle
	q.mu.Unlock()
	*result = rt.Map(map[string]rt.Value{"handle": rt.String(handle)})
	return status.OK
}

func (m *Module) purge(p rt.Value, result *rt.Value) status.Code {
	q, _, ok := m.lookup(p)
	if !ok {
		return status.WrongCfg
	}
	n, err := q.Purge(context.Background(), time.Now())
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{"purged": rt.Int64(int64(n))})
	return status.OK
}

func parseStatus(s string) (Status, bool) {
	switch s {
	case "ready":
		return StatusReady, true
	case "locked":
		return StatusLocked, true
	case "sent":
		return StatusSent, true
	case "handled":
		return StatusHandled, true
	case "reply_sent":
		return StatusReplySent, true
	case "exec_error":
		return StatusExecError, true
	case "reply_error":
		return StatusReplyError, true
	case "for_purge":
		return StatusForPurge, true
	default:
		return 0, false
	}
}

func messageToValue(m *Message) rt.Value {
	return rt.Map(map[string]rt.Value{
		"id":          rt.Int64(m.ID),
		"status":      rt.String(m.Status.String()),
		"old_status":  rt.String(m.OldStatus.String()),
		"command":     rt.String(m.Command),
		"params":      m.Params,
		"reference":   rt.String(m.Reference),
		"reply_cmd":   rt.String(m.ReplyCmd),
		"exec_status": rt.Int64(int64(m.ExecStatus)),
		"result":      m.Result,
		"error":       m.Error,
		"error_cnt":   rt.Int64(int64(m.ErrorCnt)),
		"lock_id":     rt.Int64(m.LockID),
		"added_at":    rt.DateTime(m.AddedAt),
		"updated_at":  rt.DateTime(m.UpdatedAt),
	})
}

func messagesToValue(msgs []*Message) rt.Value {
	out := make([]rt.Value, len(msgs))
	for i, m := range msgs {
		out[i] = messageToValue(m)
	}
	return rt.List(out...)
}

func valueToMessage(v rt.Value) *Message {
	status, _ := parseStatus(v.GetOr("status", rt.Null()).AsString("ready"))
	oldStatus, _ := parseStatus(v.GetOr("old_status", rt.Null()).AsString(""))
	return &Message{
		ID:         v.GetOr("id", rt.Int64(0)).AsInt64(0),
		Status:     status,
		OldStatus:  oldStatus,
		Command:    v.GetOr("command", rt.Null()).AsString(""),
		Params:     v.GetOr("params", rt.Null()),
		Reference:  v.GetOr("reference", rt.Null()).AsString(""),
		ReplyCmd:   v.GetOr("reply_cmd", rt.Null()).AsString(""),
		ExecStatus: int32(v.GetOr("exec_status", rt.Int64(0)).AsInt64(0)),
		Result:     v.GetOr("result", rt.Null()),
		Error:      v.GetOr("error", rt.Null()),
		ErrorCnt:   int(v.GetOr("error_cnt", rt.Int64(0)).AsInt64(0)),
		LockID:     v.GetOr("lock_id", rt.Int64(0)).AsInt64(0),
		AddedAt:    v.GetOr("added_at", rt.Null()).AsDateTime(time.Now()),
		UpdatedAt:  v.GetOr("updated_at", rt.Null()).AsDateTime(time.Now()),
	}
}
